// Package coordinator runs one wave of tasks behind a barrier.
//
// A wave's pending tasks are marked in_progress in one transaction, handed
// to workers (concurrently up to a limit when the wave can parallelize,
// one at a time otherwise), and awaited together. Only after every worker
// has returned are the claims verified and all results written back in a
// second transaction. Workers never touch the store.
//
// Parallel workers never share a checkout: each task gets a branch forked
// from the wave branch, and after the barrier the task branches are
// integrated into the wave branch one at a time. Without an Isolator a
// wave that could parallelize runs serially instead.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mrz1836/tide/internal/clock"
	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/store"
	"github.com/mrz1836/tide/internal/vcs"
	"github.com/mrz1836/tide/internal/verify"
	"github.com/mrz1836/tide/internal/worker"
)

// ClaimVerifier checks claims against an output tree. verify.Verifier satisfies it.
type ClaimVerifier interface {
	Verify(ctx context.Context, root string, claims []domain.ArtifactClaim) ([]domain.ArtifactClaim, []verify.Rejection, error)
}

// purger is a ClaimVerifier that caches parsed files.
type purger interface {
	Purge()
}

// Isolator gives each task of a parallel wave its own checkout and folds
// finished checkouts back into the wave branch. vcs.GitWorkspace satisfies it.
type Isolator interface {
	// Fork creates, or reopens, a branch off parent named after taskID.
	Fork(ctx context.Context, parent vcs.Branch, taskID string) (vcs.Branch, error)

	// Integrate merges from into the branch checked out at into.Dir.
	// Returns ErrMergeConflict when the two cannot be merged cleanly.
	Integrate(ctx context.Context, into, from vcs.Branch) error

	// Release removes a branch's checkout.
	Release(ctx context.Context, branch vcs.Branch) error
}

// Coordinator executes waves.
type Coordinator struct {
	store      store.Store
	worker     worker.Worker
	isolator   Isolator
	verifier   ClaimVerifier
	clock      clock.Clock
	maxWorkers int
	logger     zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithVerifier replaces the claim verifier.
func WithVerifier(v ClaimVerifier) Option {
	return func(c *Coordinator) {
		c.verifier = v
	}
}

// WithIsolator enables parallel waves, running each task in its own checkout.
func WithIsolator(i Isolator) Option {
	return func(c *Coordinator) {
		c.isolator = i
	}
}

// WithMaxWorkers caps concurrent workers in a parallel wave.
func WithMaxWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = cl
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a Coordinator.
func New(st store.Store, w worker.Worker, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      st,
		worker:     w,
		verifier:   verify.New(),
		clock:      clock.RealClock{},
		maxWorkers: constants.DefaultMaxConcurrentWorkers,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunWave executes wave waveID of spec specID in workspace ws and returns
// the report together with the state after the results were applied.
//
// Returns ErrWaveOrder when an earlier wave still has a task in progress
// and ErrWaveInterrupted when this wave does. Neither starts a worker.
func (c *Coordinator) RunWave(ctx context.Context, specID string, waveID int, ws domain.Workspace) (*WaveReport, *domain.SpecState, error) {
	state, err := c.store.Load(ctx, specID)
	if err != nil {
		return nil, nil, err
	}
	wave, ok := state.Wave(waveID)
	if !ok {
		return nil, nil, fmt.Errorf("wave %d of spec %s: %w", waveID, specID, tideerrors.ErrInvalidMutation)
	}
	if earlier := state.InProgressBefore(waveID); len(earlier) > 0 {
		return nil, nil, &tideerrors.OrchestrationError{
			Op: "run wave", SpecID: specID, Wave: waveID, TaskID: earlier[0],
			Remediation: "run 'tide reset " + specID + "' to clear the interrupted wave",
			Err:         tideerrors.ErrWaveOrder,
		}
	}

	var runnable []*domain.Task
	for _, t := range state.WaveTasks(waveID) {
		switch t.Status {
		case constants.TaskStatusInProgress:
			return nil, nil, &tideerrors.OrchestrationError{
				Op: "run wave", SpecID: specID, Wave: waveID, TaskID: t.ID,
				Remediation: "run 'tide reset " + specID + "' to retry the wave",
				Err:         tideerrors.ErrWaveInterrupted,
			}
		case constants.TaskStatusPending:
			runnable = append(runnable, t)
		case constants.TaskStatusCompleted, constants.TaskStatusBlocked, constants.TaskStatusFailed:
		}
	}

	log := c.logger.With().Str("spec_id", specID).Int("wave", waveID).Logger()
	start := c.clock.Now()
	parallel := wave.CanParallelize && c.isolator != nil
	report := &WaveReport{Wave: waveID, Parallel: parallel, IsolationScore: wave.IsolationScore}

	if len(runnable) > 0 {
		state, err = c.markStarted(ctx, specID, state, waveID, runnable, ws)
		if err != nil {
			return nil, nil, err
		}
		log.Info().
			Int("tasks", len(runnable)).
			Bool("parallel", parallel).
			Float64("isolation_score", wave.IsolationScore).
			Msg("wave started")

		// Workers run to completion even when the caller is cancelled:
		// an aborted worker would leave the tree in an unknown state.
		report.Results = c.runWorkers(context.WithoutCancel(ctx), state, waveID, runnable, ws, parallel)
	}

	state, err = c.applyResults(context.WithoutCancel(ctx), specID, state, waveID, ws, report)
	if err != nil {
		return nil, nil, err
	}
	report.Duration = c.clock.Now().Sub(start)

	log.Info().
		Str("outcome", string(report.Outcome)).
		Int("passed", len(report.Passed())).
		Int("failed", len(report.Failed())).
		Int("blocked", len(report.Blocked())).
		Int("verified", len(report.Verified)).
		Int("rejected", len(report.Rejected)).
		Dur("duration", report.Duration).
		Msg("wave finished")
	return report, state, nil
}

func (c *Coordinator) markStarted(ctx context.Context, specID string, state *domain.SpecState, waveID int, runnable []*domain.Task, ws domain.Workspace) (*domain.SpecState, error) {
	muts := make([]store.Mutation, 0, len(runnable)+1)
	for _, t := range runnable {
		muts = append(muts, store.SetTaskStatus{TaskID: t.ID, Status: constants.TaskStatusInProgress})
	}
	muts = append(muts, store.UpdateWave{WaveID: waveID, Fn: func(w *domain.Wave) {
		w.BranchID = ws.BranchID
		w.Outcome = ""
	}})
	next, err := c.store.Apply(ctx, specID, store.NewTransaction(state.Revision, fmt.Sprintf("start wave %d", waveID), muts...))
	if err != nil {
		return nil, fmt.Errorf("failed to start wave %d: %w", waveID, err)
	}
	return next, nil
}

// runWorkers is the barrier: it returns only when every worker has.
// Results keep the order of runnable.
func (c *Coordinator) runWorkers(ctx context.Context, state *domain.SpecState, waveID int, runnable []*domain.Task, ws domain.Workspace, parallel bool) []domain.WorkerResult {
	results := make([]domain.WorkerResult, len(runnable))
	inherited := state.Verified.Clone()

	assign := func(t *domain.Task) worker.Assignment {
		task := state.Tasks[t.ID].Clone()
		subs := make([]*domain.Task, 0, len(task.Subtasks))
		for _, s := range state.Children(task) {
			subs = append(subs, s.Clone())
		}
		return worker.Assignment{Task: task, Subtasks: subs, Inherited: inherited.Clone(), Workspace: ws, Wave: waveID}
	}

	if !parallel {
		for i, t := range runnable {
			results[i] = c.worker.Execute(ctx, assign(t))
		}
		return results
	}

	// Forks are created and integrated serially; only the workers overlap.
	parent := vcs.Branch{Name: ws.BranchID, Dir: ws.Dir, Base: ws.Base}
	forks := make([]vcs.Branch, len(runnable))
	var g errgroup.Group
	g.SetLimit(c.maxWorkers)
	for i, t := range runnable {
		fork, err := c.isolator.Fork(ctx, parent, t.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("task_id", t.ID).Int("wave", waveID).Msg("could not isolate task")
			results[i] = isolationFailure(t, fmt.Sprintf("failed to isolate task: %v", err))
			continue
		}
		forks[i] = fork
		a := assign(t)
		a.Workspace = domain.Workspace{BranchID: fork.Name, Dir: fork.Dir, Base: fork.Base}
		g.Go(func() error {
			results[i] = c.worker.Execute(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	for i, fork := range forks {
		if fork.Name != "" {
			c.integrate(ctx, parent, fork, &results[i])
		}
	}
	// Merges rewrite files the verifier may have parsed from a fork.
	if p, ok := c.verifier.(purger); ok {
		p.Purge()
	}
	return results
}

// integrate merges a task's branch into the wave branch. A task whose
// work cannot be merged fails; its checkout is kept for the retry.
func (c *Coordinator) integrate(ctx context.Context, parent, fork vcs.Branch, r *domain.WorkerResult) {
	log := c.logger.With().Str("task_id", r.TaskID).Str("branch", fork.Name).Logger()
	// A retried task may pass without new commits; its earlier ones still
	// have to reach the wave branch.
	if r.Status == constants.WorkerStatusPass || len(r.Commits) > 0 {
		if err := c.isolator.Integrate(ctx, parent, fork); err != nil {
			log.Warn().Err(err).Msg("task branch could not be integrated")
			r.Status = constants.WorkerStatusFail
			r.Blocker = fmt.Sprintf("failed to integrate %s into %s: %v", fork.Name, parent.Name, err)
			r.Claims = nil
			return
		}
	}
	if r.Status != constants.WorkerStatusPass {
		return
	}
	if err := c.isolator.Release(ctx, fork); err != nil {
		log.Warn().Err(err).Msg("failed to release task checkout")
	}
}

// isolationFailure is the result of a task that never reached a worker.
func isolationFailure(t *domain.Task, reason string) domain.WorkerResult {
	subs := make(map[string]constants.TaskStatus, len(t.Subtasks))
	for _, id := range t.Subtasks {
		subs[id] = constants.TaskStatusPending
	}
	return domain.WorkerResult{TaskID: t.ID, Status: constants.WorkerStatusFail, Blocker: reason, SubtaskStatus: subs}
}

func (c *Coordinator) applyResults(ctx context.Context, specID string, state *domain.SpecState, waveID int, ws domain.Workspace, report *WaveReport) (*domain.SpecState, error) {
	var claims []domain.ArtifactClaim
	for i := range report.Results {
		r := &report.Results[i]
		for j := range r.Claims {
			r.Claims[j].SourceTaskID = r.TaskID
		}
		claims = append(claims, r.Claims...)
	}

	verified, rejected, err := c.verifier.Verify(ctx, ws.Dir, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to verify wave %d: %w", waveID, err)
	}
	report.Verified = verified
	report.Rejected = rejected

	now := c.clock.Now()
	var muts []store.Mutation
	final := make(map[string]constants.TaskStatus)
	for _, r := range report.Results {
		for subID, status := range r.SubtaskStatus {
			sub := store.SetTaskStatus{TaskID: subID, Status: status, Attempts: r.Attempts[subID]}
			if subID == r.FailedSubtask {
				sub.Blocker = r.Blocker
			}
			muts = append(muts, sub)
		}
		status := r.Status.TaskStatus()
		final[r.TaskID] = status
		muts = append(muts, store.SetTaskStatus{TaskID: r.TaskID, Status: status, Blocker: r.Blocker, Commits: r.Commits})
	}

	report.Outcome = outcome(state.WaveTasks(waveID), final)
	muts = append(muts,
		store.AddVerified{Claims: verified},
		store.AddWarnings{Warnings: verify.Warnings(rejected, waveID, now)},
		store.UpdateWave{WaveID: waveID, Fn: func(w *domain.Wave) {
			w.Outcome = report.Outcome
			w.CompletedAt = &now
		}},
	)

	next, err := c.store.Apply(ctx, specID, store.NewTransaction(state.Revision, fmt.Sprintf("finish wave %d", waveID), muts...))
	if err != nil {
		return nil, fmt.Errorf("failed to record wave %d: %w", waveID, err)
	}
	return next, nil
}

// outcome aggregates member statuses: complete when every member is
// completed, blocked when every member is blocked, partial otherwise.
func outcome(members []*domain.Task, final map[string]constants.TaskStatus) constants.WaveOutcome {
	var completed, blocked int
	for _, t := range members {
		status := t.Status
		if s, ok := final[t.ID]; ok {
			status = s
		}
		switch status {
		case constants.TaskStatusCompleted:
			completed++
		case constants.TaskStatusBlocked:
			blocked++
		case constants.TaskStatusPending, constants.TaskStatusInProgress, constants.TaskStatusFailed:
		}
	}
	switch {
	case completed == len(members):
		return constants.WaveOutcomeComplete
	case blocked == len(members):
		return constants.WaveOutcomeBlocked
	default:
		return constants.WaveOutcomePartial
	}
}

// WaveReport summarizes one wave run.
type WaveReport struct {
	Wave           int                    `json:"wave"`
	Outcome        constants.WaveOutcome  `json:"outcome"`
	Parallel       bool                   `json:"parallel"`
	IsolationScore float64                `json:"isolation_score"`
	Results        []domain.WorkerResult  `json:"results"`
	Verified       []domain.ArtifactClaim `json:"verified,omitempty"`
	Rejected       []verify.Rejection     `json:"rejected,omitempty"`
	Duration       time.Duration          `json:"duration"`
}

// Passed returns the ids of tasks that passed.
func (r *WaveReport) Passed() []string {
	return r.withStatus(constants.WorkerStatusPass)
}

// Failed returns the ids of tasks that failed or only partly completed.
func (r *WaveReport) Failed() []string {
	return r.withStatus(constants.WorkerStatusFail, constants.WorkerStatusPartial)
}

// Blocked returns the ids of blocked tasks.
func (r *WaveReport) Blocked() []string {
	return r.withStatus(constants.WorkerStatusBlocked)
}

// Blockers maps each non-passing task to its reason.
func (r *WaveReport) Blockers() map[string]string {
	out := make(map[string]string)
	for _, res := range r.Results {
		if res.Status != constants.WorkerStatusPass {
			out[res.TaskID] = res.Blocker
		}
	}
	return out
}

func (r *WaveReport) withStatus(statuses ...constants.WorkerStatus) []string {
	var out []string
	for _, res := range r.Results {
		for _, s := range statuses {
			if res.Status == s {
				out = append(out, res.TaskID)
				break
			}
		}
	}
	return out
}
