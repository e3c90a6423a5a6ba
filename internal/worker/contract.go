// Package worker defines the worker execution contract and its scripted
// implementation.
//
// A Worker takes one task with its subtasks and returns a WorkerResult. It
// never writes the task store. Contract enforces the protocol every
// worker follows, in order:
//
//  1. refuse a protected branch (blocked, nothing touched)
//  2. re-verify every inherited artifact the task requires (blocked on the
//     first missing one)
//  3. per subtask: RED, confirm the test fails, GREEN within a bounded
//     number of attempts, confirm it passes with no regression, optional
//     REFACTOR, then one commit
//  4. pass with claims for the hinted paths the task actually changed
//
// The content of each phase comes from a Driver; ScriptDriver runs the
// shell commands declared in the task manifest.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/message"
	"github.com/mrz1836/tide/internal/vcs"
	"github.com/mrz1836/tide/internal/verify"
)

// Worker executes one task.
type Worker interface {
	Execute(ctx context.Context, a Assignment) domain.WorkerResult
}

// Assignment is everything a worker receives for one task.
type Assignment struct {
	Task     *domain.Task
	Subtasks []*domain.Task

	// Inherited holds the artifacts verified in earlier waves.
	Inherited domain.VerifiedArtifactSet

	Workspace domain.Workspace
	Wave      int
}

// Committer records a subtask's changes. vcs.GitWorkspace satisfies it.
type Committer interface {
	Commit(ctx context.Context, branch vcs.Branch, paths []string, message string) (string, error)
}

// ArtifactChecker re-verifies an inherited artifact. verify.Verifier satisfies it.
type ArtifactChecker interface {
	Check(root string, ref domain.ArtifactRef) error
}

// Contract is a Worker that runs a Driver under the execution protocol.
type Contract struct {
	driver      Driver
	committer   Committer
	checker     ArtifactChecker
	protected   func(branch string) bool
	maxAttempts int
	logger      zerolog.Logger
}

// ContractOption configures a Contract.
type ContractOption func(*Contract)

// WithChecker replaces the artifact checker.
func WithChecker(c ArtifactChecker) ContractOption {
	return func(w *Contract) {
		w.checker = c
	}
}

// WithProtected sets the predicate naming branches a worker must never write.
func WithProtected(fn func(branch string) bool) ContractOption {
	return func(w *Contract) {
		if fn != nil {
			w.protected = fn
		}
	}
}

// WithMaxAttempts bounds GREEN attempts per subtask.
func WithMaxAttempts(n int) ContractOption {
	return func(w *Contract) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ContractOption {
	return func(w *Contract) {
		w.logger = l
	}
}

// NewContract creates a Contract around driver, committing through committer.
func NewContract(driver Driver, committer Committer, opts ...ContractOption) *Contract {
	w := &Contract{
		driver:      driver,
		committer:   committer,
		checker:     verify.New(),
		protected:   defaultProtected,
		maxAttempts: constants.DefaultMaxAttempts,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func defaultProtected(branch string) bool {
	return branch == "main" || branch == "master"
}

// Execute implements Worker. It never panics: a panic inside the driver
// becomes a failed result.
func (w *Contract) Execute(ctx context.Context, a Assignment) (result domain.WorkerResult) {
	result = domain.WorkerResult{
		TaskID:        a.Task.ID,
		SubtaskStatus: make(map[string]constants.TaskStatus, len(a.Subtasks)),
		Attempts:      make(map[string]int, len(a.Subtasks)),
	}
	log := w.logger.With().Str("task_id", a.Task.ID).Int("wave", a.Wave).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker panicked")
			result.Status = constants.WorkerStatusFail
			result.Blocker = fmt.Sprintf("worker panic: %v", r)
			result.Claims = nil
		}
	}()

	if reason := w.preconditions(a); reason != "" {
		log.Warn().Str("blocker", reason).Msg("task blocked")
		result.Status = constants.WorkerStatusBlocked
		result.Blocker = reason
		return result
	}

	branch := vcs.Branch{Name: a.Workspace.BranchID, Dir: a.Workspace.Dir, Base: a.Workspace.Base}
	before := baseline(a)
	for _, sub := range a.Subtasks {
		if sub.Status == constants.TaskStatusCompleted {
			result.SubtaskStatus[sub.ID] = constants.TaskStatusCompleted
			continue
		}

		commit, attempts, err := w.runSubtask(ctx, a, sub, branch)
		result.Attempts[sub.ID] = attempts
		if err != nil {
			result.SubtaskStatus[sub.ID] = constants.TaskStatusFailed
			result.FailedSubtask = sub.ID
			result.Blocker = fmt.Sprintf("subtask %s: %v", sub.ID, err)
			result.Status = constants.WorkerStatusFail
			if ctx.Err() != nil && len(result.Commits) > 0 {
				result.Status = constants.WorkerStatusPartial
			}
			markRemaining(result.SubtaskStatus, a.Subtasks)
			log.Warn().Str("subtask_id", sub.ID).Err(err).Int("commits_kept", len(result.Commits)).Msg("task failed")
			return result
		}
		result.SubtaskStatus[sub.ID] = constants.TaskStatusCompleted
		result.Commits = append(result.Commits, commit)
	}

	result.Status = constants.WorkerStatusPass
	result.Claims = claimsFor(a.Task, func(path string) bool {
		return before == nil || before.changed(a.Workspace.Dir, path)
	})
	log.Info().Int("commits", len(result.Commits)).Int("claims", len(result.Claims)).Msg("task passed")
	return result
}

func markRemaining(statuses map[string]constants.TaskStatus, subtasks []*domain.Task) {
	for _, s := range subtasks {
		if _, ok := statuses[s.ID]; !ok {
			statuses[s.ID] = constants.TaskStatusPending
		}
	}
}

// preconditions returns the blocker reason, or "" when the task may start.
func (w *Contract) preconditions(a Assignment) string {
	if a.Workspace.BranchID == "" || w.protected(a.Workspace.BranchID) {
		return fmt.Sprintf("%v: %q", tideerrors.ErrProtectedBranch, a.Workspace.BranchID)
	}
	for _, ref := range requirements(a) {
		if !a.Inherited.Contains(ref) {
			return "missing predecessor artifact: " + ref.Identifier
		}
		if err := w.checker.Check(a.Workspace.Dir, ref); err != nil {
			return "missing predecessor artifact: " + ref.Identifier
		}
	}
	return ""
}

// requirements collects the task's and its subtasks' required artifacts
// without duplicates, in declaration order.
func requirements(a Assignment) []domain.ArtifactRef {
	seen := make(map[string]struct{})
	var out []domain.ArtifactRef
	add := func(refs []domain.ArtifactRef) {
		for _, r := range refs {
			if _, ok := seen[r.Key()]; ok {
				continue
			}
			seen[r.Key()] = struct{}{}
			out = append(out, r)
		}
	}
	add(a.Task.Requires)
	for _, s := range a.Subtasks {
		add(s.Requires)
	}
	return out
}

var errNoGreen = errors.New("could not reach GREEN")

// runSubtask runs one subtask's cycle and commits it.
func (w *Contract) runSubtask(ctx context.Context, a Assignment, sub *domain.Task, branch vcs.Branch) (string, int, error) {
	step := Step{
		Workspace: a.Workspace,
		TaskID:    a.Task.ID,
		SubtaskID: sub.ID,
		Script:    sub.Script,
		Feedback:  firstNonEmpty(sub.Feedback, a.Task.Feedback),
	}
	tested := sub.Script != nil && strings.TrimSpace(sub.Script.Test) != ""

	if tested {
		if err := w.red(ctx, step); err != nil {
			return "", 0, err
		}
	}

	attempts, err := w.green(ctx, step)
	if err != nil {
		return "", attempts, err
	}

	if tested && sub.Script.Refactor != "" {
		if err := w.refactor(ctx, step); err != nil {
			return "", attempts, err
		}
	}

	commit, err := w.committer.Commit(ctx, branch, nil, commitMessage(sub))
	if err != nil {
		return "", attempts, fmt.Errorf("commit: %w", err)
	}
	w.logger.Debug().Str("task_id", a.Task.ID).Str("subtask_id", sub.ID).Str("commit", commit).Msg("subtask committed")
	return commit, attempts, nil
}

// red writes the test and confirms it fails, for the expected reason when one is declared.
func (w *Contract) red(ctx context.Context, step Step) error {
	step.Phase = constants.TDDRed
	if err := w.driver.Run(ctx, step); err != nil {
		return fmt.Errorf("red: %w", err)
	}
	out, err := w.driver.Test(ctx, step)
	if err != nil {
		return fmt.Errorf("red: %w", err)
	}
	if out.Passed {
		return fmt.Errorf("red: test passed before any implementation: %w", tideerrors.ErrWorkerFailure)
	}
	if want := step.Script.ExpectFailure; want != "" && !strings.Contains(out.Output, want) {
		return fmt.Errorf("red: test failed without %q: %w", want, tideerrors.ErrWorkerFailure)
	}
	return nil
}

// green retries the implementation until the test and the regression
// suite pass or the attempts run out.
func (w *Contract) green(ctx context.Context, step Step) (int, error) {
	step.Phase = constants.TDDGreen
	var last error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		step.Attempt = attempt
		last = w.greenOnce(ctx, step)
		if last == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		w.logger.Debug().Str("subtask_id", step.SubtaskID).Int("attempt", attempt).Err(last).Msg("green attempt failed")
	}
	return w.maxAttempts, fmt.Errorf("%w after %d attempts: %w: %w", errNoGreen, w.maxAttempts, last, tideerrors.ErrWorkerFailure)
}

func (w *Contract) greenOnce(ctx context.Context, step Step) error {
	if err := w.driver.Run(ctx, step); err != nil {
		return err
	}
	return w.confirm(ctx, step)
}

// confirm runs the subtask's test and then the regression suite.
func (w *Contract) confirm(ctx context.Context, step Step) error {
	out, err := w.driver.Test(ctx, step)
	if err != nil {
		return err
	}
	if !out.Passed {
		return errors.New("test still failing")
	}
	reg, err := w.driver.Regression(ctx, step)
	if err != nil {
		return err
	}
	if !reg.Passed {
		return errors.New("regression suite failing")
	}
	return nil
}

// refactor runs the cleanup and restores the post-GREEN tree if it
// breaks the tests. Only a cancelled context or a failed restore is an error.
func (w *Contract) refactor(ctx context.Context, step Step) error {
	step.Phase = constants.TDDRefactor
	snap, err := captureTree(step.Workspace.Dir)
	if err != nil {
		return fmt.Errorf("refactor: %w", err)
	}

	runErr := w.driver.Run(ctx, step)
	if runErr == nil {
		runErr = w.confirm(ctx, step)
	}
	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.logger.Warn().Str("subtask_id", step.SubtaskID).Err(runErr).Msg("refactor broke the tests, restoring")
	if err := snap.restore(); err != nil {
		return fmt.Errorf("refactor: %w", err)
	}
	return nil
}

func commitMessage(sub *domain.Task) string {
	return message.Commit(sub.ID, sub.Description)
}

// baseline fingerprints the hinted paths before the task's first subtask.
// A task resuming with completed subtasks has already changed its tree,
// so it gets no baseline and claims its whole hint.
func baseline(a Assignment) fingerprint {
	for _, s := range a.Subtasks {
		if s.Status == constants.TaskStatusCompleted {
			return nil
		}
	}
	return takeFingerprint(a.Workspace.Dir, hintedPaths(a.Task))
}

// hintedPaths lists the files named by the produces hint, including the
// files of hinted symbols and functions.
func hintedPaths(t *domain.Task) []string {
	paths := slices.Clone(t.Produces.Files)
	for _, id := range slices.Concat(t.Produces.Symbols, t.Produces.Functions) {
		if path, _, ok := domain.SplitSymbol(id); ok {
			paths = append(paths, path)
		}
	}
	return paths
}

// claimsFor turns the task's produces hint into claims, keeping only
// entries whose file touched reports. Verification decides which of them
// are true.
func claimsFor(t *domain.Task, touched func(path string) bool) []domain.ArtifactClaim {
	var out []domain.ArtifactClaim
	add := func(kind constants.ArtifactKind, ids []string, path func(string) string) {
		for _, id := range ids {
			if !touched(path(id)) {
				continue
			}
			out = append(out, domain.ArtifactClaim{Kind: kind, Identifier: id, SourceTaskID: t.ID})
		}
	}
	symbolPath := func(id string) string {
		path, _, _ := domain.SplitSymbol(id)
		return path
	}
	add(constants.ArtifactKindFile, t.Produces.Files, func(id string) string { return id })
	add(constants.ArtifactKindExportedSymbol, t.Produces.Symbols, symbolPath)
	add(constants.ArtifactKindFunction, t.Produces.Functions, symbolPath)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Worker = (*Contract)(nil)
