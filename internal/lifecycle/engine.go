// Package lifecycle drives a spec through its phases:
//
//	INIT -> EXECUTE -> AWAITING_REVIEW -> REVIEW_PROCESSING -> READY_TO_MERGE
//	                -> EXECUTE (next wave) ... -> COMPLETED
//
// with FAILED reachable from every phase. Every step is persisted before the
// next begins, so any invocation resumes from the stored phase, current wave
// and resume step instead of starting over.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/clock"
	"github.com/mrz1836/tide/internal/config"
	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/coordinator"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/planner"
	"github.com/mrz1836/tide/internal/store"
	"github.com/mrz1836/tide/internal/vcs"
)

// WaveRunner executes one wave. coordinator.Coordinator satisfies it.
type WaveRunner interface {
	RunWave(ctx context.Context, specID string, waveID int, ws domain.Workspace) (*coordinator.WaveReport, *domain.SpecState, error)
}

// Settings holds the lifecycle's tunables.
type Settings struct {
	BaseBranch    string
	Granularity   constants.ReviewGranularity
	PartialPolicy constants.PartialPolicy
	PollInterval  time.Duration
	MaxDuration   time.Duration
	SessionTTL    time.Duration
}

// DefaultSettings returns the settings matching the default configuration.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.DefaultConfig())
}

// SettingsFromConfig extracts the lifecycle settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		BaseBranch:    cfg.VCS.BaseBranch,
		Granularity:   cfg.Review.Granularity,
		PartialPolicy: cfg.Orchestrator.PartialPolicy,
		PollInterval:  cfg.Review.PollInterval,
		MaxDuration:   cfg.Review.MaxDuration,
		SessionTTL:    cfg.Session.TTL,
	}
}

// Engine is the spec lifecycle state machine.
type Engine struct {
	store     store.Store
	runner    WaveRunner
	workspace vcs.Workspace
	reviewer  vcs.Reviewer
	clock     clock.Clock
	settings  Settings
	logger    zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(e *Engine) {
		e.settings = s
	}
}

// WithClock sets the clock used for polling and timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, runner WaveRunner, ws vcs.Workspace, rv vcs.Reviewer, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		runner:    runner,
		workspace: ws,
		reviewer:  rv,
		clock:     clock.RealClock{},
		settings:  DefaultSettings(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AdvanceOptions modifies a single Advance call.
type AdvanceOptions struct {
	// AllowPartial lets a paused partial wave proceed.
	AllowPartial bool
}

// Init plans tasks into waves and persists a new spec at INIT. The raw
// manifest, when given, is stored so Recover can rebuild the spec.
func (e *Engine) Init(ctx context.Context, specID string, tasks []*domain.Task, manifest []byte) (*domain.SpecState, error) {
	state, err := e.buildState(specID, tasks)
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, state); err != nil {
		return nil, err
	}
	if manifest != nil {
		if err := e.store.SaveManifest(ctx, specID, manifest); err != nil {
			return nil, err
		}
	}
	e.logger.Info().
		Str("spec_id", specID).
		Int("tasks", len(state.TopLevel())).
		Int("waves", len(state.Waves)).
		Msg("spec initialized")
	return e.store.Load(ctx, specID)
}

func (e *Engine) buildState(specID string, tasks []*domain.Task) (*domain.SpecState, error) {
	now := e.clock.Now()
	state := domain.NewSpecState(specID, now)
	var top []*domain.Task
	for _, t := range tasks {
		c := t.Clone()
		c.Wave = 0
		state.Tasks[c.ID] = c
		if !c.IsSubtask() {
			top = append(top, c)
		}
	}

	waves, err := planner.Plan(top)
	if err == nil {
		err = planner.Check(waves, top)
	}
	if err != nil {
		return nil, &tideerrors.OrchestrationError{
			Op: "plan", SpecID: specID, Phase: string(constants.PhaseInit),
			Remediation: "fix the task dependencies and run 'tide plan' to check them",
			Err:         err,
		}
	}
	for _, w := range waves {
		for _, id := range w.TaskIDs {
			state.Tasks[id].Wave = w.ID
		}
	}
	state.Waves = waves
	state.Execution.TotalWaves = len(waves)
	return state, nil
}

// Status returns the persisted state without changing it.
func (e *Engine) Status(ctx context.Context, specID string) (*domain.SpecState, error) {
	return e.store.Load(ctx, specID)
}

// Advance drives the spec forward until it completes, fails, times out
// waiting for a review, or pauses on a partial wave. Errors that leave the
// spec resumable, such as an interrupted wave or a cancelled context, are
// returned as errors without failing the spec.
func (e *Engine) Advance(ctx context.Context, specID string, opts AdvanceOptions) (*Outcome, error) {
	state, err := e.store.Load(ctx, specID)
	if err != nil {
		return nil, err
	}
	state, err = e.touchSession(ctx, state)
	if err != nil {
		return nil, err
	}

	run := &advance{engine: e, specID: specID, opts: opts, state: state, out: &Outcome{SpecID: specID}}
	run.log = e.logger.With().Str("spec_id", specID).Str("session_id", state.Session.ID).Logger()
	return run.loop(ctx)
}

// advance carries the state of one Advance call.
type advance struct {
	engine *Engine
	specID string
	opts   AdvanceOptions
	state  *domain.SpecState
	out    *Outcome
	log    zerolog.Logger
}

func (a *advance) loop(ctx context.Context) (*Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			done bool
			err  error
		)
		switch a.state.Execution.Phase {
		case constants.PhaseInit:
			err = a.start(ctx)
		case constants.PhaseExecute:
			done, err = a.execute(ctx)
		case constants.PhaseAwaitingReview:
			done, err = a.awaitReview(ctx)
		case constants.PhaseReviewProcessing:
			done, err = a.processReview(ctx)
		case constants.PhaseReadyToMerge:
			done, err = a.merge(ctx)
		case constants.PhaseCompleted:
			return a.finish(SignalCompleted, nil), nil
		case constants.PhaseFailed:
			return a.finish(SignalFailed, a.failure()), nil
		default:
			return nil, fmt.Errorf("unknown phase %q: %w", a.state.Execution.Phase, tideerrors.ErrStateCorruption)
		}
		if err != nil {
			return nil, err
		}
		if done {
			return a.out, nil
		}
	}
}

func (a *advance) finish(sig Signal, err error) *Outcome {
	a.out.Signal = sig
	a.out.Err = err
	a.out.Phase = a.state.Execution.Phase
	a.out.Wave = a.state.Execution.CurrentWave
	a.out.State = a.state
	return a.out
}

// failure rebuilds the error that moved the spec to FAILED.
func (a *advance) failure() error {
	exec := a.state.Execution
	return &tideerrors.OrchestrationError{
		Op: "advance", SpecID: a.specID, Wave: exec.CurrentWave, Phase: string(exec.FailedFrom),
		Remediation: "fix the cause, then run 'tide reset " + a.specID + "' or 'tide recover " + a.specID + "'",
		Err:         errors.New(exec.LastError),
	}
}

// apply commits mutations against the state this call last saw.
func (a *advance) apply(ctx context.Context, reason string, muts ...store.Mutation) error {
	next, err := a.engine.store.Apply(ctx, a.specID, store.NewTransaction(a.state.Revision, reason, muts...))
	if err != nil {
		return err
	}
	a.state = next
	return nil
}

// transition moves to phase to, along with any extra mutations, in one transaction.
func (a *advance) transition(ctx context.Context, to constants.Phase, reason string, extra ...store.Mutation) error {
	from := a.state.Execution.Phase
	if err := checkTransition(from, to); err != nil {
		return err
	}
	muts := append([]store.Mutation{store.TransitionPhase{To: to, Reason: reason}}, extra...)
	if err := a.apply(ctx, reason, muts...); err != nil {
		return err
	}
	a.log.Info().
		Str("from", string(from)).
		Str("phase", string(to)).
		Int("wave", a.state.Execution.CurrentWave).
		Str("reason", reason).
		Msg("phase transition")
	return nil
}

// fail moves the spec to FAILED and reports it.
func (a *advance) fail(ctx context.Context, cause error) (bool, error) {
	reason := cause.Error()
	err := a.transition(ctx, constants.PhaseFailed, reason, store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
		x.LastError = reason
		x.PollStartedAt = nil
		x.PollDeadline = nil
	}})
	if err != nil {
		return false, err
	}
	a.log.Error().Err(cause).Msg("spec failed")
	a.finish(SignalFailed, cause)
	return true, nil
}

// start enters EXECUTE at the first wave with work.
func (a *advance) start(ctx context.Context) error {
	first, ok := nextWave(a.state, 0)
	if !ok {
		return fmt.Errorf("spec %s has no planned waves: %w", a.specID, tideerrors.ErrInvalidTransition)
	}
	return a.transition(ctx, constants.PhaseExecute, "start", store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
		x.CurrentWave = first
		x.ResumeStep = constants.ResumeStepNone
	}})
}

// touchSession renews the spec's session, replacing it once expired.
func (e *Engine) touchSession(ctx context.Context, state *domain.SpecState) (*domain.SpecState, error) {
	now := e.clock.Now()
	ttl := e.settings.SessionTTL
	if ttl <= 0 {
		ttl = constants.DefaultSessionTTL
	}

	var sess domain.Session
	if state.Session.Expired(now) {
		sess = domain.Session{ID: uuid.NewString(), StartedAt: now}
	} else {
		sess = *state.Session
	}
	sess.LastSeenAt = now
	sess.ExpiresAt = now.Add(ttl)
	sess.Invocations++

	return e.store.Apply(ctx, state.SpecID, store.NewTransaction(state.Revision, "session", store.SetSession{Session: &sess}))
}
