package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/tide/internal/clock"
	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/coordinator"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/store"
	"github.com/mrz1836/tide/internal/testutil"
	"github.com/mrz1836/tide/internal/vcs"
	"github.com/mrz1836/tide/internal/worker"
)

const specID = "spec"

type harness struct {
	store    *store.FileStore
	clock    *clock.Fake
	worker   *testutil.FakeWorker
	ws       *testutil.FakeWorkspace
	reviewer *testutil.FakeReviewer
	settings Settings
}

func testSettings() Settings {
	return Settings{
		BaseBranch:    "main",
		Granularity:   constants.ReviewPerWave,
		PartialPolicy: constants.PartialPolicyPause,
		PollInterval:  2 * time.Minute,
		MaxDuration:   10 * time.Minute,
		SessionTTL:    time.Hour,
	}
}

func newHarness(t *testing.T, mutate ...func(*Settings)) *harness {
	t.Helper()
	fake := clock.NewFake(testutil.FixedTime)
	st, err := store.NewFileStore(t.TempDir(), store.WithClock(fake))
	require.NoError(t, err)

	w := testutil.NewFakeWorker()
	w.Materialize = true
	s := testSettings()
	for _, m := range mutate {
		m(&s)
	}
	return &harness{
		store:    st,
		clock:    fake,
		worker:   w,
		ws:       testutil.NewFakeWorkspace(t.TempDir()),
		reviewer: testutil.NewFakeReviewer(),
		settings: s,
	}
}

// engine builds an engine over the harness, optionally with another
// worker or workspace.
func (h *harness) engine(w worker.Worker, ws vcs.Workspace) *Engine {
	if w == nil {
		w = h.worker
	}
	if ws == nil {
		ws = h.ws
	}
	opts := []coordinator.Option{coordinator.WithClock(h.clock)}
	if iso, ok := ws.(coordinator.Isolator); ok {
		opts = append(opts, coordinator.WithIsolator(iso))
	}
	coord := coordinator.New(h.store, w, opts...)
	return NewEngine(h.store, coord, ws, h.reviewer, WithSettings(h.settings), WithClock(h.clock))
}

func (h *harness) init(t *testing.T, groups ...[]*domain.Task) *Engine {
	t.Helper()
	e := h.engine(nil, nil)
	var tasks []*domain.Task
	for _, g := range groups {
		tasks = append(tasks, g...)
	}
	_, err := e.Init(context.Background(), specID, tasks, nil)
	require.NoError(t, err)
	return e
}

func (h *harness) load(t *testing.T) *domain.SpecState {
	t.Helper()
	state, err := h.store.Load(context.Background(), specID)
	require.NoError(t, err)
	return state
}

// scenario has T1 and T2 independent and T3 depending on both.
func scenario() [][]*domain.Task {
	return [][]*domain.Task{
		testutil.TaskTree("T1", []string{"a.txt"}),
		testutil.TaskTree("T2", []string{"b.txt"}),
		testutil.TaskTree("T3", []string{"c.txt"}, "T1", "T2"),
	}
}

func phases(state *domain.SpecState) []string {
	out := make([]string, 0, len(state.Execution.History))
	for _, h := range state.Execution.History {
		out = append(out, string(h.To))
	}
	return out
}

func TestInit_PlansWaves(t *testing.T) {
	h := newHarness(t)
	e := h.engine(nil, nil)

	var tasks []*domain.Task
	for _, g := range scenario() {
		tasks = append(tasks, g...)
	}
	state, err := e.Init(context.Background(), specID, tasks, []byte("spec: spec\n"))
	require.NoError(t, err)

	assert.Equal(t, constants.PhaseInit, state.Execution.Phase)
	assert.Equal(t, int64(1), state.Revision)
	require.Len(t, state.Waves, 2)
	assert.Equal(t, []string{"T1", "T2"}, state.Waves[0].TaskIDs)
	assert.Equal(t, []string{"T3"}, state.Waves[1].TaskIDs)
	assert.Equal(t, 2, state.Execution.TotalWaves)
	assert.Equal(t, 2, state.Tasks["T3"].Wave)

	data, err := h.store.LoadManifest(context.Background(), specID)
	require.NoError(t, err)
	assert.Equal(t, "spec: spec\n", string(data))

	_, err = e.Init(context.Background(), specID, tasks, nil)
	require.ErrorIs(t, err, tideerrors.ErrSpecExists)
}

func TestInit_RejectsCycle(t *testing.T) {
	h := newHarness(t)
	e := h.engine(nil, nil)

	var tasks []*domain.Task
	tasks = append(tasks, testutil.TaskTree("T1", nil, "T2")...)
	tasks = append(tasks, testutil.TaskTree("T2", nil, "T1")...)
	_, err := e.Init(context.Background(), specID, tasks, nil)

	require.ErrorIs(t, err, tideerrors.ErrCyclicDependency)
	assert.NotEmpty(t, tideerrors.Remediation(err))
	_, err = e.Status(context.Background(), specID)
	require.ErrorIs(t, err, tideerrors.ErrSpecNotFound)
}

func TestAdvance_UnknownSpec(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine(nil, nil).Advance(context.Background(), "missing", AdvanceOptions{})
	require.ErrorIs(t, err, tideerrors.ErrSpecNotFound)
}

func TestAdvance_PerWaveReviewsToCompletion(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, scenario()...)
	h.reviewer.Queue("1", constants.ReviewApproved)
	h.reviewer.Queue("2", constants.ReviewApproved)

	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)

	assert.Equal(t, SignalCompleted, out.Signal)
	assert.Equal(t, 0, out.Signal.ExitCode())
	require.Len(t, out.Reports, 2)
	assert.Equal(t, []string{"1", "2"}, h.ws.Merged())
	assert.Equal(t, []string{"T1", "T2", "T3"}, sortedCalls(h.worker))

	state := h.load(t)
	assert.Equal(t, constants.PhaseCompleted, state.Execution.Phase)
	assert.Equal(t, []string{
		"EXECUTE", "AWAITING_REVIEW", "REVIEW_PROCESSING", "READY_TO_MERGE",
		"EXECUTE", "AWAITING_REVIEW", "REVIEW_PROCESSING", "READY_TO_MERGE",
		"COMPLETED",
	}, phases(state))
	for _, w := range state.Waves {
		assert.NotNil(t, w.MergedAt, "wave %d", w.ID)
		assert.NotEmpty(t, w.ReviewID)
	}
	assert.Equal(t, 3, state.Verified.Len())

	title, body := h.ws.ReviewText("2")
	assert.Equal(t, "tide: spec wave 2", title)
	assert.Contains(t, body, "Wave 2 of 2")
	assert.Contains(t, body, "- [x] **T3** task T3")
	assert.Contains(t, body, "`file:c.txt`")
	assert.NotContains(t, body, "T1")

	// a completed spec stays completed
	out, err = e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
	assert.Len(t, h.worker.Calls(), 3)
}

func sortedCalls(w *testutil.FakeWorker) []string {
	calls := w.Calls()
	for i := 1; i < len(calls); i++ {
		for j := i; j > 0 && calls[j] < calls[j-1]; j-- {
			calls[j], calls[j-1] = calls[j-1], calls[j]
		}
	}
	return calls
}

func TestAdvance_PerSpecReviewOnce(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Granularity = constants.ReviewPerSpec })
	e := h.init(t, scenario()...)
	h.reviewer.Queue("1", constants.ReviewApproved)

	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)

	assert.Equal(t, SignalCompleted, out.Signal)
	assert.Equal(t, 1, h.ws.Reviews())
	assert.Equal(t, []string{"1"}, h.ws.Merged())
	title, body := h.ws.ReviewText("1")
	assert.Equal(t, "tide: spec", title)
	for _, id := range []string{"T1", "T2", "T3"} {
		assert.Contains(t, body, "**"+id+"**")
	}
	for _, b := range h.ws.Branches() {
		assert.Equal(t, "tide/spec", b.Name)
	}

	state := h.load(t)
	assert.Equal(t, []string{
		"EXECUTE", "EXECUTE", "AWAITING_REVIEW", "REVIEW_PROCESSING", "READY_TO_MERGE", "COMPLETED",
	}, phases(state))
	for _, w := range state.Waves {
		assert.NotNil(t, w.MergedAt, "wave %d", w.ID)
	}
}

func TestAdvance_ReviewTimeoutThenResume(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, scenario()...)

	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)

	assert.Equal(t, SignalTimeout, out.Signal)
	assert.Equal(t, 2, out.Signal.ExitCode())
	require.ErrorIs(t, out.Err, tideerrors.ErrReviewTimeout)
	assert.Equal(t, testutil.FixedTime.Add(10*time.Minute), h.clock.Now())
	assert.Equal(t, 6, h.reviewer.Polls())
	assert.Equal(t, []time.Duration{2 * time.Minute, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute}, h.clock.Sleeps())

	state := h.load(t)
	assert.Equal(t, constants.PhaseAwaitingReview, state.Execution.Phase)
	assert.Nil(t, state.Execution.PollDeadline)
	last := state.Execution.History[len(state.Execution.History)-1]
	assert.Equal(t, constants.PhaseAwaitingReview, last.From)
	assert.Equal(t, constants.PhaseAwaitingReview, last.To)

	// resuming polls again instead of re-running the wave
	h.reviewer.Queue("1", constants.ReviewApproved)
	h.reviewer.Queue("2", constants.ReviewApproved)
	out, err = e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
	assert.Equal(t, []string{"T1", "T2", "T3"}, sortedCalls(h.worker))
}

func TestAdvance_KeepsPersistedPollWindow(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, scenario()...)

	_, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)

	state := h.load(t)
	start := h.clock.Now().Add(-6 * time.Minute)
	deadline := h.clock.Now().Add(4 * time.Minute)
	_, err = h.store.Apply(context.Background(), specID, store.NewTransaction(state.Revision, "test",
		store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
			x.PollStartedAt = &start
			x.PollDeadline = &deadline
		}}))
	require.NoError(t, err)

	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalTimeout, out.Signal)
	assert.Equal(t, deadline, h.clock.Now())
}

func TestAdvance_PollErrorLeavesSpecWaiting(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, scenario()...)
	h.reviewer.Err = testutil.ErrMockGHFailed

	_, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.ErrorIs(t, err, testutil.ErrMockGHFailed)
	assert.Equal(t, constants.PhaseAwaitingReview, h.load(t).Execution.Phase)
}

func TestAdvance_BranchErrorRunsNothing(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, scenario()...)
	h.ws.BranchErr = testutil.ErrMockBranchFailed

	_, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.ErrorIs(t, err, testutil.ErrMockBranchFailed)
	assert.Empty(t, h.worker.Calls())
	assert.NotEqual(t, constants.PhaseFailed, h.load(t).Execution.Phase)
}

func TestAdvance_OpenReviewErrorResumesWithoutRerun(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, scenario()...)
	h.ws.OpenErr = testutil.ErrMockNetwork

	_, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.ErrorIs(t, err, testutil.ErrMockNetwork)
	state := h.load(t)
	assert.Equal(t, constants.PhaseExecute, state.Execution.Phase)
	assert.Equal(t, constants.ResumeStepExecuted, state.Execution.ResumeStep)
	calls := len(h.worker.Calls())

	h.ws.OpenErr = nil
	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalTimeout, out.Signal)
	assert.Len(t, h.worker.Calls(), calls)
	assert.Equal(t, constants.PhaseAwaitingReview, h.load(t).Execution.Phase)
}

var errCrash = errors.New("process killed")

// crashingWorkspace fails branch creation for matching hints, standing in
// for a process that dies at that point.
type crashingWorkspace struct {
	*testutil.FakeWorkspace

	failHint string
}

func (c *crashingWorkspace) CreateIsolatedBranch(ctx context.Context, base, hint string) (vcs.Branch, error) {
	if strings.Contains(hint, c.failHint) {
		return vcs.Branch{}, errCrash
	}
	return c.FakeWorkspace.CreateIsolatedBranch(ctx, base, hint)
}

func TestAdvance_CrashBeforeSecondWaveResumes(t *testing.T) {
	h := newHarness(t)
	h.init(t, scenario()...)
	h.reviewer.Queue("1", constants.ReviewApproved)
	h.reviewer.Queue("2", constants.ReviewApproved)

	crashing := h.engine(nil, &crashingWorkspace{FakeWorkspace: h.ws, failHint: "wave 2"})
	_, err := crashing.Advance(context.Background(), specID, AdvanceOptions{})
	require.ErrorIs(t, err, errCrash)

	before := h.load(t)
	assert.Equal(t, constants.PhaseExecute, before.Execution.Phase)
	assert.Equal(t, 2, before.Execution.CurrentWave)
	wave1, _ := before.Wave(1)
	require.NotNil(t, wave1.MergedAt)
	assert.Equal(t, constants.TaskStatusPending, before.Tasks["T3"].Status)

	fresh := testutil.NewFakeWorker()
	fresh.Materialize = true
	out, err := h.engine(fresh, nil).Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
	assert.Equal(t, []string{"T3"}, fresh.Calls())

	after := h.load(t)
	for _, id := range []string{"T1", "T1.1", "T2", "T2.1"} {
		assert.Equal(t, before.Tasks[id], after.Tasks[id], id)
	}
	assert.Equal(t, before.Waves[0], after.Waves[0])
}

// stubDriver writes a.go without the symbol it is hinted to export: RED
// fails and everything after passes.
type stubDriver struct{}

func (stubDriver) Run(_ context.Context, s worker.Step) error {
	if s.Phase != constants.TDDGreen {
		return nil
	}
	return os.WriteFile(filepath.Join(s.Workspace.Dir, "a.go"), []byte("package a\n"), 0o600)
}

func (stubDriver) Test(_ context.Context, s worker.Step) (worker.Outcome, error) {
	return worker.Outcome{Passed: s.Phase != constants.TDDRed}, nil
}

func (stubDriver) Regression(context.Context, worker.Step) (worker.Outcome, error) {
	return worker.Outcome{Passed: true}, nil
}

func TestAdvance_UnverifiedClaimBlocksDependent(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Granularity = constants.ReviewPerSpec })
	symbol := domain.ArtifactRef{Kind: constants.ArtifactKindExportedSymbol, Identifier: "a.go:Thing"}
	t1 := testutil.TaskTree("T1", []string{"a.go"})
	t1[0].Produces.Symbols = []string{symbol.Identifier}
	t2 := testutil.TaskTree("T2", []string{"b.txt"}, "T1")
	t2[0].Requires = []domain.ArtifactRef{symbol}
	h.init(t, t1, t2)

	contract := worker.NewContract(stubDriver{}, h.ws)
	out, err := h.engine(contract, nil).Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)

	assert.Equal(t, SignalFailed, out.Signal)
	require.ErrorIs(t, out.Err, tideerrors.ErrWaveBlocked)

	state := h.load(t)
	assert.Equal(t, constants.PhaseFailed, state.Execution.Phase)
	assert.Equal(t, constants.PhaseExecute, state.Execution.FailedFrom)
	assert.Equal(t, constants.TaskStatusCompleted, state.Tasks["T1"].Status)
	assert.Equal(t, constants.TaskStatusBlocked, state.Tasks["T2"].Status)
	assert.Equal(t, "missing predecessor artifact: a.go:Thing", state.Tasks["T2"].Blocker)
	assert.Contains(t, state.Execution.LastError, "missing predecessor artifact: a.go:Thing")
	assert.True(t, state.Verified.Contains(domain.ArtifactRef{Kind: constants.ArtifactKindFile, Identifier: "a.go"}))
	assert.False(t, state.Verified.Contains(symbol))
	require.Len(t, state.Warnings, 1)
	assert.Equal(t, "a.go:Thing", state.Warnings[0].Claim.Identifier)
	assert.Equal(t, "T1", state.Warnings[0].Claim.SourceTaskID)

	// a failed spec is reported again without doing anything
	out, err = h.engine(contract, nil).Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalFailed, out.Signal)
	assert.Equal(t, 1, out.Signal.ExitCode())
	assert.Contains(t, out.Err.Error(), "missing predecessor artifact")
}

func twoIndependent() [][]*domain.Task {
	return [][]*domain.Task{
		testutil.TaskTree("T1", []string{"a.txt"}),
		testutil.TaskTree("T2", []string{"b.txt"}),
	}
}

func TestAdvance_PartialWavePolicies(t *testing.T) {
	t.Run("pause", func(t *testing.T) {
		h := newHarness(t)
		e := h.init(t, twoIndependent()...)
		h.worker.Fail("T1", "boom")

		out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
		require.NoError(t, err)
		assert.Equal(t, SignalPaused, out.Signal)
		assert.Equal(t, 2, out.Signal.ExitCode())
		require.ErrorIs(t, out.Err, tideerrors.ErrWavePartial)
		assert.Contains(t, tideerrors.Remediation(out.Err), "--allow-partial")
		assert.Equal(t, constants.PhaseExecute, h.load(t).Execution.Phase)

		// still paused without the override, and nothing reruns
		out, err = e.Advance(context.Background(), specID, AdvanceOptions{})
		require.NoError(t, err)
		assert.Equal(t, SignalPaused, out.Signal)
		assert.Len(t, h.worker.Calls(), 2)

		h.reviewer.Queue("1", constants.ReviewApproved)
		out, err = e.Advance(context.Background(), specID, AdvanceOptions{AllowPartial: true})
		require.NoError(t, err)
		assert.Equal(t, SignalCompleted, out.Signal)
		assert.Equal(t, constants.TaskStatusFailed, h.load(t).Tasks["T1"].Status)
	})

	t.Run("halt", func(t *testing.T) {
		h := newHarness(t, func(s *Settings) { s.PartialPolicy = constants.PartialPolicyHalt })
		e := h.init(t, twoIndependent()...)
		h.worker.Fail("T1", "boom")

		out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
		require.NoError(t, err)
		assert.Equal(t, SignalFailed, out.Signal)
		require.ErrorIs(t, out.Err, tideerrors.ErrWavePartial)
		assert.Contains(t, out.Err.Error(), "T1: boom")
		assert.Equal(t, constants.PhaseFailed, h.load(t).Execution.Phase)
	})

	t.Run("proceed", func(t *testing.T) {
		h := newHarness(t, func(s *Settings) { s.PartialPolicy = constants.PartialPolicyProceed })
		e := h.init(t, twoIndependent()...)
		h.worker.Fail("T1", "boom")
		h.reviewer.Queue("1", constants.ReviewApproved)

		out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
		require.NoError(t, err)
		assert.Equal(t, SignalCompleted, out.Signal)
	})
}

func TestAdvance_BlockedWaveFails(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, twoIndependent()...)
	h.worker.Block("T1", "missing predecessor artifact: x.go")
	h.worker.Block("T2", "missing predecessor artifact: y.go")

	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalFailed, out.Signal)
	require.ErrorIs(t, out.Err, tideerrors.ErrWaveBlocked)
	assert.Zero(t, h.ws.Reviews())
}

func TestAdvance_InterruptedWaveNeedsReset(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, twoIndependent()...)

	state := h.load(t)
	_, err := h.store.Apply(context.Background(), specID, store.NewTransaction(state.Revision, "crash",
		store.TransitionPhase{To: constants.PhaseExecute, Reason: "start"},
		store.UpdateExecution{Fn: func(x *domain.ExecutionState) { x.CurrentWave = 1 }},
		store.SetTaskStatus{TaskID: "T1", Status: constants.TaskStatusInProgress},
	))
	require.NoError(t, err)

	_, err = e.Advance(context.Background(), specID, AdvanceOptions{})
	require.ErrorIs(t, err, tideerrors.ErrWaveInterrupted)
	assert.Contains(t, tideerrors.Remediation(err), "tide reset")
	assert.Equal(t, constants.PhaseExecute, h.load(t).Execution.Phase)
	assert.Empty(t, h.worker.Calls())

	_, err = e.Reset(context.Background(), specID)
	require.NoError(t, err)
	h.reviewer.Queue("1", constants.ReviewApproved)
	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
}

func TestAdvance_ChangesRequestedRunsFeedbackTasks(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, testutil.TaskTree("T1", []string{"a.txt"}))
	h.reviewer.Queue("1", constants.ReviewChangesRequested)
	h.reviewer.SetFeedback("1",
		"Please add input validation to `api/handler.go`",
		"lgtm",
		"Consider caching later as a follow-up",
	)

	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
	require.Len(t, out.Reports, 2)

	state := h.load(t)
	fb, ok := state.Tasks["FB-1-1"]
	require.True(t, ok)
	assert.Equal(t, constants.TaskOriginFeedback, fb.Origin)
	assert.Equal(t, constants.TaskStatusCompleted, fb.Status)
	assert.Equal(t, 2, fb.Wave)
	assert.Equal(t, []string{"api/handler.go"}, fb.Produces.Files)
	sub := state.Tasks["FB-1-1.1"]
	require.NotNil(t, sub)
	assert.Nil(t, sub.Script)
	assert.Equal(t, "Please add input validation to `api/handler.go`", sub.Feedback)

	require.Len(t, state.Roadmap, 1)
	assert.Equal(t, "1", state.Roadmap[0].ReviewID)
	assert.Equal(t, 1, state.Roadmap[0].Wave)

	assert.Equal(t, 1, h.ws.Reviews(), "feedback is pushed to the same review")
	assert.Equal(t, []string{"1"}, h.ws.Merged())
	assert.Contains(t, phases(state), "REVIEW_PROCESSING")
	for _, w := range state.Waves {
		assert.NotNil(t, w.MergedAt, "wave %d", w.ID)
	}
}

func TestUnseen_SkipsRecordedFeedback(t *testing.T) {
	state := testutil.PlannedState(t, specID, testutil.TaskTree("T1", nil))
	state.Tasks["T1"].Feedback = "fix a"
	state.Roadmap = []domain.RoadmapDraft{{Feedback: "later b"}}
	a := &advance{state: state}

	tasks, roadmap := a.unseen(
		[]domain.TaskDraft{{Feedback: "fix a"}, {Feedback: "fix c"}, {Feedback: "fix c"}},
		[]domain.RoadmapDraft{{Feedback: "later b"}, {Feedback: "later d"}},
	)
	require.Len(t, tasks, 1)
	assert.Equal(t, "fix c", tasks[0].Feedback)
	require.Len(t, roadmap, 1)
	assert.Equal(t, "later d", roadmap[0].Feedback)
}

func TestAdvance_MergeConflictFails(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, twoIndependent()...)
	h.reviewer.Queue("1", constants.ReviewApproved)
	h.ws.MergeErr = fmt.Errorf("pull request #1: %w", tideerrors.ErrMergeConflict)

	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalFailed, out.Signal)
	require.ErrorIs(t, out.Err, tideerrors.ErrMergeConflict)
	state := h.load(t)
	assert.Equal(t, constants.PhaseReadyToMerge, state.Execution.FailedFrom)

	state, err = e.Reset(context.Background(), specID)
	require.NoError(t, err)
	assert.Equal(t, constants.PhaseReadyToMerge, state.Execution.Phase)
	assert.Empty(t, state.Execution.LastError)

	h.ws.MergeErr = nil
	out, err = e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
	assert.Len(t, h.worker.Calls(), 2)
}

func TestAdvance_MergeErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, twoIndependent()...)
	h.reviewer.Queue("1", constants.ReviewApproved)
	h.ws.MergeErr = fmt.Errorf("HTTP 502: %w", tideerrors.ErrGitHubOperation)

	_, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.ErrorIs(t, err, tideerrors.ErrGitHubOperation)
	assert.Equal(t, constants.PhaseReadyToMerge, h.load(t).Execution.Phase)

	h.ws.MergeErr = nil
	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
}

func TestAdvance_Session(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, twoIndependent()...)

	_, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	first := h.load(t).Session
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Invocations)
	assert.Equal(t, testutil.FixedTime, first.StartedAt)

	_, err = e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	second := h.load(t).Session
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Invocations)

	h.clock.Advance(2 * time.Hour)
	_, err = e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	third := h.load(t).Session
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 1, third.Invocations)
}

func TestAdvance_CancelledContext(t *testing.T) {
	h := newHarness(t)
	e := h.init(t, twoIndependent()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Advance(ctx, specID, AdvanceOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, constants.PhaseInit, h.load(t).Execution.Phase)
}

func TestSettingsFromConfig(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, constants.DefaultBaseBranch, s.BaseBranch)
	assert.Equal(t, constants.ReviewPerWave, s.Granularity)
	assert.Equal(t, constants.PartialPolicyPause, s.PartialPolicy)
	assert.Equal(t, constants.DefaultReviewPollInterval, s.PollInterval)
	assert.Equal(t, constants.DefaultReviewMaxDuration, s.MaxDuration)
	assert.Equal(t, constants.DefaultSessionTTL, s.SessionTTL)
}

// dropOnceStore fails the first transaction whose reason contains reason,
// as if the process died before it reached disk.
type dropOnceStore struct {
	*store.FileStore
	reason  string
	dropped bool
}

func (s *dropOnceStore) Apply(ctx context.Context, specID string, tx store.Transaction) (*domain.SpecState, error) {
	if !s.dropped && strings.Contains(tx.Reason, s.reason) {
		s.dropped = true
		return nil, errCrash
	}
	return s.FileStore.Apply(ctx, specID, tx)
}

func TestAdvance_CrashAfterMergeResumes(t *testing.T) {
	h := newHarness(t)
	h.init(t, twoIndependent()...)
	h.reviewer.Queue("1", constants.ReviewApproved)

	crashing := &dropOnceStore{FileStore: h.store, reason: "review 1 merged"}
	coord := coordinator.New(h.store, h.worker, coordinator.WithClock(h.clock), coordinator.WithIsolator(h.ws))
	e := NewEngine(crashing, coord, h.ws, h.reviewer, WithSettings(h.settings), WithClock(h.clock))

	_, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.ErrorIs(t, err, errCrash)
	assert.Equal(t, []string{"1"}, h.ws.Merged())
	state := h.load(t)
	assert.Equal(t, constants.PhaseReadyToMerge, state.Execution.Phase)
	assert.NotEqual(t, constants.ResumeStepMerged, state.Execution.ResumeStep)

	// the review is already merged on the host; merging again is a no-op
	out, err := e.Advance(context.Background(), specID, AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, SignalCompleted, out.Signal)
	assert.Equal(t, []string{"1"}, h.ws.Merged())
	assert.Len(t, h.worker.Calls(), 2)
	assert.NotNil(t, h.load(t).Waves[0].MergedAt)
}
