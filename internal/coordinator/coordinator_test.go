package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/tide/internal/clock"
	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/store"
	"github.com/mrz1836/tide/internal/testutil"
	"github.com/mrz1836/tide/internal/verify"
	"github.com/mrz1836/tide/internal/worker"
)

type fixture struct {
	store  *store.FileStore
	worker *testutil.FakeWorker
	vcs    *testutil.FakeWorkspace
	coord  *Coordinator
	ws     domain.Workspace
}

func newFixture(t *testing.T, state *domain.SpecState, opts ...Option) *fixture {
	t.Helper()
	fake := clock.NewFake(testutil.FixedTime)
	st, err := store.NewFileStore(t.TempDir(), store.WithClock(fake))
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), state))

	w := testutil.NewFakeWorker()
	w.Materialize = true
	dir := t.TempDir()
	ws := testutil.NewFakeWorkspace(dir)
	opts = append([]Option{WithClock(fake), WithIsolator(ws)}, opts...)
	return &fixture{
		store:  st,
		worker: w,
		vcs:    ws,
		coord:  New(st, w, opts...),
		ws:     domain.Workspace{BranchID: "tide/spec-wave-1", Dir: dir, Base: "main"},
	}
}

// scenarioState has T1 and T2 independent and T3 depending on both.
func scenarioState(t *testing.T) *domain.SpecState {
	return testutil.PlannedState(t, "spec",
		testutil.TaskTree("T1", []string{"a.txt"}),
		testutil.TaskTree("T2", []string{"b.txt"}),
		testutil.TaskTree("T3", []string{"c.txt"}, "T1", "T2"),
	)
}

func TestRunWave_Complete(t *testing.T) {
	f := newFixture(t, scenarioState(t))

	report, state, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)

	assert.Equal(t, constants.WaveOutcomeComplete, report.Outcome)
	assert.True(t, report.Parallel)
	assert.ElementsMatch(t, []string{"T1", "T2"}, report.Passed())
	assert.ElementsMatch(t, []string{"T1", "T2"}, f.worker.Calls())
	assert.Len(t, report.Verified, 2)
	assert.Empty(t, report.Rejected)

	for _, id := range []string{"T1", "T1.1", "T2", "T2.1"} {
		assert.Equal(t, constants.TaskStatusCompleted, state.Tasks[id].Status, id)
	}
	assert.Equal(t, constants.TaskStatusPending, state.Tasks["T3"].Status)
	assert.Equal(t, []string{"commit-T1"}, state.Tasks["T1"].Commits)
	assert.Equal(t, 2, state.Verified.Len())

	w, ok := state.Wave(1)
	require.True(t, ok)
	assert.Equal(t, constants.WaveOutcomeComplete, w.Outcome)
	assert.Equal(t, "tide/spec-wave-1", w.BranchID)
	require.NotNil(t, w.CompletedAt)

	// start and finish are two transactions on top of revision 1
	assert.Equal(t, int64(3), state.Revision)
}

func TestRunWave_BoundedConcurrency(t *testing.T) {
	var trees [][]*domain.Task
	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		trees = append(trees, testutil.TaskTree(id, []string{id + ".txt"}))
	}
	f := newFixture(t, testutil.PlannedState(t, "spec", trees...), WithMaxWorkers(2))
	f.worker.Delay = 20 * time.Millisecond

	report, _, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)
	assert.Len(t, report.Passed(), 6)
	assert.LessOrEqual(t, f.worker.MaxConcurrent(), 2)
}

func TestRunWave_OverlapRunsSequentially(t *testing.T) {
	state := testutil.PlannedState(t, "spec",
		testutil.TaskTree("A", []string{"shared.go"}),
		testutil.TaskTree("B", []string{"shared.go"}),
		testutil.TaskTree("C", []string{"c.go"}),
	)
	require.False(t, state.Waves[0].CanParallelize)
	f := newFixture(t, state)
	f.worker.Delay = 10 * time.Millisecond

	report, _, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)
	assert.False(t, report.Parallel)
	assert.Equal(t, 1, f.worker.MaxConcurrent())
	assert.Equal(t, []string{"A", "B", "C"}, f.worker.Calls())
}

func TestRunWave_PartialDoesNotAbandonSiblings(t *testing.T) {
	f := newFixture(t, scenarioState(t))
	f.worker.Delay = 10 * time.Millisecond
	f.worker.SetResult("T2", domain.WorkerResult{
		Status:        constants.WorkerStatusFail,
		Blocker:       "subtask T2.1: could not reach GREEN",
		FailedSubtask: "T2.1",
		SubtaskStatus: map[string]constants.TaskStatus{"T2.1": constants.TaskStatusFailed},
		Attempts:      map[string]int{"T2.1": 3},
	})

	report, state, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)

	assert.Equal(t, constants.WaveOutcomePartial, report.Outcome)
	assert.Equal(t, []string{"T1"}, report.Passed())
	assert.Equal(t, []string{"T2"}, report.Failed())
	assert.Equal(t, "subtask T2.1: could not reach GREEN", report.Blockers()["T2"])

	assert.Equal(t, constants.TaskStatusCompleted, state.Tasks["T1"].Status)
	assert.Equal(t, constants.TaskStatusFailed, state.Tasks["T2"].Status)
	assert.Equal(t, constants.TaskStatusFailed, state.Tasks["T2.1"].Status)
	assert.Equal(t, 3, state.Tasks["T2.1"].Attempts)
	assert.Equal(t, report.Blockers()["T2"], state.Tasks["T2.1"].Blocker)
}

func TestRunWave_AllBlocked(t *testing.T) {
	f := newFixture(t, scenarioState(t))
	f.worker.Block("T1", "missing predecessor artifact: x")
	f.worker.Block("T2", "missing predecessor artifact: y")

	report, state, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)
	assert.Equal(t, constants.WaveOutcomeBlocked, report.Outcome)
	assert.ElementsMatch(t, []string{"T1", "T2"}, report.Blocked())
	assert.Equal(t, constants.TaskStatusBlocked, state.Tasks["T1"].Status)
	assert.Equal(t, "missing predecessor artifact: x", state.Tasks["T1"].Blocker)
	assert.Equal(t, constants.TaskStatusPending, state.Tasks["T1.1"].Status)
}

func TestRunWave_UnverifiedClaimBecomesWarning(t *testing.T) {
	f := newFixture(t, scenarioState(t))
	f.worker.Materialize = false

	report, state, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)

	// an unverified claim never fails the wave by itself
	assert.Equal(t, constants.WaveOutcomeComplete, report.Outcome)
	assert.Empty(t, report.Verified)
	require.Len(t, report.Rejected, 2)
	assert.Equal(t, 0, state.Verified.Len())
	require.Len(t, state.Warnings, 2)
	assert.Equal(t, 1, state.Warnings[0].Wave)
	assert.Contains(t, state.Warnings[0].Reason, "does not exist")
}

func TestRunWave_VerifiedIsSubsetOfClaims(t *testing.T) {
	f := newFixture(t, scenarioState(t))
	f.worker.Materialize = false
	f.worker.SetResult("T1", domain.WorkerResult{
		Status: constants.WorkerStatusPass,
		Claims: []domain.ArtifactClaim{
			{Kind: constants.ArtifactKindFile, Identifier: "real.txt", SourceTaskID: "someone-else"},
			{Kind: constants.ArtifactKindFile, Identifier: "imaginary.txt"},
		},
		SubtaskStatus: map[string]constants.TaskStatus{"T1.1": constants.TaskStatusCompleted},
	})
	require.NoError(t, writeFile(f.ws.Dir, "real.txt"))

	_, state, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)
	require.Equal(t, 1, state.Verified.Len())
	got := state.Verified.Artifacts[0]
	assert.Equal(t, "real.txt", got.Identifier)
	assert.Equal(t, "T1", got.SourceTaskID)
}

func TestRunWave_RefusesWhileEarlierWaveInProgress(t *testing.T) {
	state := scenarioState(t)
	state.Tasks["T1"].Status = constants.TaskStatusInProgress
	f := newFixture(t, state)

	_, _, err := f.coord.RunWave(context.Background(), "spec", 2, f.ws)
	require.ErrorIs(t, err, tideerrors.ErrWaveOrder)
	assert.Contains(t, tideerrors.Remediation(err), "tide reset spec")
	assert.Empty(t, f.worker.Calls())

	loaded, err := f.store.Load(context.Background(), "spec")
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusPending, loaded.Tasks["T3"].Status)
}

func TestRunWave_InterruptedWave(t *testing.T) {
	state := scenarioState(t)
	state.Tasks["T2"].Status = constants.TaskStatusInProgress
	f := newFixture(t, state)

	_, _, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.ErrorIs(t, err, tideerrors.ErrWaveInterrupted)
	assert.Empty(t, f.worker.Calls())
}

func TestRunWave_OnlyPendingTasksRun(t *testing.T) {
	state := scenarioState(t)
	state.Tasks["T1"].Status = constants.TaskStatusCompleted
	state.Tasks["T1.1"].Status = constants.TaskStatusCompleted
	f := newFixture(t, state)

	report, _, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, f.worker.Calls())
	assert.Equal(t, constants.WaveOutcomeComplete, report.Outcome)
}

func TestRunWave_UnknownWave(t *testing.T) {
	f := newFixture(t, scenarioState(t))
	_, _, err := f.coord.RunWave(context.Background(), "spec", 9, f.ws)
	require.ErrorIs(t, err, tideerrors.ErrInvalidMutation)
}

func TestRunWave_CanceledContextStillRecordsResults(t *testing.T) {
	f := newFixture(t, scenarioState(t))
	ctx, cancel := context.WithCancel(context.Background())
	// the first store read needs a live context; cancel once the wave has started
	f.worker.Delay = 5 * time.Millisecond
	go func() {
		time.Sleep(time.Millisecond)
		cancel()
	}()

	_, state, err := f.coord.RunWave(ctx, "spec", 1, f.ws)
	if err != nil {
		// cancelled before the wave could start: nothing may be in progress
		loaded, loadErr := f.store.Load(context.Background(), "spec")
		require.NoError(t, loadErr)
		assert.Empty(t, loaded.InProgressBefore(2))
		return
	}
	assert.Equal(t, constants.TaskStatusCompleted, state.Tasks["T1"].Status)
	assert.Equal(t, constants.TaskStatusCompleted, state.Tasks["T2"].Status)
}

func TestOutcome(t *testing.T) {
	members := []*domain.Task{{ID: "A", Status: constants.TaskStatusCompleted}, {ID: "B"}}
	assert.Equal(t, constants.WaveOutcomeComplete, outcome(members, map[string]constants.TaskStatus{"B": constants.TaskStatusCompleted}))
	assert.Equal(t, constants.WaveOutcomePartial, outcome(members, map[string]constants.TaskStatus{"B": constants.TaskStatusBlocked}))
	assert.Equal(t, constants.WaveOutcomeBlocked, outcome(members[1:], map[string]constants.TaskStatus{"B": constants.TaskStatusBlocked}))
}

// siblingDriver lets A's REFACTOR break its file and roll back while B is
// writing its own file, so both run inside the same window.
type siblingDriver struct {
	refactoring chan struct{}
	bWritten    chan struct{}
}

func (d *siblingDriver) Run(_ context.Context, step worker.Step) error {
	dir := step.Workspace.Dir
	switch {
	case step.TaskID == "A" && step.Phase == constants.TDDGreen:
		return writeContent(dir, "a.go", "package a")
	case step.TaskID == "A" && step.Phase == constants.TDDRefactor:
		if err := writeContent(dir, "a.go", "broken"); err != nil {
			return err
		}
		close(d.refactoring)
		wait(d.bWritten)
		return nil
	case step.TaskID == "B" && step.Phase == constants.TDDGreen:
		wait(d.refactoring)
		defer close(d.bWritten)
		return writeContent(dir, "b.go", "package b")
	}
	return nil
}

func (d *siblingDriver) Test(_ context.Context, step worker.Step) (worker.Outcome, error) {
	name := strings.ToLower(step.TaskID)
	data, err := os.ReadFile(filepath.Join(step.Workspace.Dir, name+".go")) //#nosec G304 -- test temp dir
	return worker.Outcome{Passed: err == nil && string(data) == "package "+name}, nil
}

func (d *siblingDriver) Regression(context.Context, worker.Step) (worker.Outcome, error) {
	return worker.Outcome{Passed: true}, nil
}

func wait(ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
	}
}

func writeContent(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)
}

func TestRunWave_RefactorRollbackKeepsSiblingWork(t *testing.T) {
	state := testutil.PlannedState(t, "spec",
		testutil.TaskTree("A", []string{"a.go"}),
		testutil.TaskTree("B", []string{"b.go"}),
	)
	require.True(t, state.Waves[0].CanParallelize)
	state.Tasks["A.1"].Script.Refactor = "tidy"

	fake := clock.NewFake(testutil.FixedTime)
	st, err := store.NewFileStore(t.TempDir(), store.WithClock(fake))
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), state))

	dir := t.TempDir()
	vcsWS := testutil.NewFakeWorkspace(dir)
	vcsWS.ForkRoot = t.TempDir()
	driver := &siblingDriver{refactoring: make(chan struct{}), bWritten: make(chan struct{})}
	coord := New(st, worker.NewContract(driver, vcsWS), WithClock(fake), WithIsolator(vcsWS))
	ws := domain.Workspace{BranchID: "tide/spec-wave-1", Dir: dir, Base: "main"}

	report, got, err := coord.RunWave(context.Background(), "spec", 1, ws)
	require.NoError(t, err)
	assert.True(t, report.Parallel)
	assert.ElementsMatch(t, []string{"A", "B"}, report.Passed())
	assert.Equal(t, constants.WaveOutcomeComplete, report.Outcome)

	for name, want := range map[string]string{"a.go": "package a", "b.go": "package b"} {
		data, err := os.ReadFile(filepath.Join(dir, name)) //#nosec G304 -- test temp dir
		require.NoError(t, err, name)
		assert.Equal(t, want, string(data), name)
	}
	assert.Equal(t, 2, got.Verified.Len())
	assert.Len(t, vcsWS.Integrated(), 2)
	assert.Len(t, vcsWS.Released(), 2)
}

func TestRunWave_IntegrationFailureFailsTask(t *testing.T) {
	f := newFixture(t, scenarioState(t))
	f.vcs.IntegrateErr = errors.New("merge conflict")

	report, state, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"T1", "T2"}, report.Failed())
	assert.Contains(t, report.Blockers()["T1"], "failed to integrate tide/spec-wave-1--")
	assert.Equal(t, 0, state.Verified.Len())
	assert.Empty(t, f.vcs.Released())
}

func TestRunWave_SerialWithoutIsolator(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), scenarioState(t)))
	w := testutil.NewFakeWorker()
	w.Materialize = true

	report, _, err := New(st, w).RunWave(context.Background(), "spec", 1,
		domain.Workspace{BranchID: "tide/spec-wave-1", Dir: t.TempDir(), Base: "main"})
	require.NoError(t, err)
	assert.False(t, report.Parallel)
	assert.Equal(t, 1, w.MaxConcurrent())
	assert.Len(t, report.Passed(), 2)
}

type purgeCounter struct {
	*verify.Verifier
	purges int
}

func (p *purgeCounter) Purge() {
	p.purges++
	p.Verifier.Purge()
}

func TestRunWave_ParallelWavePurgesVerifierCache(t *testing.T) {
	v := &purgeCounter{Verifier: verify.New()}
	f := newFixture(t, scenarioState(t), WithVerifier(v))

	report, _, err := f.coord.RunWave(context.Background(), "spec", 1, f.ws)
	require.NoError(t, err)
	require.True(t, report.Parallel)
	assert.Equal(t, 1, v.purges)
	assert.Len(t, report.Verified, 2)
}
