package cli

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/tide/internal/config"
	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/store"
	"github.com/mrz1836/tide/internal/testutil"
)

func TestExitCodeForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitSuccess},
		{name: "plain error", err: errors.New("boom"), want: ExitFailed},
		{name: "waiting", err: &ExitCodeError{Code: ExitWaiting}, want: ExitWaiting},
		{name: "wrapped exit code", err: fmt.Errorf("advance: %w", &ExitCodeError{Code: ExitWaiting}), want: ExitWaiting},
		{name: "invalid input", err: errors.New(`unknown flag: --nope`), want: ExitFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ExitCodeForError(tc.err))
		})
	}
}

func TestPhaseExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ExitSuccess, PhaseExitCode(constants.PhaseCompleted))
	assert.Equal(t, ExitFailed, PhaseExitCode(constants.PhaseFailed))
	for _, p := range []constants.Phase{
		constants.PhaseInit, constants.PhaseExecute, constants.PhaseAwaitingReview,
		constants.PhaseReviewProcessing, constants.PhaseReadyToMerge,
	} {
		assert.Equal(t, ExitWaiting, PhaseExitCode(p), p)
	}
}

func TestExitCodeError_Message(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "exit status 2", (&ExitCodeError{Code: 2}).Error())
	inner := errors.New("inner")
	err := &ExitCodeError{Code: 1, Err: inner}
	assert.Equal(t, "inner", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestIsValidOutputFormat(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidOutputFormat(OutputText))
	assert.True(t, IsValidOutputFormat(OutputJSON))
	assert.False(t, IsValidOutputFormat("yaml"))
	assert.False(t, IsValidOutputFormat(""))
}

func TestLoadConfig_AppliesFlags(t *testing.T) {
	global := t.TempDir()
	t.Setenv(config.HomeEnvVar, global)

	repo := t.TempDir()
	home := t.TempDir()
	cfg, err := loadConfig(context.Background(), &GlobalFlags{Home: home, Repo: repo})
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Store.Home)
	assert.Equal(t, repo, cfg.VCS.RepoPath)
	assert.Equal(t, constants.DefaultBaseBranch, cfg.VCS.BaseBranch)
}

func TestLoadConfig_DefaultsRepoToWorkingDirectory(t *testing.T) {
	t.Setenv(config.HomeEnvVar, t.TempDir())

	cfg, err := loadConfig(context.Background(), &GlobalFlags{})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.VCS.RepoPath)
}

func TestNewEngine_WiresProductionWorker(t *testing.T) {
	t.Parallel()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	engine := newEngine(config.DefaultConfig(), st, testutil.NewFakeWorkspace(t.TempDir()), testutil.NewFakeReviewer(), zerolog.Nop())

	tasks := testutil.TaskTree("T1", []string{"a.go"})
	state, err := engine.Init(context.Background(), "wired", tasks, nil)
	require.NoError(t, err)
	assert.Len(t, state.Waves, 1)
	assert.Equal(t, constants.PhaseInit, state.Execution.Phase)
}
