package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/tide/internal/constants"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// fakeExecutor answers commands by longest matching prefix of "name args...".
type fakeExecutor struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
}

type fakeResponse struct {
	out string
	err error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{responses: make(map[string]fakeResponse)}
}

func (f *fakeExecutor) on(prefix, out string, err error) {
	f.responses[prefix] = fakeResponse{out: out, err: err}
}

func (f *fakeExecutor) Execute(_ context.Context, _, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)

	best := ""
	for prefix := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, nil
	}
	r := f.responses[best]
	return []byte(r.out), r.err
}

func (f *fakeExecutor) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestBranchName(t *testing.T) {
	tests := map[string]string{
		"auth wave 2":       "tide/auth-wave-2",
		"  Feature/Login!!": "tide/feature-login",
		"a..b":              "tide/a.b",
		"***":               "tide/work",
		"spec_x.wave-3":     "tide/spec_x.wave-3",
	}
	for hint, want := range tests {
		assert.Equal(t, want, BranchName(hint), hint)
	}
}

func TestNewGitWorkspace_Validation(t *testing.T) {
	_, err := NewGitWorkspace("", "/tmp/w")
	require.ErrorIs(t, err, tideerrors.ErrEmptyValue)
	_, err = NewGitWorkspace("/repo", "")
	require.ErrorIs(t, err, tideerrors.ErrEmptyValue)
}

func TestOpenReview_CreatesPullRequest(t *testing.T) {
	fx := newFakeExecutor()
	fx.on("gh pr view", "", fmt.Errorf("no pull requests found: %w", tideerrors.ErrGitHubOperation))
	fx.on("gh pr create", "https://github.com/acme/app/pull/42\n", nil)
	w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx))
	require.NoError(t, err)

	id, err := w.OpenReview(context.Background(), Branch{Name: "tide/auth-wave-1", Dir: "/wt", Base: "main"}, "", "auth: wave 1", "")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.True(t, fx.called("git push --set-upstream origin tide/auth-wave-1"))
	assert.True(t, fx.called("gh pr create --base main --head tide/auth-wave-1 --title auth: wave 1"))
}

func TestOpenReview_ReusesOpenPullRequest(t *testing.T) {
	fx := newFakeExecutor()
	fx.on("gh pr view", `{"number": 7, "state": "OPEN"}`, nil)
	w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx), WithRemote("upstream"))
	require.NoError(t, err)

	id, err := w.OpenReview(context.Background(), Branch{Name: "tide/x", Dir: "/wt", Base: "main"}, "main", "x", "")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.True(t, fx.called("git push --set-upstream upstream tide/x"))
	assert.False(t, fx.called("gh pr create"))
}

func TestOpenReview_UnexpectedOutput(t *testing.T) {
	fx := newFakeExecutor()
	fx.on("gh pr view", "", tideerrors.ErrGitHubOperation)
	fx.on("gh pr create", "something odd", nil)
	w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx))
	require.NoError(t, err)

	_, err = w.OpenReview(context.Background(), Branch{Name: "tide/x", Dir: "/wt", Base: "main"}, "main", "x", "")
	require.ErrorIs(t, err, tideerrors.ErrGitHubOperation)
}

func TestMerge(t *testing.T) {
	t.Run("squash by default", func(t *testing.T) {
		fx := newFakeExecutor()
		w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx))
		require.NoError(t, err)
		require.NoError(t, w.Merge(context.Background(), "12"))
		assert.True(t, fx.called("gh pr merge 12 --delete-branch=false --squash"))
	})

	t.Run("rebase method", func(t *testing.T) {
		fx := newFakeExecutor()
		w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx), WithMergeMethod("rebase"))
		require.NoError(t, err)
		require.NoError(t, w.Merge(context.Background(), "12"))
		assert.True(t, fx.called("gh pr merge 12 --delete-branch=false --rebase"))
	})

	t.Run("conflict", func(t *testing.T) {
		fx := newFakeExecutor()
		fx.on("gh pr merge", "", fmt.Errorf("gh pr failed: Pull request is not mergeable: %w", tideerrors.ErrGitHubOperation))
		w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx))
		require.NoError(t, err)
		require.ErrorIs(t, w.Merge(context.Background(), "12"), tideerrors.ErrMergeConflict)
	})

	t.Run("other failure", func(t *testing.T) {
		fx := newFakeExecutor()
		fx.on("gh pr merge", "", fmt.Errorf("gh pr failed: HTTP 502: %w", tideerrors.ErrGitHubOperation))
		w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx))
		require.NoError(t, err)
		err = w.Merge(context.Background(), "12")
		require.ErrorIs(t, err, tideerrors.ErrGitHubOperation)
		require.NotErrorIs(t, err, tideerrors.ErrMergeConflict)
	})

	t.Run("already merged", func(t *testing.T) {
		fx := newFakeExecutor()
		fx.on("gh pr view 12 --json state", `{"state":"MERGED"}`, nil)
		fx.on("gh pr merge", "", fmt.Errorf("gh pr failed: Pull request #12 was already merged: %w", tideerrors.ErrGitHubOperation))
		w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(fx))
		require.NoError(t, err)
		require.NoError(t, w.Merge(context.Background(), "12"))
		assert.False(t, fx.called("gh pr merge"))
	})

	t.Run("bad id", func(t *testing.T) {
		w, err := NewGitWorkspace("/repo", t.TempDir(), WithCommandExecutor(newFakeExecutor()))
		require.NoError(t, err)
		require.Error(t, w.Merge(context.Background(), "abc"))
	})
}

func TestGitHubReviewer(t *testing.T) {
	tests := []struct {
		name string
		json string
		want constants.ReviewDecision
	}{
		{name: "no decision", json: `{"state":"OPEN","reviewDecision":"","reviews":[]}`, want: constants.ReviewPending},
		{name: "review required", json: `{"state":"OPEN","reviewDecision":"REVIEW_REQUIRED"}`, want: constants.ReviewPending},
		{name: "approved", json: `{"state":"OPEN","reviewDecision":"APPROVED"}`, want: constants.ReviewApproved},
		{name: "merged elsewhere", json: `{"state":"MERGED","reviewDecision":""}`, want: constants.ReviewApproved},
		{name: "changes", json: `{"state":"OPEN","reviewDecision":"CHANGES_REQUESTED"}`, want: constants.ReviewChangesRequested},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFakeExecutor()
			fx.on("gh pr view 5", tc.json, nil)
			r := NewGitHubReviewer("/repo", fx, zerolog.Nop())
			got, err := r.PollDecision(context.Background(), "5")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("feedback", func(t *testing.T) {
		fx := newFakeExecutor()
		fx.on("gh pr view 5", `{"reviews":[
			{"state":"APPROVED","body":"nice"},
			{"state":"CHANGES_REQUESTED","body":"Fix a.go"},
			{"state":"COMMENTED","body":"  "},
			{"state":"COMMENTED","body":"Add docs later"}]}`, nil)
		r := NewGitHubReviewer("/repo", fx, zerolog.Nop())
		got, err := r.Feedback(context.Background(), "5")
		require.NoError(t, err)
		assert.Equal(t, []string{"Fix a.go", "Add docs later"}, got)
	})

	t.Run("bad json", func(t *testing.T) {
		fx := newFakeExecutor()
		fx.on("gh pr view 5", `not json`, nil)
		r := NewGitHubReviewer("/repo", fx, zerolog.Nop())
		_, err := r.PollDecision(context.Background(), "5")
		require.ErrorIs(t, err, tideerrors.ErrGitHubOperation)
	})
}

func requireGit(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_AUTHOR_NAME", "tide")
	t.Setenv("GIT_AUTHOR_EMAIL", "tide@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "tide")
	t.Setenv("GIT_COMMITTER_EMAIL", "tide@example.com")

	repo := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "--quiet", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("repo\n"), 0o600))
	run("add", ".")
	run("commit", "--quiet", "-m", "initial")
	return repo
}

func TestGitWorkspace_BranchCommitRelease(t *testing.T) {
	repo := requireGit(t)
	ctx := context.Background()
	w, err := NewGitWorkspace(repo, filepath.Join(t.TempDir(), "worktrees"))
	require.NoError(t, err)

	branch, err := w.CreateIsolatedBranch(ctx, "main", "auth wave 1")
	require.NoError(t, err)
	assert.Equal(t, "tide/auth-wave-1", branch.Name)
	assert.DirExists(t, branch.Dir)

	require.NoError(t, os.WriteFile(filepath.Join(branch.Dir, "a.txt"), []byte("a"), 0o600))
	first, err := w.Commit(ctx, branch, []string{"a.txt"}, "T1.1: add a.txt")
	require.NoError(t, err)
	assert.Len(t, first, 40)

	// nothing changed: still one commit per step
	second, err := w.Commit(ctx, branch, nil, "T1.2: refactor")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// reopening after a crash returns the same checkout
	again, err := w.CreateIsolatedBranch(ctx, "main", "auth wave 1")
	require.NoError(t, err)
	assert.Equal(t, branch.Dir, again.Dir)
	assert.FileExists(t, filepath.Join(again.Dir, "a.txt"))

	require.NoError(t, w.Release(ctx, branch))
	assert.NoDirExists(t, branch.Dir)
	require.NoError(t, w.Release(ctx, branch))

	// the branch survives its checkout and can be checked out again
	reopened, err := w.CreateIsolatedBranch(ctx, "main", "auth wave 1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(reopened.Dir, "a.txt"))
}

func TestCreateIsolatedBranch_StartsFromRemoteBase(t *testing.T) {
	t.Parallel()

	fx := newFakeExecutor()
	fx.on("git rev-parse --verify --quiet refs/heads/", "", fmt.Errorf("missing: %w", tideerrors.ErrGitOperation))
	fx.on("git rev-parse --verify --quiet refs/remotes/origin/main", "abc123", nil)
	w, err := NewGitWorkspace(t.TempDir(), filepath.Join(t.TempDir(), "worktrees"), WithCommandExecutor(fx))
	require.NoError(t, err)

	branch, err := w.CreateIsolatedBranch(context.Background(), "main", "auth wave 2")
	require.NoError(t, err)
	assert.True(t, fx.called("git fetch --quiet origin main"))
	assert.True(t, fx.called("git worktree add "+branch.Dir+" -b tide/auth-wave-2 origin/main"))
}

func TestCreateIsolatedBranch_FallsBackToLocalBase(t *testing.T) {
	t.Parallel()

	fx := newFakeExecutor()
	fx.on("git fetch", "", fmt.Errorf("no remote: %w", tideerrors.ErrGitOperation))
	fx.on("git rev-parse", "", fmt.Errorf("missing: %w", tideerrors.ErrGitOperation))
	w, err := NewGitWorkspace(t.TempDir(), filepath.Join(t.TempDir(), "worktrees"), WithCommandExecutor(fx))
	require.NoError(t, err)

	branch, err := w.CreateIsolatedBranch(context.Background(), "main", "auth")
	require.NoError(t, err)
	assert.True(t, fx.called("git worktree add "+branch.Dir+" -b tide/auth main"))
}

func TestForkName(t *testing.T) {
	assert.Equal(t, "tide/auth-wave-1--t1", ForkName("tide/auth-wave-1", "T1"))
	assert.Equal(t, "tide/auth-wave-1--t2.3", ForkName("tide/auth-wave-1", "T2.3"))
}

func TestGitWorkspace_ForkIntegrate(t *testing.T) {
	repo := requireGit(t)
	ctx := context.Background()
	w, err := NewGitWorkspace(repo, filepath.Join(t.TempDir(), "worktrees"))
	require.NoError(t, err)

	wave, err := w.CreateIsolatedBranch(ctx, "main", "auth wave 1")
	require.NoError(t, err)

	write := func(b Branch, name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(b.Dir, name), []byte(content), 0o600))
		_, err := w.Commit(ctx, b, nil, "add "+name)
		require.NoError(t, err)
	}

	a, err := w.Fork(ctx, wave, "T1")
	require.NoError(t, err)
	b, err := w.Fork(ctx, wave, "T2")
	require.NoError(t, err)
	assert.NotEqual(t, a.Dir, b.Dir)
	assert.Equal(t, wave.Name, a.Base)

	write(a, "a.txt", "a")
	write(b, "b.txt", "b")
	write(a, "shared.txt", "from a")
	write(b, "shared.txt", "from b")

	require.NoError(t, w.Integrate(ctx, wave, a))
	assert.FileExists(t, filepath.Join(wave.Dir, "a.txt"))

	err = w.Integrate(ctx, wave, b)
	require.ErrorIs(t, err, tideerrors.ErrMergeConflict)
	data, err := os.ReadFile(filepath.Join(wave.Dir, "shared.txt")) //#nosec G304 -- test temp dir
	require.NoError(t, err)
	assert.Equal(t, "from a", string(data))
	assert.NoFileExists(t, filepath.Join(wave.Dir, "b.txt"))

	// a fork reopened after a crash keeps its commits
	again, err := w.Fork(ctx, wave, "T2")
	require.NoError(t, err)
	assert.Equal(t, b.Dir, again.Dir)
	assert.FileExists(t, filepath.Join(again.Dir, "b.txt"))
}

func TestIntegrate_NonConflictFailure(t *testing.T) {
	t.Parallel()

	fx := newFakeExecutor()
	fx.on("git merge --no-ff", "fatal: not something we can merge", fmt.Errorf("exit 1: %w", tideerrors.ErrGitOperation))
	w, err := NewGitWorkspace(t.TempDir(), filepath.Join(t.TempDir(), "worktrees"), WithCommandExecutor(fx))
	require.NoError(t, err)

	err = w.Integrate(context.Background(), Branch{Name: "tide/w", Dir: "/wt"}, Branch{Name: "tide/w--t1"})
	require.ErrorIs(t, err, tideerrors.ErrGitOperation)
	require.NotErrorIs(t, err, tideerrors.ErrMergeConflict)
	assert.True(t, fx.called("git merge --abort"))
}
