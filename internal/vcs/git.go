package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/constants"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// GitWorkspace implements Workspace with git worktrees and gh pull requests.
type GitWorkspace struct {
	repoPath    string
	worktreeDir string
	remote      string
	mergeMethod string
	exec        CommandExecutor
	logger      zerolog.Logger
}

// GitOption configures a GitWorkspace.
type GitOption func(*GitWorkspace)

// WithRemote sets the remote reviews are pushed to.
func WithRemote(remote string) GitOption {
	return func(w *GitWorkspace) {
		if remote != "" {
			w.remote = remote
		}
	}
}

// WithMergeMethod sets the gh merge method: squash, merge or rebase.
func WithMergeMethod(method string) GitOption {
	return func(w *GitWorkspace) {
		if method != "" {
			w.mergeMethod = method
		}
	}
}

// WithCommandExecutor replaces the process runner.
func WithCommandExecutor(e CommandExecutor) GitOption {
	return func(w *GitWorkspace) {
		w.exec = e
	}
}

// WithGitLogger sets the logger.
func WithGitLogger(l zerolog.Logger) GitOption {
	return func(w *GitWorkspace) {
		w.logger = l
	}
}

// NewGitWorkspace creates a workspace over the repository at repoPath.
// Worktrees are created under worktreeDir.
func NewGitWorkspace(repoPath, worktreeDir string, opts ...GitOption) (*GitWorkspace, error) {
	if repoPath == "" {
		return nil, fmt.Errorf("repository path: %w", tideerrors.ErrEmptyValue)
	}
	if worktreeDir == "" {
		return nil, fmt.Errorf("worktree directory: %w", tideerrors.ErrEmptyValue)
	}
	w := &GitWorkspace{
		repoPath:    repoPath,
		worktreeDir: worktreeDir,
		remote:      "origin",
		mergeMethod: "squash",
		exec:        defaultCommandExecutor{},
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *GitWorkspace) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := w.exec.Execute(ctx, dir, "git", args...)
	return strings.TrimSpace(string(out)), err
}

// CreateIsolatedBranch creates the branch and its worktree. When the
// branch already has a worktree it is returned unchanged, so a resumed
// wave keeps its earlier commits.
func (w *GitWorkspace) CreateIsolatedBranch(ctx context.Context, base, hint string) (Branch, error) {
	if err := ctx.Err(); err != nil {
		return Branch{}, err
	}
	if base == "" {
		return Branch{}, fmt.Errorf("base branch: %w", tideerrors.ErrEmptyValue)
	}

	return w.checkout(ctx, BranchName(hint), base, func() string { return w.startPoint(ctx, base) })
}

// Fork creates, or reopens, a branch off parent for one task of a parallel
// wave. It starts from parent's local head, so it sees every commit the
// wave branch has.
func (w *GitWorkspace) Fork(ctx context.Context, parent Branch, taskID string) (Branch, error) {
	if err := ctx.Err(); err != nil {
		return Branch{}, err
	}
	if parent.Name == "" {
		return Branch{}, fmt.Errorf("parent branch: %w", tideerrors.ErrEmptyValue)
	}
	name := ForkName(parent.Name, taskID)
	return w.checkout(ctx, name, parent.Name, func() string { return parent.Name })
}

// ForkName is the branch a task of a parallel wave runs on.
func ForkName(parent, taskID string) string {
	return parent + "--" + strings.TrimPrefix(BranchName(taskID), constants.BranchPrefixWave)
}

// checkout returns the worktree of branch name, creating the branch from
// start() when it does not exist yet.
func (w *GitWorkspace) checkout(ctx context.Context, name, base string, start func() string) (Branch, error) {
	dir := filepath.Join(w.worktreeDir, strings.TrimPrefix(strings.ReplaceAll(name, "/", "-"), "-"))
	branch := Branch{Name: name, Dir: dir, Base: base}

	existing, err := w.worktreeFor(ctx, name)
	if err != nil {
		return Branch{}, err
	}
	if existing != "" {
		branch.Dir = existing
		w.logger.Debug().Str("branch", name).Str("dir", existing).Msg("reusing worktree")
		return branch, nil
	}

	if err := os.MkdirAll(w.worktreeDir, 0o750); err != nil {
		return Branch{}, fmt.Errorf("failed to create worktree directory: %w", err)
	}
	if _, statErr := os.Stat(dir); statErr == nil {
		return Branch{}, fmt.Errorf("%s: %w", dir, tideerrors.ErrWorktreeExists)
	}

	args := []string{"worktree", "add", dir, name}
	if _, err := w.git(ctx, w.repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+name); err != nil {
		args = []string{"worktree", "add", dir, "-b", name, start()}
	}
	if _, err := w.git(ctx, w.repoPath, args...); err != nil {
		_ = os.RemoveAll(dir)
		return Branch{}, fmt.Errorf("failed to create worktree for %s: %w", name, err)
	}

	w.logger.Info().Str("branch", name).Str("base", base).Str("dir", dir).Msg("branch created")
	return branch, nil
}

// Integrate merges from into the branch checked out at into.Dir with a
// merge commit. A conflicting merge is aborted, leaving into unchanged.
func (w *GitWorkspace) Integrate(ctx context.Context, into, from Branch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := "tide: integrate " + from.Name
	out, err := w.git(ctx, into.Dir, "merge", "--no-ff", "--no-edit", "-m", msg, from.Name)
	if err == nil {
		w.logger.Debug().Str("into", into.Name).Str("from", from.Name).Msg("branch integrated")
		return nil
	}
	if _, abortErr := w.git(ctx, into.Dir, "merge", "--abort"); abortErr != nil {
		w.logger.Debug().Err(abortErr).Str("into", into.Name).Msg("merge abort failed")
	}
	if isMergeConflict(out + " " + err.Error()) {
		return fmt.Errorf("%s into %s: %w", from.Name, into.Name, tideerrors.ErrMergeConflict)
	}
	return fmt.Errorf("failed to integrate %s into %s: %w", from.Name, into.Name, err)
}

// startPoint refreshes base from the remote and prefers the remote-tracking
// ref, so a wave branch sees the reviews merged before it. Without a
// reachable remote it falls back to the local base.
func (w *GitWorkspace) startPoint(ctx context.Context, base string) string {
	if _, err := w.git(ctx, w.repoPath, "fetch", "--quiet", w.remote, base); err != nil {
		w.logger.Debug().Err(err).Str("remote", w.remote).Str("base", base).Msg("fetch failed, branching from local base")
	}
	tracking := w.remote + "/" + base
	if _, err := w.git(ctx, w.repoPath, "rev-parse", "--verify", "--quiet", "refs/remotes/"+tracking); err == nil {
		return tracking
	}
	return base
}

// worktreeFor returns the checkout directory of branch, or "".
func (w *GitWorkspace) worktreeFor(ctx context.Context, branch string) (string, error) {
	out, err := w.git(ctx, w.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("failed to list worktrees: %w", err)
	}
	var path string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			path = strings.TrimPrefix(line, "worktree ")
		case line == "branch refs/heads/"+branch:
			if _, statErr := os.Stat(path); statErr == nil {
				return path, nil
			}
		}
	}
	return "", nil
}

// Commit stages paths and commits them. A commit is always created, even
// when the step changed nothing, so every subtask maps to one commit.
func (w *GitWorkspace) Commit(ctx context.Context, branch Branch, paths []string, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if message == "" {
		return "", fmt.Errorf("commit message: %w", tideerrors.ErrEmptyValue)
	}

	add := []string{"add", "-A"}
	if len(paths) > 0 {
		add = append(append(add, "--"), paths...)
	}
	if _, err := w.git(ctx, branch.Dir, add...); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := w.git(ctx, branch.Dir, "commit", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	sha, err := w.git(ctx, branch.Dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read commit id: %w", err)
	}

	w.logger.Debug().Str("branch", branch.Name).Str("commit", sha).Msg("changes committed")
	return sha, nil
}

// Release removes the worktree. A missing worktree is not an error.
func (w *GitWorkspace) Release(ctx context.Context, branch Branch) error {
	if branch.Dir == "" {
		return nil
	}
	if _, err := w.git(ctx, w.repoPath, "worktree", "remove", "--force", branch.Dir); err != nil {
		if _, statErr := os.Stat(branch.Dir); errors.Is(statErr, os.ErrNotExist) {
			_, _ = w.git(ctx, w.repoPath, "worktree", "prune")
			return nil
		}
		return fmt.Errorf("failed to remove worktree %s: %w", branch.Dir, err)
	}
	return nil
}

var _ Workspace = (*GitWorkspace)(nil)
