// Package vcs provides the workspace and review collaborators the
// orchestration core depends on.
//
// The core needs four workspace capabilities (create an isolated branch,
// commit, open a review, merge) and one review capability (poll for a
// decision and read its feedback). The git implementation gives every
// isolated branch its own worktree; reviews are GitHub pull requests
// driven through the gh CLI.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mrz1836/tide/internal/constants"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// Branch is an isolated branch checked out in its own directory.
type Branch struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
	Base string `json:"base"`
}

// Workspace creates isolated branches and moves their work toward the trunk.
type Workspace interface {
	// CreateIsolatedBranch creates, or reopens after a crash, the branch
	// derived from hint and returns where it is checked out.
	CreateIsolatedBranch(ctx context.Context, base, hint string) (Branch, error)

	// Commit records the given paths (all changes when empty) as one
	// commit and returns its id.
	Commit(ctx context.Context, branch Branch, paths []string, message string) (string, error)

	// OpenReview publishes the branch and opens a review against target.
	// Reopening an existing review returns its id.
	OpenReview(ctx context.Context, branch Branch, target, title, body string) (string, error)

	// Merge merges an approved review. Returns ErrMergeConflict when the
	// review cannot be merged cleanly.
	Merge(ctx context.Context, reviewID string) error

	// Release removes the branch's checkout. The branch itself is kept.
	Release(ctx context.Context, branch Branch) error
}

// Reviewer reads review decisions.
type Reviewer interface {
	// PollDecision returns the current decision without blocking.
	PollDecision(ctx context.Context, reviewID string) (constants.ReviewDecision, error)

	// Feedback returns the review comments that ask for changes.
	Feedback(ctx context.Context, reviewID string) ([]string, error)
}

// CommandExecutor runs external commands. Tests substitute a fake.
type CommandExecutor interface {
	Execute(ctx context.Context, workDir, name string, args ...string) ([]byte, error)
}

type defaultCommandExecutor struct{}

// Execute runs the command and wraps failures with the tool's sentinel,
// keeping stderr for classification.
func (defaultCommandExecutor) Execute(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //#nosec G204 -- args are constructed internally
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sentinel := tideerrors.ErrGitOperation
		if name == "gh" {
			sentinel = tideerrors.ErrGitHubOperation
		}
		sub := ""
		if len(args) > 0 {
			sub = " " + args[0]
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s%s failed: %s: %w", name, sub, msg, sentinel)
		}
		return stdout.Bytes(), fmt.Errorf("%s%s failed: %w", name, sub, sentinel)
	}
	return stdout.Bytes(), nil
}

// BranchName derives the isolated branch name for a hint such as
// "auth wave 2".
func BranchName(hint string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(hint) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	name := strings.Trim(b.String(), "-.")
	name = strings.ReplaceAll(name, "..", ".")
	if name == "" {
		name = "work"
	}
	return constants.BranchPrefixWave + name
}
