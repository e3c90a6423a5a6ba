package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/constants"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

//nolint:gochecknoglobals // compiled once
var prURLPattern = regexp.MustCompile(`/pull/(\d+)`)

// OpenReview pushes the branch and opens a pull request. If the branch
// already has an open pull request its number is returned instead.
func (w *GitWorkspace) OpenReview(ctx context.Context, branch Branch, target, title, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if title == "" {
		return "", fmt.Errorf("review title: %w", tideerrors.ErrEmptyValue)
	}
	if target == "" {
		target = branch.Base
	}

	if _, err := w.git(ctx, branch.Dir, "push", "--set-upstream", w.remote, branch.Name); err != nil {
		return "", fmt.Errorf("failed to push %s: %w", branch.Name, err)
	}

	if out, err := w.exec.Execute(ctx, branch.Dir, "gh", "pr", "view", branch.Name, "--json", "number,state"); err == nil {
		var pr struct {
			Number int    `json:"number"`
			State  string `json:"state"`
		}
		if json.Unmarshal(out, &pr) == nil && pr.Number > 0 && pr.State == "OPEN" {
			w.logger.Debug().Str("branch", branch.Name).Int("pr_number", pr.Number).Msg("reusing open pull request")
			return strconv.Itoa(pr.Number), nil
		}
	}

	if body == "" {
		body = title
	}
	out, err := w.exec.Execute(ctx, branch.Dir, "gh", "pr", "create",
		"--base", target, "--head", branch.Name, "--title", title, "--body", body)
	if err != nil {
		return "", fmt.Errorf("failed to open pull request: %w", err)
	}
	m := prURLPattern.FindStringSubmatch(string(out))
	if m == nil {
		return "", fmt.Errorf("unexpected gh output %q: %w", strings.TrimSpace(string(out)), tideerrors.ErrGitHubOperation)
	}

	w.logger.Info().Str("branch", branch.Name).Str("target", target).Str("pr_number", m[1]).Msg("pull request opened")
	return m[1], nil
}

// Merge merges the pull request with the configured method. A pull
// request that is already merged, for example by a run that stopped
// before recording it, counts as merged.
func (w *GitWorkspace) Merge(ctx context.Context, reviewID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := strconv.Atoi(reviewID); err != nil {
		return fmt.Errorf("invalid pull request number %q: %w", reviewID, tideerrors.ErrEmptyValue)
	}
	if w.prState(ctx, reviewID) == "MERGED" {
		w.logger.Info().Str("pr_number", reviewID).Msg("pull request already merged")
		return nil
	}

	args := []string{"pr", "merge", reviewID, "--delete-branch=false"}
	switch w.mergeMethod {
	case "merge":
		args = append(args, "--merge")
	case "rebase":
		args = append(args, "--rebase")
	default:
		args = append(args, "--squash")
	}

	if _, err := w.exec.Execute(ctx, w.repoPath, "gh", args...); err != nil {
		if w.prState(ctx, reviewID) == "MERGED" {
			return nil
		}
		if isMergeConflict(err.Error()) {
			return fmt.Errorf("pull request #%s: %w", reviewID, tideerrors.ErrMergeConflict)
		}
		return fmt.Errorf("failed to merge pull request #%s: %w", reviewID, err)
	}

	w.logger.Info().Str("pr_number", reviewID).Str("method", w.mergeMethod).Msg("pull request merged")
	return nil
}

// prState returns the pull request's state, or "" when it cannot be read.
func (w *GitWorkspace) prState(ctx context.Context, reviewID string) string {
	out, err := w.exec.Execute(ctx, w.repoPath, "gh", "pr", "view", reviewID, "--json", "state")
	if err != nil {
		return ""
	}
	var pr struct {
		State string `json:"state"`
	}
	if json.Unmarshal(out, &pr) != nil {
		return ""
	}
	return pr.State
}

func isMergeConflict(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range []string{"merge conflict", "not mergeable", "conflicts", "is not clean"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// GitHubReviewer reads pull request reviews through gh.
type GitHubReviewer struct {
	workDir string
	exec    CommandExecutor
	logger  zerolog.Logger
}

// NewGitHubReviewer creates a reviewer that runs gh in workDir.
func NewGitHubReviewer(workDir string, exec CommandExecutor, logger zerolog.Logger) *GitHubReviewer {
	if exec == nil {
		exec = defaultCommandExecutor{}
	}
	return &GitHubReviewer{workDir: workDir, exec: exec, logger: logger}
}

type ghReview struct {
	State string `json:"state"`
	Body  string `json:"body"`
}

type ghPRView struct {
	State          string     `json:"state"`
	ReviewDecision string     `json:"reviewDecision"`
	Reviews        []ghReview `json:"reviews"`
}

func (r *GitHubReviewer) view(ctx context.Context, reviewID string) (*ghPRView, error) {
	out, err := r.exec.Execute(ctx, r.workDir, "gh", "pr", "view", reviewID, "--json", "state,reviewDecision,reviews")
	if err != nil {
		return nil, fmt.Errorf("failed to read pull request #%s: %w", reviewID, err)
	}
	var v ghPRView
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, fmt.Errorf("failed to parse pull request #%s: %w: %w", reviewID, tideerrors.ErrGitHubOperation, err)
	}
	return &v, nil
}

// PollDecision maps the pull request's review decision. A pull request
// merged outside tide counts as approved.
func (r *GitHubReviewer) PollDecision(ctx context.Context, reviewID string) (constants.ReviewDecision, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := r.view(ctx, reviewID)
	if err != nil {
		return "", err
	}

	decision := constants.ReviewPending
	switch {
	case v.ReviewDecision == "APPROVED" || v.State == "MERGED":
		decision = constants.ReviewApproved
	case v.ReviewDecision == "CHANGES_REQUESTED":
		decision = constants.ReviewChangesRequested
	}
	r.logger.Debug().Str("pr_number", reviewID).Str("decision", string(decision)).Msg("review polled")
	return decision, nil
}

// Feedback returns the non-empty bodies of reviews that requested changes
// or commented, oldest first.
func (r *GitHubReviewer) Feedback(ctx context.Context, reviewID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := r.view(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rv := range v.Reviews {
		if rv.State != "CHANGES_REQUESTED" && rv.State != "COMMENTED" {
			continue
		}
		if body := strings.TrimSpace(rv.Body); body != "" {
			out = append(out, body)
		}
	}
	return out, nil
}

var _ Reviewer = (*GitHubReviewer)(nil)
