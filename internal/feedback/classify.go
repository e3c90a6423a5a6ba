// Package feedback turns review comments into new work.
//
// Classify is a pure function: each comment becomes either a TaskDraft,
// which the lifecycle plans and executes on the review branch, or a
// RoadmapDraft, which is stored for later planning. Comments that carry
// no actionable content (approvals, thanks) produce nothing.
package feedback

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mrz1836/tide/internal/domain"
)

// Kind is the classification of one comment.
type Kind int

const (
	// KindNone means the comment asks for nothing.
	KindNone Kind = iota
	// KindTask means the comment asks for a change in this review.
	KindTask
	// KindRoadmap means the comment defers work to a later iteration.
	KindRoadmap
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTask:
		return "task"
	case KindRoadmap:
		return "roadmap"
	default:
		return "unknown"
	}
}

// Classification is the result for one comment. Exactly one of Task and
// Roadmap is set unless Kind is KindNone.
type Classification struct {
	Kind    Kind
	Task    *domain.TaskDraft
	Roadmap *domain.RoadmapDraft
}

// PatternMatcher checks if a string contains any of a list of patterns.
// Patterns are lowercase; input is lowercased before matching.
type PatternMatcher struct {
	patterns []string
}

// NewPatternMatcher creates a PatternMatcher.
func NewPatternMatcher(patterns ...string) *PatternMatcher {
	return &PatternMatcher{patterns: patterns}
}

// Matches reports whether s contains any pattern.
func (m *PatternMatcher) Matches(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range m.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

//nolint:gochecknoglobals // immutable matchers
var (
	deferPatterns = NewPatternMatcher(
		"later",
		"follow-up",
		"follow up",
		"followup",
		"future",
		"roadmap",
		"nice to have",
		"nice-to-have",
		"out of scope",
		"separate pr",
		"next iteration",
		"not blocking",
		"non-blocking",
	)

	// acknowledgements are only ignored when they are the whole comment
	acknowledgements = map[string]bool{
		"lgtm": true, "looks good": true, "looks good to me": true, "approved": true,
		"thanks": true, "thank you": true, "ship it": true, "+1": true, "nice": true,
	}

	pathPattern = regexp.MustCompile("`?([A-Za-z0-9_.\\-]+(?:/[A-Za-z0-9_.\\-]+)*\\.[A-Za-z0-9]{1,8})`?")
)

// Classify sorts one review comment into a task or a roadmap draft.
func Classify(comment string) Classification {
	text := strings.TrimSpace(comment)
	normalized := strings.ToLower(strings.Trim(text, " .!\t\n"))
	if normalized == "" || acknowledgements[normalized] {
		return Classification{Kind: KindNone}
	}

	if deferPatterns.Matches(text) {
		return Classification{
			Kind:    KindRoadmap,
			Roadmap: &domain.RoadmapDraft{Title: summarize(text), Feedback: text},
		}
	}

	return Classification{
		Kind: KindTask,
		Task: &domain.TaskDraft{Description: summarize(text), Files: extractPaths(text), Feedback: text},
	}
}

// ClassifyAll classifies comments in order and stamps roadmap drafts with
// their origin.
func ClassifyAll(comments []string, reviewID string, wave int, now time.Time) ([]domain.TaskDraft, []domain.RoadmapDraft) {
	var tasks []domain.TaskDraft
	var roadmap []domain.RoadmapDraft
	for _, c := range comments {
		res := Classify(c)
		switch res.Kind {
		case KindTask:
			tasks = append(tasks, *res.Task)
		case KindRoadmap:
			r := *res.Roadmap
			r.ReviewID = reviewID
			r.Wave = wave
			r.CreatedAt = now
			roadmap = append(roadmap, r)
		case KindNone:
		}
	}
	return tasks, roadmap
}

// summarize returns the first line, capped to a short title.
func summarize(text string) string {
	const maxLen = 72
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if len(line) > maxLen {
		line = strings.TrimSpace(line[:maxLen-3]) + "..."
	}
	return line
}

// looksLikePath filters out abbreviations like "e.g" and version numbers.
func looksLikePath(p string) bool {
	ext := path.Ext(p)
	if !strings.ContainsAny(ext, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return false
	}
	return strings.Contains(p, "/") || len(ext) >= 3
}

// extractPaths returns file-like tokens mentioned in the comment, sorted.
// URLs are ignored.
func extractPaths(text string) []string {
	seen := make(map[string]bool)
	for _, field := range strings.Fields(text) {
		if strings.Contains(field, "://") {
			continue
		}
		for _, m := range pathPattern.FindAllStringSubmatch(field, -1) {
			p := strings.TrimRight(m[1], ".")
			if looksLikePath(p) {
				seen[p] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
