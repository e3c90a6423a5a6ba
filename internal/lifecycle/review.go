package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/feedback"
	"github.com/mrz1836/tide/internal/planner"
	"github.com/mrz1836/tide/internal/store"
)

func (a *advance) reviewID() (string, error) {
	waveID := a.state.Execution.CurrentWave
	w, ok := a.state.Wave(waveID)
	if !ok || w.ReviewID == "" {
		return "", fmt.Errorf("wave %d has no open review: %w", waveID, tideerrors.ErrStateCorruption)
	}
	return w.ReviewID, nil
}

// awaitReview polls until a decision arrives or the polling window closes.
// The window is persisted, so a later invocation continues the same window
// until its deadline passes.
func (a *advance) awaitReview(ctx context.Context) (bool, error) {
	reviewID, err := a.reviewID()
	if err != nil {
		return false, err
	}
	cl := a.engine.clock
	s := a.engine.settings

	if d := a.state.Execution.PollDeadline; d == nil || !cl.Now().Before(*d) {
		start := cl.Now()
		deadline := start.Add(orDefault(s.MaxDuration, constants.DefaultReviewMaxDuration))
		if err := a.apply(ctx, "polling review "+reviewID, store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
			x.PollStartedAt = &start
			x.PollDeadline = &deadline
		}}); err != nil {
			return false, err
		}
	}
	deadline := *a.state.Execution.PollDeadline
	interval := orDefault(s.PollInterval, constants.DefaultReviewPollInterval)

	for {
		decision, err := a.engine.reviewer.PollDecision(ctx, reviewID)
		if err != nil {
			return false, fmt.Errorf("failed to poll review %s: %w", reviewID, err)
		}
		a.log.Debug().Str("review_id", reviewID).Str("decision", string(decision)).Msg("review polled")

		if decision == constants.ReviewApproved || decision == constants.ReviewChangesRequested {
			return false, a.transition(ctx, constants.PhaseReviewProcessing, "review "+string(decision),
				store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
					x.ReviewDecision = decision
					x.PollStartedAt = nil
					x.PollDeadline = nil
				}})
		}

		now := cl.Now()
		if !now.Before(deadline) {
			return a.timeout(ctx, reviewID)
		}
		if err := cl.Sleep(ctx, min(interval, deadline.Sub(now))); err != nil {
			return false, err
		}
	}
}

// timeout closes the polling window and leaves the spec waiting.
func (a *advance) timeout(ctx context.Context, reviewID string) (bool, error) {
	err := a.transition(ctx, constants.PhaseAwaitingReview, "review timeout",
		store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
			x.PollStartedAt = nil
			x.PollDeadline = nil
		}})
	if err != nil {
		return false, err
	}
	a.log.Warn().Str("review_id", reviewID).Msg("no review decision before deadline")
	a.finish(SignalTimeout, &tideerrors.OrchestrationError{
		Op: "await review", SpecID: a.specID, Wave: a.state.Execution.CurrentWave, Phase: string(constants.PhaseAwaitingReview),
		Remediation: "run 'tide advance " + a.specID + "' again once review " + reviewID + " has a decision",
		Err:         tideerrors.ErrReviewTimeout,
	})
	return true, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// processReview acts on the persisted decision.
func (a *advance) processReview(ctx context.Context) (bool, error) {
	switch decision := a.state.Execution.ReviewDecision; decision {
	case constants.ReviewApproved:
		return false, a.transition(ctx, constants.PhaseReadyToMerge, "review approved")
	case constants.ReviewChangesRequested:
		return a.applyFeedback(ctx)
	default:
		return false, fmt.Errorf("review decision %q: %w", decision, tideerrors.ErrStateCorruption)
	}
}

// applyFeedback turns actionable comments into feedback tasks, runs them on
// the review branch, defers the rest to the roadmap and pushes the result.
// Comments already recorded are skipped, so a resumed call adds nothing twice.
func (a *advance) applyFeedback(ctx context.Context) (bool, error) {
	reviewID, err := a.reviewID()
	if err != nil {
		return false, err
	}
	waveID := a.state.Execution.CurrentWave

	comments, err := a.engine.reviewer.Feedback(ctx, reviewID)
	if err != nil {
		return false, fmt.Errorf("failed to read feedback for review %s: %w", reviewID, err)
	}
	drafts, roadmap := feedback.ClassifyAll(comments, reviewID, waveID, a.engine.clock.Now())
	drafts, roadmap = a.unseen(drafts, roadmap)

	if len(drafts) > 0 || len(roadmap) > 0 {
		if err := a.recordFeedback(ctx, waveID, drafts, roadmap); err != nil {
			return false, err
		}
	}

	for _, id := range a.feedbackWaves() {
		b, err := a.branch(ctx, waveID)
		if err != nil {
			return false, err
		}
		report, err := a.runWave(ctx, id, b)
		if err != nil {
			return false, err
		}
		if done, err := a.judge(ctx, report); done || err != nil {
			return done, err
		}
	}

	b, err := a.branch(ctx, waveID)
	if err != nil {
		return false, err
	}
	title, body := a.reviewText(waveID)
	if _, err := a.engine.workspace.OpenReview(ctx, b, a.engine.settings.BaseBranch, title, body); err != nil {
		return false, fmt.Errorf("failed to update review %s: %w", reviewID, err)
	}
	return false, a.transition(ctx, constants.PhaseReadyToMerge, fmt.Sprintf("feedback applied (%d tasks)", len(drafts)))
}

// unseen drops drafts whose comment is already a task or roadmap entry.
func (a *advance) unseen(drafts []domain.TaskDraft, roadmap []domain.RoadmapDraft) ([]domain.TaskDraft, []domain.RoadmapDraft) {
	seen := make(map[string]bool)
	for _, t := range a.state.Tasks {
		if t.Feedback != "" {
			seen[t.Feedback] = true
		}
	}
	for _, r := range a.state.Roadmap {
		seen[r.Feedback] = true
	}

	var outTasks []domain.TaskDraft
	for _, d := range drafts {
		if !seen[d.Feedback] {
			seen[d.Feedback] = true
			outTasks = append(outTasks, d)
		}
	}
	var outRoadmap []domain.RoadmapDraft
	for _, r := range roadmap {
		if !seen[r.Feedback] {
			seen[r.Feedback] = true
			outRoadmap = append(outRoadmap, r)
		}
	}
	return outTasks, outRoadmap
}

// recordFeedback adds the feedback tasks, plans them into new waves after
// every existing wave and records the roadmap, all in one transaction.
func (a *advance) recordFeedback(ctx context.Context, waveID int, drafts []domain.TaskDraft, roadmap []domain.RoadmapDraft) error {
	tasks := a.feedbackTasks(waveID, drafts)

	top := a.state.TopLevel()
	for _, t := range tasks {
		if !t.IsSubtask() {
			top = append(top, t)
		}
	}
	waves, err := planner.Replan(a.state.Waves, top)
	if err != nil {
		return fmt.Errorf("failed to plan feedback tasks: %w", err)
	}

	muts := []store.Mutation{store.AddTasks{Tasks: tasks}, store.AppendWaves{Waves: waves}}
	if len(roadmap) > 0 {
		muts = append(muts, store.AddRoadmap{Drafts: roadmap})
	}
	if err := a.apply(ctx, "review feedback", muts...); err != nil {
		return err
	}
	a.log.Info().
		Int("wave", waveID).
		Int("tasks", len(drafts)).
		Int("roadmap", len(roadmap)).
		Msg("review feedback recorded")
	return nil
}

// feedbackTasks builds one parent and one unscripted subtask per draft,
// numbered after any feedback tasks an earlier review round created.
func (a *advance) feedbackTasks(waveID int, drafts []domain.TaskDraft) []*domain.Task {
	prefix := "FB-" + strconv.Itoa(waveID) + "-"
	n := 0
	for id := range a.state.Tasks {
		if strings.HasPrefix(id, prefix) && !strings.Contains(strings.TrimPrefix(id, prefix), ".") {
			n++
		}
	}

	out := make([]*domain.Task, 0, 2*len(drafts))
	for _, d := range drafts {
		n++
		id := prefix + strconv.Itoa(n)
		sub := &domain.Task{
			ID:          id + ".1",
			ParentID:    id,
			Description: d.Description,
			Status:      constants.TaskStatusPending,
			Origin:      constants.TaskOriginFeedback,
			Feedback:    d.Feedback,
		}
		parent := &domain.Task{
			ID:          id,
			Description: d.Description,
			Status:      constants.TaskStatusPending,
			Produces:    domain.ProducesHint{Files: append([]string(nil), d.Files...)},
			Subtasks:    []string{sub.ID},
			Origin:      constants.TaskOriginFeedback,
			Feedback:    d.Feedback,
		}
		out = append(out, parent, sub)
	}
	return out
}

// feedbackWaves lists waves holding unfinished feedback tasks, in order.
func (a *advance) feedbackWaves() []int {
	var ids []int
	for _, w := range a.state.Waves {
		for _, t := range a.state.WaveTasks(w.ID) {
			if t.Origin == constants.TaskOriginFeedback && t.Status != constants.TaskStatusCompleted {
				ids = append(ids, w.ID)
				break
			}
		}
	}
	return ids
}

// merge merges the approved review, releases its checkout and moves to the
// next wave with work, or completes the spec.
func (a *advance) merge(ctx context.Context) (bool, error) {
	waveID := a.state.Execution.CurrentWave

	if a.state.Execution.ResumeStep != constants.ResumeStepMerged {
		reviewID, err := a.reviewID()
		if err != nil {
			return false, err
		}
		b, err := a.branch(ctx, waveID)
		if err != nil {
			return false, err
		}
		if err := a.engine.workspace.Merge(ctx, reviewID); err != nil {
			if errors.Is(err, tideerrors.ErrMergeConflict) {
				return a.fail(ctx, err)
			}
			return false, err
		}

		now := a.engine.clock.Now()
		muts := []store.Mutation{store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
			x.ResumeStep = constants.ResumeStepMerged
		}}}
		for _, w := range a.state.Waves {
			if w.CompletedAt != nil && w.MergedAt == nil {
				muts = append(muts, store.UpdateWave{WaveID: w.ID, Fn: func(w *domain.Wave) {
					w.MergedAt = &now
				}})
			}
		}
		if err := a.apply(ctx, "review "+reviewID+" merged", muts...); err != nil {
			return false, err
		}
		if err := a.engine.workspace.Release(ctx, b); err != nil {
			a.log.Warn().Err(err).Str("branch", b.Name).Msg("failed to release branch checkout")
		}
	}

	if next, more := nextWave(a.state, waveID); more {
		return false, a.transition(ctx, constants.PhaseExecute, fmt.Sprintf("wave %d merged", waveID),
			store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
				x.CurrentWave = next
				x.ResumeStep = constants.ResumeStepNone
				x.ReviewDecision = ""
			}})
	}
	return false, a.transition(ctx, constants.PhaseCompleted, "all waves merged")
}
