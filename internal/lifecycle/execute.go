package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/coordinator"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/message"
	"github.com/mrz1836/tide/internal/store"
	"github.com/mrz1836/tide/internal/vcs"
)

// execute runs the current wave, then either opens its review or, when
// reviews are per spec, moves straight on to the next wave.
func (a *advance) execute(ctx context.Context) (bool, error) {
	exec := a.state.Execution
	waveID := exec.CurrentWave

	if exec.ResumeStep != constants.ResumeStepExecuted {
		branch, err := a.branch(ctx, waveID)
		if err != nil {
			return false, err
		}
		report, err := a.runWave(ctx, waveID, branch)
		if err != nil {
			return false, err
		}
		if done, err := a.judge(ctx, report); done || err != nil {
			return done, err
		}
		if err := a.apply(ctx, "wave executed", store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
			x.ResumeStep = constants.ResumeStepExecuted
		}}); err != nil {
			return false, err
		}
	}

	next, more := nextWave(a.state, waveID)
	if a.engine.settings.Granularity == constants.ReviewPerSpec && more {
		return false, a.transition(ctx, constants.PhaseExecute, fmt.Sprintf("wave %d done, continue with wave %d", waveID, next),
			store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
				x.CurrentWave = next
				x.ResumeStep = constants.ResumeStepNone
			}})
	}
	return false, a.openReview(ctx)
}

// branch returns the isolated branch for a wave. Reviews per spec share
// one branch named after the spec; reviews per wave get one branch each.
func (a *advance) branch(ctx context.Context, waveID int) (vcs.Branch, error) {
	hint := a.branchHint(waveID)
	b, err := a.engine.workspace.CreateIsolatedBranch(ctx, a.engine.settings.BaseBranch, hint)
	if err != nil {
		return vcs.Branch{}, fmt.Errorf("failed to prepare branch for wave %d: %w", waveID, err)
	}
	return b, nil
}

func (a *advance) branchHint(waveID int) string {
	if a.engine.settings.Granularity == constants.ReviewPerSpec {
		return a.specID
	}
	return fmt.Sprintf("%s wave %d", a.specID, waveID)
}

// runWave hands the wave to the coordinator and refreshes the state it wrote.
func (a *advance) runWave(ctx context.Context, waveID int, b vcs.Branch) (*coordinator.WaveReport, error) {
	ws := domain.Workspace{BranchID: b.Name, Dir: b.Dir, Base: b.Base}
	report, state, err := a.engine.runner.RunWave(ctx, a.specID, waveID, ws)
	if err != nil {
		return nil, err
	}
	a.state = state
	a.out.Reports = append(a.out.Reports, report)
	return report, nil
}

// judge applies the partial policy to a wave report. It returns true when
// Advance must stop.
func (a *advance) judge(ctx context.Context, report *coordinator.WaveReport) (bool, error) {
	switch report.Outcome {
	case constants.WaveOutcomeComplete:
		return false, nil
	case constants.WaveOutcomeBlocked:
		return a.fail(ctx, a.waveError(report, tideerrors.ErrWaveBlocked))
	case constants.WaveOutcomePartial:
	}

	policy := a.engine.settings.PartialPolicy
	if policy == constants.PartialPolicyPause && a.opts.AllowPartial {
		policy = constants.PartialPolicyProceed
	}
	switch policy {
	case constants.PartialPolicyHalt:
		return a.fail(ctx, a.waveError(report, tideerrors.ErrWavePartial))
	case constants.PartialPolicyProceed:
		a.log.Warn().
			Int("wave", report.Wave).
			Strs("failed", report.Failed()).
			Strs("blocked", report.Blocked()).
			Msg("proceeding past partial wave")
		return false, nil
	case constants.PartialPolicyPause:
	}

	a.log.Warn().Int("wave", report.Wave).Msg("partial wave, pausing")
	a.finish(SignalPaused, &tideerrors.OrchestrationError{
		Op: "advance", SpecID: a.specID, Wave: report.Wave, Phase: string(a.state.Execution.Phase),
		Remediation: "run 'tide reset " + a.specID + "' to retry the failed tasks, or 'tide advance " + a.specID + " --allow-partial' to continue",
		Err:         tideerrors.ErrWavePartial,
	})
	return true, nil
}

func (a *advance) waveError(report *coordinator.WaveReport, sentinel error) error {
	blockers := report.Blockers()
	detail := ""
	for _, id := range append(report.Failed(), report.Blocked()...) {
		if b := blockers[id]; b != "" {
			detail = fmt.Sprintf(" (%s: %s)", id, b)
			break
		}
	}
	return fmt.Errorf("wave %d%s: %w", report.Wave, detail, sentinel)
}

// openReview publishes the current branch and waits for a decision.
func (a *advance) openReview(ctx context.Context) error {
	waveID := a.state.Execution.CurrentWave
	b, err := a.branch(ctx, waveID)
	if err != nil {
		return err
	}
	title, body := a.reviewText(waveID)
	id, err := a.engine.workspace.OpenReview(ctx, b, a.engine.settings.BaseBranch, title, body)
	if err != nil {
		return fmt.Errorf("failed to open review for wave %d: %w", waveID, err)
	}
	return a.transition(ctx, constants.PhaseAwaitingReview, "review "+id+" opened",
		store.UpdateWave{WaveID: waveID, Fn: func(w *domain.Wave) {
			w.ReviewID = id
			w.BranchID = b.Name
		}},
		store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
			x.ResumeStep = constants.ResumeStepReviewOpen
			x.ReviewDecision = constants.ReviewPending
			x.PollStartedAt = nil
			x.PollDeadline = nil
		}})
}

// reviewText renders the title and body of the review for waveID, or of
// the whole spec under per-spec granularity.
func (a *advance) reviewText(waveID int) (string, string) {
	data := message.ReviewData{SpecID: a.specID, TotalWaves: a.state.Execution.TotalWaves}
	tasks := a.state.TopLevel()
	if a.engine.settings.Granularity != constants.ReviewPerSpec {
		data.Wave = waveID
		tasks = a.state.WaveTasks(waveID)
	}

	inScope := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inScope[t.ID] = true
		data.Tasks = append(data.Tasks, message.ReviewTask{
			ID:          t.ID,
			Description: t.Description,
			Done:        t.Status == constants.TaskStatusCompleted,
		})
	}
	for _, c := range a.state.Verified.Artifacts {
		if inScope[c.SourceTaskID] {
			data.Verified = append(data.Verified, string(c.Kind)+":"+c.Identifier)
		}
	}
	for _, w := range a.state.Warnings {
		if data.Wave == 0 || w.Wave == data.Wave {
			data.Unverified = append(data.Unverified, fmt.Sprintf("%s:%s (%s)", w.Claim.Kind, w.Claim.Identifier, w.Reason))
		}
	}
	for _, id := range a.state.TaskIDs() {
		t := a.state.Tasks[id]
		if t.Feedback != "" && (data.Wave == 0 || t.Wave == data.Wave) {
			data.Feedback = append(data.Feedback, t.Feedback)
		}
	}

	title, body, err := message.Review(data)
	if err != nil {
		a.engine.logger.Warn().Err(err).Str("spec_id", a.specID).Msg("review template failed, using plain text")
		return fmt.Sprintf("tide: %s wave %d", a.specID, waveID), strings.Join(a.state.TaskIDs(), "\n")
	}
	return strings.TrimSpace(title), body
}
