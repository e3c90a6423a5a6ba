package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/manifest"
	"github.com/mrz1836/tide/internal/store"
)

// Reset retries the current wave: its unfinished tasks, and those of any
// later wave, go back to pending. A FAILED spec returns to the phase it
// failed from; a spec in review with tasks to retry returns to EXECUTE so
// they run again before the review is reopened. Completed subtasks and
// recorded commits are kept.
func (e *Engine) Reset(ctx context.Context, specID string) (*domain.SpecState, error) {
	state, err := e.store.Load(ctx, specID)
	if err != nil {
		return nil, err
	}
	exec := state.Execution
	if exec.Phase == constants.PhaseCompleted {
		return nil, &tideerrors.OrchestrationError{
			Op: "reset", SpecID: specID, Phase: string(exec.Phase),
			Remediation: "run 'tide recover " + specID + "' to start the spec over",
			Err:         tideerrors.ErrSpecTerminal,
		}
	}

	var ids []string
	for _, t := range state.TopLevel() {
		if t.Wave < exec.CurrentWave {
			continue
		}
		switch t.Status {
		case constants.TaskStatusInProgress, constants.TaskStatusFailed, constants.TaskStatusBlocked:
			ids = append(ids, t.ID)
		case constants.TaskStatusPending, constants.TaskStatusCompleted:
		}
	}

	target := exec.Phase
	if target == constants.PhaseFailed {
		target = exec.FailedFrom
		if target == "" {
			target = constants.PhaseInit
		}
	}
	// Tasks reset during a review only run again from EXECUTE.
	if len(ids) > 0 && inReview(target) {
		if exec.ResumeStep == constants.ResumeStepMerged {
			return nil, &tideerrors.OrchestrationError{
				Op: "reset", SpecID: specID, Wave: exec.CurrentWave, Phase: string(exec.Phase),
				Remediation: "run 'tide advance " + specID + "' to finish the merged wave first",
				Err:         tideerrors.ErrInvalidTransition,
			}
		}
		target = constants.PhaseExecute
	}

	var muts []store.Mutation
	if len(ids) > 0 {
		muts = append(muts, store.ResetTasks{TaskIDs: ids})
	}
	if target != exec.Phase {
		muts = append(muts, store.TransitionPhase{To: target, Reason: "reset"})
	}
	muts = append(muts, store.UpdateExecution{Fn: func(x *domain.ExecutionState) {
		x.LastError = ""
		x.FailedFrom = ""
		x.PollStartedAt = nil
		x.PollDeadline = nil
		if target == constants.PhaseExecute {
			x.ResumeStep = constants.ResumeStepNone
			x.ReviewDecision = ""
		}
	}})

	next, err := e.store.Apply(ctx, specID, store.NewTransaction(state.Revision, "reset", muts...))
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("spec_id", specID).
		Str("phase", string(target)).
		Int("wave", exec.CurrentWave).
		Strs("tasks", ids).
		Msg("spec reset")
	return next, nil
}

func inReview(p constants.Phase) bool {
	switch p {
	case constants.PhaseAwaitingReview, constants.PhaseReviewProcessing, constants.PhaseReadyToMerge:
		return true
	default:
		return false
	}
}

// Recover discards every trace of the spec's progress and re-initializes it
// at INIT from the manifest stored by Init. The event log survives.
func (e *Engine) Recover(ctx context.Context, specID string) (*domain.SpecState, error) {
	data, err := e.store.LoadManifest(ctx, specID)
	if err != nil {
		return nil, &tideerrors.OrchestrationError{
			Op: "recover", SpecID: specID,
			Remediation: "run 'tide init " + specID + " --tasks <file>' to start from a manifest",
			Err:         err,
		}
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("stored manifest for %s: %w", specID, err)
	}
	state, err := e.buildState(specID, m.BuildTasks())
	if err != nil {
		return nil, err
	}

	if err := e.store.Discard(ctx, specID); err != nil && !errors.Is(err, tideerrors.ErrSpecNotFound) {
		return nil, err
	}
	if err := e.store.Create(ctx, state); err != nil {
		return nil, err
	}
	e.logger.Warn().
		Str("spec_id", specID).
		Int("waves", len(state.Waves)).
		Msg("spec recovered from manifest")
	return e.store.Load(ctx, specID)
}
