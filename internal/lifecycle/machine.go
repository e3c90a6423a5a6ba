package lifecycle

import (
	"fmt"
	"slices"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/coordinator"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// transitions lists the phases reachable from each phase. FAILED is left
// only through Reset or Recover, which bypass this table.
//
//nolint:gochecknoglobals // immutable transition table
var transitions = map[constants.Phase][]constants.Phase{
	constants.PhaseInit:             {constants.PhaseExecute, constants.PhaseFailed},
	constants.PhaseExecute:          {constants.PhaseExecute, constants.PhaseAwaitingReview, constants.PhaseFailed},
	constants.PhaseAwaitingReview:   {constants.PhaseAwaitingReview, constants.PhaseReviewProcessing, constants.PhaseFailed},
	constants.PhaseReviewProcessing: {constants.PhaseReadyToMerge, constants.PhaseFailed},
	constants.PhaseReadyToMerge:     {constants.PhaseExecute, constants.PhaseCompleted, constants.PhaseFailed},
	constants.PhaseCompleted:        {},
	constants.PhaseFailed:           {},
}

// CanTransition reports whether the machine may move from one phase to another.
func CanTransition(from, to constants.Phase) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to constants.Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, tideerrors.ErrInvalidTransition)
	}
	return nil
}

// Signal tells the caller why Advance returned.
type Signal string

const (
	// SignalCompleted means the spec reached COMPLETED.
	SignalCompleted Signal = "completed"

	// SignalFailed means the spec is in FAILED.
	SignalFailed Signal = "failed"

	// SignalTimeout means no review decision arrived within the polling window.
	SignalTimeout Signal = "timeout"

	// SignalPaused means a partial wave is waiting for a reset or an explicit override.
	SignalPaused Signal = "paused"
)

// ExitCode maps the signal onto the process exit code: 0 completed,
// 1 failed, 2 waiting.
func (s Signal) ExitCode() int {
	switch s {
	case SignalCompleted:
		return 0
	case SignalTimeout, SignalPaused:
		return 2
	case SignalFailed:
		return 1
	}
	return 1
}

// Outcome is what one Advance call achieved.
type Outcome struct {
	SpecID string
	Signal Signal
	Phase  constants.Phase
	Wave   int

	// Reports holds every wave run during the call, in order.
	Reports []*coordinator.WaveReport

	// Err explains a failed or paused outcome.
	Err error

	State *domain.SpecState
}

// nextWave returns the lowest wave after the given id that still has work.
// Waves whose tasks all completed out of order, such as feedback waves
// run during review, are skipped.
func nextWave(state *domain.SpecState, after int) (int, bool) {
	best := 0
	for _, w := range state.Waves {
		if w.ID <= after || (best != 0 && w.ID >= best) {
			continue
		}
		for _, t := range state.WaveTasks(w.ID) {
			if t.Status != constants.TaskStatusCompleted {
				best = w.ID
				break
			}
		}
	}
	return best, best != 0
}
