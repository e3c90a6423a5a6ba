package store

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// Transaction is an ordered list of mutations applied together or not at all.
type Transaction struct {
	ID string

	// ExpectedRevision, when non-zero, must equal the stored revision.
	ExpectedRevision int64

	Reason    string
	Mutations []Mutation
}

// NewTransaction returns a transaction with a fresh id.
func NewTransaction(expectedRevision int64, reason string, mutations ...Mutation) Transaction {
	return Transaction{
		ID:               uuid.NewString(),
		ExpectedRevision: expectedRevision,
		Reason:           reason,
		Mutations:        mutations,
	}
}

func (tx Transaction) names() []string {
	out := make([]string, len(tx.Mutations))
	for i, m := range tx.Mutations {
		out[i] = m.Name()
	}
	return out
}

// Mutation is one field-level update inside a transaction.
type Mutation interface {
	Name() string
	Apply(state *domain.SpecState, now time.Time) error
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), tideerrors.ErrInvalidMutation)
}

// SetTaskStatus changes one task's status and records worker output on it.
type SetTaskStatus struct {
	TaskID  string
	Status  constants.TaskStatus
	Blocker string

	// Commits are appended to the task's commit list.
	Commits []string

	// Attempts, when non-zero, replaces the attempt counter.
	Attempts int
}

// Name implements Mutation.
func (m SetTaskStatus) Name() string { return "set_task_status" }

// Apply implements Mutation.
func (m SetTaskStatus) Apply(state *domain.SpecState, now time.Time) error {
	t, ok := state.Tasks[m.TaskID]
	if !ok {
		return invalid("task %s: %v", m.TaskID, tideerrors.ErrUnknownTask)
	}
	if !m.Status.Valid() {
		return invalid("task %s: status %q", m.TaskID, m.Status)
	}
	t.Status = m.Status
	t.Blocker = m.Blocker
	t.Commits = append(t.Commits, m.Commits...)
	if m.Attempts != 0 {
		t.Attempts = m.Attempts
	}
	t.UpdatedAt = now
	return nil
}

// AddTasks inserts new tasks into the arena.
type AddTasks struct {
	Tasks []*domain.Task
}

// Name implements Mutation.
func (m AddTasks) Name() string { return "add_tasks" }

// Apply implements Mutation.
func (m AddTasks) Apply(state *domain.SpecState, now time.Time) error {
	for _, t := range m.Tasks {
		if t == nil || t.ID == "" {
			return invalid("task without id")
		}
		if _, exists := state.Tasks[t.ID]; exists {
			return invalid("task %s already exists", t.ID)
		}
		c := t.Clone()
		if c.Status == "" {
			c.Status = constants.TaskStatusPending
		}
		c.UpdatedAt = now
		state.Tasks[c.ID] = c
	}
	return nil
}

// AppendWaves adds planned waves after the last existing one and stamps
// each member task with its wave id. Existing waves are never renumbered.
type AppendWaves struct {
	Waves []domain.Wave
}

// Name implements Mutation.
func (m AppendWaves) Name() string { return "append_waves" }

// Apply implements Mutation.
func (m AppendWaves) Apply(state *domain.SpecState, _ time.Time) error {
	last := state.LastWaveID()
	for _, w := range m.Waves {
		if w.ID <= last {
			return invalid("wave %d does not follow wave %d", w.ID, last)
		}
		for _, id := range w.TaskIDs {
			t, ok := state.Tasks[id]
			if !ok {
				return invalid("wave %d: task %s: %v", w.ID, id, tideerrors.ErrUnknownTask)
			}
			if t.Wave != 0 {
				return invalid("task %s already planned in wave %d", id, t.Wave)
			}
			t.Wave = w.ID
		}
		state.Waves = append(state.Waves, w.Clone())
		last = w.ID
	}
	state.Execution.TotalWaves = len(state.Waves)
	return nil
}

// UpdateWave edits bookkeeping fields of one wave.
type UpdateWave struct {
	WaveID int
	Fn     func(w *domain.Wave)
}

// Name implements Mutation.
func (m UpdateWave) Name() string { return "update_wave" }

// Apply implements Mutation.
func (m UpdateWave) Apply(state *domain.SpecState, _ time.Time) error {
	w, ok := state.Wave(m.WaveID)
	if !ok {
		return invalid("wave %d not found", m.WaveID)
	}
	ids := slices.Clone(w.TaskIDs)
	m.Fn(w)
	if !slices.Equal(ids, w.TaskIDs) {
		return invalid("wave %d membership is immutable", m.WaveID)
	}
	return nil
}

// AddVerified appends claims to the verified artifact set.
type AddVerified struct {
	Claims []domain.ArtifactClaim
}

// Name implements Mutation.
func (m AddVerified) Name() string { return "add_verified" }

// Apply implements Mutation.
func (m AddVerified) Apply(state *domain.SpecState, _ time.Time) error {
	for _, c := range m.Claims {
		if !c.Kind.Valid() || c.Identifier == "" {
			return invalid("claim %q of kind %q", c.Identifier, c.Kind)
		}
		if _, ok := state.Tasks[c.SourceTaskID]; !ok {
			return invalid("claim %s: source task %s: %v", c.Identifier, c.SourceTaskID, tideerrors.ErrUnknownTask)
		}
	}
	state.Verified.Add(m.Claims...)
	return nil
}

// AddWarnings records unverified-claim warnings.
type AddWarnings struct {
	Warnings []domain.ArtifactWarning
}

// Name implements Mutation.
func (m AddWarnings) Name() string { return "add_warnings" }

// Apply implements Mutation.
func (m AddWarnings) Apply(state *domain.SpecState, _ time.Time) error {
	state.Warnings = append(state.Warnings, m.Warnings...)
	return nil
}

// AddRoadmap records deferred feedback.
type AddRoadmap struct {
	Drafts []domain.RoadmapDraft
}

// Name implements Mutation.
func (m AddRoadmap) Name() string { return "add_roadmap" }

// Apply implements Mutation.
func (m AddRoadmap) Apply(state *domain.SpecState, _ time.Time) error {
	state.Roadmap = append(state.Roadmap, m.Drafts...)
	return nil
}

// TransitionPhase moves the lifecycle to a new phase and appends history.
// Legality of the transition is the caller's concern; the store only records it.
type TransitionPhase struct {
	To     constants.Phase
	Reason string
}

// Name implements Mutation.
func (m TransitionPhase) Name() string { return "transition_phase" }

// Apply implements Mutation.
func (m TransitionPhase) Apply(state *domain.SpecState, now time.Time) error {
	from := state.Execution.Phase
	if m.To == constants.PhaseFailed && from != constants.PhaseFailed {
		state.Execution.FailedFrom = from
	}
	state.Execution.Phase = m.To
	state.Execution.History = append(state.Execution.History, domain.PhaseTransition{
		From:      from,
		To:        m.To,
		Wave:      state.Execution.CurrentWave,
		Reason:    m.Reason,
		Timestamp: now,
	})
	return nil
}

// UpdateExecution edits execution bookkeeping other than the phase itself.
type UpdateExecution struct {
	Fn func(e *domain.ExecutionState)
}

// Name implements Mutation.
func (m UpdateExecution) Name() string { return "update_execution" }

// Apply implements Mutation.
func (m UpdateExecution) Apply(state *domain.SpecState, _ time.Time) error {
	phase := state.Execution.Phase
	history := len(state.Execution.History)
	m.Fn(&state.Execution)
	if state.Execution.Phase != phase || len(state.Execution.History) != history {
		return invalid("phase and history change only through transition_phase")
	}
	return nil
}

// SetSession replaces the session record.
type SetSession struct {
	Session *domain.Session
}

// Name implements Mutation.
func (m SetSession) Name() string { return "set_session" }

// Apply implements Mutation.
func (m SetSession) Apply(state *domain.SpecState, _ time.Time) error {
	if m.Session == nil {
		state.Session = nil
		return nil
	}
	s := *m.Session
	state.Session = &s
	return nil
}

// ResetTasks returns tasks and their subtasks to pending and clears blockers.
// Commits are kept.
type ResetTasks struct {
	TaskIDs []string
}

// Name implements Mutation.
func (m ResetTasks) Name() string { return "reset_tasks" }

// Apply implements Mutation.
func (m ResetTasks) Apply(state *domain.SpecState, now time.Time) error {
	for _, id := range m.TaskIDs {
		t, ok := state.Tasks[id]
		if !ok {
			return invalid("task %s: %v", id, tideerrors.ErrUnknownTask)
		}
		for _, c := range append(state.Children(t), t) {
			if c.Status == constants.TaskStatusCompleted && c.IsSubtask() {
				continue
			}
			c.Status = constants.TaskStatusPending
			c.Blocker = ""
			c.Attempts = 0
			c.UpdatedAt = now
		}
	}
	return nil
}
