package domain

import (
	"slices"
	"sort"
	"time"

	"github.com/mrz1836/tide/internal/constants"
)

// PhaseTransition records one lifecycle phase change.
type PhaseTransition struct {
	From      constants.Phase `json:"from"`
	To        constants.Phase `json:"to"`
	Wave      int             `json:"wave,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExecutionState is the spec-level lifecycle record.
type ExecutionState struct {
	Phase       constants.Phase `json:"phase"`
	CurrentWave int             `json:"current_wave"`
	TotalWaves  int             `json:"total_waves"`

	PollStartedAt *time.Time `json:"poll_started_at,omitempty"`
	PollDeadline  *time.Time `json:"poll_deadline,omitempty"`

	// ResumeStep names the sub-step of the current wave that already finished.
	ResumeStep constants.ResumeStep `json:"resume_phase,omitempty"`

	// FailedFrom is the phase a reset returns a FAILED spec to.
	FailedFrom constants.Phase `json:"failed_from,omitempty"`

	LastError      string                   `json:"last_error,omitempty"`
	ReviewDecision constants.ReviewDecision `json:"review_decision,omitempty"`

	// History is append-only.
	History []PhaseTransition `json:"history"`
}

// Clone returns a deep copy of the execution state.
func (e ExecutionState) Clone() ExecutionState {
	c := e
	c.History = slices.Clone(e.History)
	if e.PollStartedAt != nil {
		t := *e.PollStartedAt
		c.PollStartedAt = &t
	}
	if e.PollDeadline != nil {
		t := *e.PollDeadline
		c.PollDeadline = &t
	}
	return c
}

// SpecState is everything the store persists for one spec.
// Tasks form an arena keyed by id; adjacency lives in DependsOn and Subtasks.
type SpecState struct {
	SchemaVersion string    `json:"schema_version"`
	SpecID        string    `json:"spec_id"`
	Revision      int64     `json:"revision"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Tasks     map[string]*Task    `json:"tasks"`
	Waves     []Wave              `json:"waves"`
	Execution ExecutionState      `json:"execution"`
	Verified  VerifiedArtifactSet `json:"verified"`
	Warnings  []ArtifactWarning   `json:"warnings,omitempty"`
	Roadmap   []RoadmapDraft      `json:"roadmap,omitempty"`
	Session   *Session            `json:"session,omitempty"`
}

// NewSpecState returns an empty state in phase INIT.
func NewSpecState(specID string, now time.Time) *SpecState {
	return &SpecState{
		SchemaVersion: constants.StateSchemaVersion,
		SpecID:        specID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Tasks:         make(map[string]*Task),
		Execution:     ExecutionState{Phase: constants.PhaseInit},
	}
}

// Clone returns a deep copy that can be mutated without touching s.
func (s *SpecState) Clone() *SpecState {
	c := *s
	c.Tasks = make(map[string]*Task, len(s.Tasks))
	for id, t := range s.Tasks {
		c.Tasks[id] = t.Clone()
	}
	c.Waves = make([]Wave, len(s.Waves))
	for i, w := range s.Waves {
		c.Waves[i] = w.Clone()
	}
	c.Execution = s.Execution.Clone()
	c.Verified = s.Verified.Clone()
	c.Warnings = slices.Clone(s.Warnings)
	c.Roadmap = slices.Clone(s.Roadmap)
	if s.Session != nil {
		sess := *s.Session
		c.Session = &sess
	}
	return &c
}

// TaskIDs returns all task ids sorted.
func (s *SpecState) TaskIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopLevel returns the tasks that are planned into waves, sorted by id.
func (s *SpecState) TopLevel() []*Task {
	var out []*Task
	for _, id := range s.TaskIDs() {
		if t := s.Tasks[id]; !t.IsSubtask() {
			out = append(out, t)
		}
	}
	return out
}

// Children returns a parent's subtasks in declared order.
func (s *SpecState) Children(parent *Task) []*Task {
	out := make([]*Task, 0, len(parent.Subtasks))
	for _, id := range parent.Subtasks {
		if t, ok := s.Tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Wave returns the wave with the given id.
func (s *SpecState) Wave(id int) (*Wave, bool) {
	for i := range s.Waves {
		if s.Waves[i].ID == id {
			return &s.Waves[i], true
		}
	}
	return nil, false
}

// WaveTasks returns the top-level tasks of a wave in wave order.
func (s *SpecState) WaveTasks(id int) []*Task {
	w, ok := s.Wave(id)
	if !ok {
		return nil
	}
	out := make([]*Task, 0, len(w.TaskIDs))
	for _, tid := range w.TaskIDs {
		if t, ok := s.Tasks[tid]; ok {
			out = append(out, t)
		}
	}
	return out
}

// LastWaveID returns the highest planned wave id, or zero.
func (s *SpecState) LastWaveID() int {
	last := 0
	for _, w := range s.Waves {
		last = max(last, w.ID)
	}
	return last
}

// InProgressBefore returns tasks still in progress in waves before id.
func (s *SpecState) InProgressBefore(id int) []string {
	var out []string
	for _, w := range s.Waves {
		if w.ID >= id {
			continue
		}
		for _, tid := range w.TaskIDs {
			if t, ok := s.Tasks[tid]; ok && t.Status == constants.TaskStatusInProgress {
				out = append(out, tid)
			}
		}
	}
	return out
}
