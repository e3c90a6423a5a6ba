package domain

import (
	"slices"
	"time"

	"github.com/mrz1836/tide/internal/constants"
)

// Wave is an ordered group of mutually independent top-level tasks.
// Every dependency of a task in wave N lies in a wave below N.
type Wave struct {
	ID             int      `json:"wave_id"`
	TaskIDs        []string `json:"task_ids"`
	CanParallelize bool     `json:"can_parallelize"`

	// IsolationScore is the fraction of task pairs with disjoint file hints.
	IsolationScore float64 `json:"isolation_score"`

	// Overlaps lists the files shared by more than one member task.
	Overlaps []string `json:"overlaps,omitempty"`

	Outcome     constants.WaveOutcome `json:"outcome,omitempty"`
	BranchID    string                `json:"branch_id,omitempty"`
	ReviewID    string                `json:"review_id,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	MergedAt    *time.Time            `json:"merged_at,omitempty"`
}

// Clone returns a deep copy of the wave.
func (w Wave) Clone() Wave {
	c := w
	c.TaskIDs = slices.Clone(w.TaskIDs)
	c.Overlaps = slices.Clone(w.Overlaps)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	if w.MergedAt != nil {
		t := *w.MergedAt
		c.MergedAt = &t
	}
	return c
}

// Contains reports whether the wave holds the task id.
func (w Wave) Contains(taskID string) bool {
	return slices.Contains(w.TaskIDs, taskID)
}

// WorkerResult is returned by one worker for one task.
type WorkerResult struct {
	TaskID  string                 `json:"task_id"`
	Status  constants.WorkerStatus `json:"status"`
	Claims  []ArtifactClaim        `json:"claims,omitempty"`
	Commits []string               `json:"commits,omitempty"`
	Blocker string                 `json:"blocker,omitempty"`

	// FailedSubtask names the subtask that never reached GREEN.
	FailedSubtask string `json:"failed_subtask,omitempty"`

	// SubtaskStatus records how far each subtask got.
	SubtaskStatus map[string]constants.TaskStatus `json:"subtask_status,omitempty"`

	// Attempts records GREEN attempts per subtask.
	Attempts map[string]int `json:"attempts,omitempty"`
}

// Workspace describes where a worker may write.
type Workspace struct {
	// BranchID is the isolated branch the worker commits to.
	BranchID string `json:"branch_id"`

	// Dir is the checked-out working tree for the branch.
	Dir string `json:"dir"`

	// Base is the branch the isolated branch was created from.
	Base string `json:"base,omitempty"`
}
