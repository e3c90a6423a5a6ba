// Package domain provides shared domain types for the tide orchestration engine.
// These types are used across all internal packages to ensure consistent data structures.
//
// This package follows strict import rules:
//   - CAN import: internal/constants, internal/errors, standard library
//   - MUST NOT import: any other internal packages
//
// All JSON field names use snake_case.
package domain

import (
	"slices"
	"time"

	"github.com/mrz1836/tide/internal/constants"
)

// Task represents a single unit of work within a spec.
// Top-level tasks are planned into waves. A task with subtasks is a parent;
// each subtask is itself a Task carrying one RED/GREEN/REFACTOR script.
//
// Example JSON representation:
//
//	{
//	    "id": "T3",
//	    "description": "Wire the session cache",
//	    "status": "pending",
//	    "depends_on": ["T1", "T2"],
//	    "produces_hint": {"files": ["cache.go"], "symbols": ["cache.go:Cache"]},
//	    "wave": 2,
//	    "subtasks": ["T3.1", "T3.2"]
//	}
type Task struct {
	// ID is unique within a spec.
	ID string `json:"id"`

	// ParentID is set on subtasks only.
	ParentID string `json:"parent_id,omitempty"`

	Description string `json:"description"`

	Status constants.TaskStatus `json:"status"`

	// DependsOn holds the ids of top-level tasks that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Produces is what the task expects to create. It is a claim, not a fact.
	Produces ProducesHint `json:"produces_hint"`

	// Requires lists inherited artifacts the task's subtasks reference.
	Requires []ArtifactRef `json:"requires,omitempty"`

	// Wave is the assigned wave id; zero until planned.
	Wave int `json:"wave,omitempty"`

	// Subtasks are ordered child task ids.
	Subtasks []string `json:"subtasks,omitempty"`

	// Script drives the scripted worker for a subtask.
	Script *Script `json:"script,omitempty"`

	Origin constants.TaskOrigin `json:"origin,omitempty"`

	// Feedback holds the review comment a feedback task addresses.
	Feedback string `json:"feedback,omitempty"`

	// Blocker is the reason the task was blocked or failed.
	Blocker string `json:"blocker,omitempty"`

	// Commits are the commit ids produced for this task.
	Commits []string `json:"commits,omitempty"`

	// Attempts counts GREEN attempts for a subtask.
	Attempts int `json:"attempts,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Script holds the shell commands for one subtask's test-first cycle.
type Script struct {
	// Red writes the failing test.
	Red string `json:"red,omitempty" yaml:"red"`

	// Green writes the implementation.
	Green string `json:"green,omitempty" yaml:"green"`

	// Refactor optionally cleans up; it must leave tests green.
	Refactor string `json:"refactor,omitempty" yaml:"refactor"`

	// Test runs the subtask's own test. It must fail after Red and pass after Green.
	Test string `json:"test" yaml:"test"`

	// ExpectFailure, when set, must appear in the output of the failing Test run.
	ExpectFailure string `json:"expect_failure,omitempty" yaml:"expect_failure"`
}

// IsParent reports whether the task completes only by aggregation.
func (t *Task) IsParent() bool {
	return len(t.Subtasks) > 0
}

// IsSubtask reports whether the task belongs to a parent.
func (t *Task) IsSubtask() bool {
	return t.ParentID != ""
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Produces = t.Produces.Clone()
	c.Requires = slices.Clone(t.Requires)
	c.Subtasks = slices.Clone(t.Subtasks)
	c.Commits = slices.Clone(t.Commits)
	if t.Script != nil {
		s := *t.Script
		c.Script = &s
	}
	return &c
}

// AggregateStatus derives a parent's status from its children.
// A parent is completed only when every child is completed; any failed
// child fails it, and otherwise any blocked child blocks it. Failed takes
// precedence over blocked regardless of order.
func AggregateStatus(children []constants.TaskStatus) constants.TaskStatus {
	if len(children) == 0 {
		return constants.TaskStatusPending
	}
	var completed, started, blocked int
	for _, s := range children {
		switch s {
		case constants.TaskStatusFailed:
			return constants.TaskStatusFailed
		case constants.TaskStatusBlocked:
			blocked++
		case constants.TaskStatusCompleted:
			completed++
		case constants.TaskStatusInProgress:
			started++
		case constants.TaskStatusPending:
		}
	}
	switch {
	case blocked > 0:
		return constants.TaskStatusBlocked
	case completed == len(children):
		return constants.TaskStatusCompleted
	case completed > 0 || started > 0:
		return constants.TaskStatusInProgress
	default:
		return constants.TaskStatusPending
	}
}
