package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	"github.com/mrz1836/tide/internal/planner"
)

// FixedTime is the start time used by fake clocks in tests.
//
//nolint:gochecknoglobals // shared test fixture
var FixedTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// TaskTree builds a pending top-level task with one scripted subtask.
func TaskTree(id string, files []string, deps ...string) []*domain.Task {
	sub := &domain.Task{
		ID:          id + ".1",
		ParentID:    id,
		Description: "implement " + id,
		Status:      constants.TaskStatusPending,
		Script:      &domain.Script{Green: "true", Test: "true"},
	}
	parent := &domain.Task{
		ID:          id,
		Description: "task " + id,
		Status:      constants.TaskStatusPending,
		DependsOn:   deps,
		Produces:    domain.ProducesHint{Files: files},
		Subtasks:    []string{sub.ID},
		Origin:      constants.TaskOriginManifest,
	}
	return []*domain.Task{parent, sub}
}

// PlannedState builds a spec state from task trees built by TaskTree and
// plans its waves.
func PlannedState(t testing.TB, specID string, groups ...[]*domain.Task) *domain.SpecState {
	t.Helper()
	state := domain.NewSpecState(specID, FixedTime)
	var top []*domain.Task
	for _, g := range groups {
		for _, task := range g {
			state.Tasks[task.ID] = task
			if !task.IsSubtask() {
				top = append(top, task)
			}
		}
	}
	waves, err := planner.Plan(top)
	require.NoError(t, err)
	for _, w := range waves {
		for _, id := range w.TaskIDs {
			state.Tasks[id].Wave = w.ID
		}
	}
	state.Waves = waves
	state.Execution.TotalWaves = len(waves)
	return state
}
