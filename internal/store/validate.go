package store

import (
	"fmt"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// Validate checks the structural invariants every persisted state must hold:
//   - every status is a declared status
//   - subtask links are consistent in both directions
//   - a parent is completed only when every subtask is completed
//   - dependencies name existing top-level tasks other than the task itself
//   - waves are strictly increasing, each task sits in at most one wave,
//     and every dependency of a wave-N task lies in a wave below N
func Validate(state *domain.SpecState) error {
	for _, id := range state.TaskIDs() {
		t := state.Tasks[id]
		if t.ID != id {
			return invalid("task keyed %s has id %s", id, t.ID)
		}
		if !t.Status.Valid() {
			return invalid("task %s has status %q", id, t.Status)
		}
		if err := validateSubtasks(state, t); err != nil {
			return err
		}
		for _, dep := range t.DependsOn {
			d, ok := state.Tasks[dep]
			if !ok {
				return invalid("task %s depends on %s: %v", id, dep, tideerrors.ErrUnknownTask)
			}
			if dep == id || d.IsSubtask() {
				return invalid("task %s cannot depend on %s", id, dep)
			}
		}
	}
	return validateWaves(state)
}

func validateSubtasks(state *domain.SpecState, t *domain.Task) error {
	if t.IsSubtask() {
		p, ok := state.Tasks[t.ParentID]
		if !ok || !containsID(p.Subtasks, t.ID) {
			return invalid("subtask %s is not listed by parent %s", t.ID, t.ParentID)
		}
	}
	if !t.IsParent() {
		return nil
	}

	statuses := make([]constants.TaskStatus, 0, len(t.Subtasks))
	for _, sid := range t.Subtasks {
		c, ok := state.Tasks[sid]
		if !ok {
			return invalid("task %s lists missing subtask %s", t.ID, sid)
		}
		if c.ParentID != t.ID {
			return invalid("subtask %s has parent %q, want %s", sid, c.ParentID, t.ID)
		}
		statuses = append(statuses, c.Status)
	}
	if t.Status == constants.TaskStatusCompleted && domain.AggregateStatus(statuses) != constants.TaskStatusCompleted {
		return invalid("parent %s cannot be completed while subtasks are %v", t.ID, statuses)
	}
	return nil
}

func validateWaves(state *domain.SpecState) error {
	waveOf := make(map[string]int)
	prev := 0
	for _, w := range state.Waves {
		if w.ID <= prev {
			return invalid("wave ids must increase: %d after %d", w.ID, prev)
		}
		prev = w.ID
		for _, id := range w.TaskIDs {
			t, ok := state.Tasks[id]
			if !ok {
				return invalid("wave %d: task %s: %v", w.ID, id, tideerrors.ErrUnknownTask)
			}
			if t.IsSubtask() {
				return invalid("wave %d holds subtask %s", w.ID, id)
			}
			if other, dup := waveOf[id]; dup {
				return invalid("task %s in waves %d and %d", id, other, w.ID)
			}
			if t.Wave != w.ID {
				return invalid("task %s records wave %d but sits in wave %d", id, t.Wave, w.ID)
			}
			waveOf[id] = w.ID
		}
	}

	for id, wave := range waveOf {
		for _, dep := range state.Tasks[id].DependsOn {
			dw, planned := waveOf[dep]
			if !planned || dw >= wave {
				return fmt.Errorf("task %s in wave %d depends on %s in wave %d: %w",
					id, wave, dep, dw, tideerrors.ErrInvalidMutation)
			}
		}
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
