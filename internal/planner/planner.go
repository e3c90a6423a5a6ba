package planner

import (
	"fmt"
	"sort"

	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// Plan assigns every task to a wave, starting at wave 1.
// The result depends only on the task set, not on input order.
func Plan(tasks []*domain.Task) ([]domain.Wave, error) {
	return Replan(nil, tasks)
}

// Replan plans the tasks that are not yet in any existing wave and returns
// only the new waves. New wave ids start after the last existing wave, and
// existing waves are never renumbered or changed. tasks must contain every
// top-level task of the spec, planned or not.
//
// Dependencies on already planned tasks count as satisfied. A planned task
// may not depend on an unplanned one.
func Replan(existing []domain.Wave, tasks []*domain.Task) ([]domain.Wave, error) {
	g, err := NewGraph(tasks)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	last := 0
	planned := make(map[string]int)
	for _, w := range existing {
		if w.ID <= last {
			return nil, fmt.Errorf("existing wave %d does not follow wave %d: %w", w.ID, last, tideerrors.ErrInvalidMutation)
		}
		last = w.ID
		for _, id := range w.TaskIDs {
			if _, ok := byID[id]; !ok {
				return nil, fmt.Errorf("wave %d lists task %s: %w", w.ID, id, tideerrors.ErrUnknownTask)
			}
			planned[id] = w.ID
		}
	}

	// level 0 means planned already; unplanned tasks get 1 + max dependency level.
	level := make(map[string]int, len(tasks))
	for _, id := range g.TopologicalOrder() {
		if _, ok := planned[id]; ok {
			for _, dep := range g.Dependencies(id) {
				if _, depPlanned := planned[dep]; !depPlanned {
					return nil, fmt.Errorf("planned task %s depends on unplanned task %s: %w",
						id, dep, tideerrors.ErrInvalidMutation)
				}
			}
			level[id] = 0
			continue
		}
		lvl := 1
		for _, dep := range g.Dependencies(id) {
			lvl = max(lvl, level[dep]+1)
		}
		level[id] = lvl
	}

	buckets := make(map[int][]string)
	maxLevel := 0
	for id, lvl := range level {
		if lvl == 0 {
			continue
		}
		buckets[lvl] = append(buckets[lvl], id)
		maxLevel = max(maxLevel, lvl)
	}

	waves := make([]domain.Wave, 0, maxLevel)
	for lvl := 1; lvl <= maxLevel; lvl++ {
		ids := buckets[lvl]
		sort.Strings(ids)
		members := make([]*domain.Task, len(ids))
		for i, id := range ids {
			members[i] = byID[id]
		}
		score, overlaps := Isolation(members)
		waves = append(waves, domain.Wave{
			ID:             last + lvl,
			TaskIDs:        ids,
			CanParallelize: len(overlaps) == 0,
			IsolationScore: score,
			Overlaps:       overlaps,
		})
	}
	return waves, nil
}

// Isolation scores a wave as 1 minus the fraction of task pairs whose
// produces_hint file sets overlap, and returns the shared files.
// A wave with fewer than two tasks scores 1.
func Isolation(tasks []*domain.Task) (float64, []string) {
	if len(tasks) < 2 {
		return 1, nil
	}

	sets := make([]map[string]bool, len(tasks))
	for i, t := range tasks {
		sets[i] = make(map[string]bool)
		for _, f := range t.Produces.FileSet() {
			sets[i][f] = true
		}
	}

	shared := make(map[string]bool)
	pairs, overlapping := 0, 0
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			pairs++
			hit := false
			for f := range sets[i] {
				if sets[j][f] {
					shared[f] = true
					hit = true
				}
			}
			if hit {
				overlapping++
			}
		}
	}

	overlaps := make([]string, 0, len(shared))
	for f := range shared {
		overlaps = append(overlaps, f)
	}
	sort.Strings(overlaps)
	if len(overlaps) == 0 {
		overlaps = nil
	}
	return 1 - float64(overlapping)/float64(pairs), overlaps
}

// Check verifies that waves satisfy the ordering invariant against the
// given tasks: every task sits in exactly one wave and every dependency
// lies in a strictly earlier wave.
func Check(waves []domain.Wave, tasks []*domain.Task) error {
	waveOf := make(map[string]int, len(tasks))
	for _, w := range waves {
		for _, id := range w.TaskIDs {
			if prev, dup := waveOf[id]; dup {
				return fmt.Errorf("task %s is in waves %d and %d: %w", id, prev, w.ID, tideerrors.ErrInvalidMutation)
			}
			waveOf[id] = w.ID
		}
	}
	for _, t := range tasks {
		w, ok := waveOf[t.ID]
		if !ok {
			return fmt.Errorf("task %s is not planned: %w", t.ID, tideerrors.ErrInvalidMutation)
		}
		for _, dep := range t.DependsOn {
			if dw, ok := waveOf[dep]; !ok || dw >= w {
				return fmt.Errorf("task %s in wave %d depends on %s in wave %d: %w", t.ID, w, dep, dw, tideerrors.ErrInvalidMutation)
			}
		}
	}
	return nil
}
