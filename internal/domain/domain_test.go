package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/tide/internal/constants"
)

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		children []constants.TaskStatus
		want     constants.TaskStatus
	}{
		{"no children", nil, constants.TaskStatusPending},
		{"all pending", []constants.TaskStatus{"pending", "pending"}, constants.TaskStatusPending},
		{"all completed", []constants.TaskStatus{"completed", "completed"}, constants.TaskStatusCompleted},
		{"partially completed", []constants.TaskStatus{"completed", "pending"}, constants.TaskStatusInProgress},
		{"one running", []constants.TaskStatus{"pending", "in_progress"}, constants.TaskStatusInProgress},
		{"failed child wins over completed", []constants.TaskStatus{"completed", "failed"}, constants.TaskStatusFailed},
		{"blocked child", []constants.TaskStatus{"completed", "blocked", "pending"}, constants.TaskStatusBlocked},
		{"failed after blocked", []constants.TaskStatus{"blocked", "failed"}, constants.TaskStatusFailed},
		{"failed before blocked", []constants.TaskStatus{"failed", "blocked"}, constants.TaskStatusFailed},
		{"blocked beside running", []constants.TaskStatus{"in_progress", "blocked"}, constants.TaskStatusBlocked},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AggregateStatus(tc.children))
		})
	}
}

func TestProducesHint_FileSet(t *testing.T) {
	h := ProducesHint{
		Files:     []string{"b.go", "a.go"},
		Symbols:   []string{"a.go:Thing", "pkg/c.go:Other"},
		Functions: []string{"bad-no-colon"},
	}
	assert.Equal(t, []string{"a.go", "b.go", "pkg/c.go"}, h.FileSet())
	assert.False(t, h.IsEmpty())
	assert.True(t, ProducesHint{}.IsEmpty())
}

func TestSplitSymbol(t *testing.T) {
	path, name, ok := SplitSymbol("internal/x/y.go:Build")
	require.True(t, ok)
	assert.Equal(t, "internal/x/y.go", path)
	assert.Equal(t, "Build", name)

	for _, bad := range []string{"", "Build", ":Build", "a.go:"} {
		_, _, ok := SplitSymbol(bad)
		assert.False(t, ok, bad)
	}
}

func TestVerifiedArtifactSet_AddIsAppendOnlyAndDeduplicated(t *testing.T) {
	var s VerifiedArtifactSet
	a := ArtifactClaim{Kind: constants.ArtifactKindFile, Identifier: "a.txt", SourceTaskID: "T1"}
	b := ArtifactClaim{Kind: constants.ArtifactKindFunction, Identifier: "a.go:Run", SourceTaskID: "T2"}

	assert.Equal(t, 2, s.Add(a, b))
	assert.Equal(t, 0, s.Add(a))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, a, s.Artifacts[0])

	assert.True(t, s.Contains(ArtifactRef{Kind: constants.ArtifactKindFile, Identifier: "a.txt"}))
	assert.False(t, s.Contains(ArtifactRef{Kind: constants.ArtifactKindExportedSymbol, Identifier: "a.txt"}))
}

func TestSpecState_CloneIsDeep(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewSpecState("spec", now)
	s.Tasks["T1"] = &Task{ID: "T1", Status: constants.TaskStatusPending, DependsOn: []string{"T0"}}
	s.Waves = []Wave{{ID: 1, TaskIDs: []string{"T1"}}}
	s.Execution.PollDeadline = &now

	c := s.Clone()
	c.Tasks["T1"].Status = constants.TaskStatusCompleted
	c.Tasks["T1"].DependsOn[0] = "changed"
	c.Waves[0].TaskIDs[0] = "changed"
	*c.Execution.PollDeadline = now.Add(time.Hour)

	assert.Equal(t, constants.TaskStatusPending, s.Tasks["T1"].Status)
	assert.Equal(t, "T0", s.Tasks["T1"].DependsOn[0])
	assert.Equal(t, "T1", s.Waves[0].TaskIDs[0])
	assert.Equal(t, now, *s.Execution.PollDeadline)
}

func TestSpecState_Queries(t *testing.T) {
	s := NewSpecState("spec", time.Now())
	s.Tasks["T1"] = &Task{ID: "T1", Status: constants.TaskStatusInProgress, Subtasks: []string{"T1.1"}}
	s.Tasks["T1.1"] = &Task{ID: "T1.1", ParentID: "T1"}
	s.Tasks["T2"] = &Task{ID: "T2"}
	s.Waves = []Wave{{ID: 1, TaskIDs: []string{"T1"}}, {ID: 2, TaskIDs: []string{"T2"}}}

	top := s.TopLevel()
	require.Len(t, top, 2)
	assert.Equal(t, "T1", top[0].ID)
	assert.Len(t, s.Children(s.Tasks["T1"]), 1)
	assert.Equal(t, 2, s.LastWaveID())
	assert.Equal(t, []string{"T1"}, s.InProgressBefore(2))
	assert.Empty(t, s.InProgressBefore(1))

	w, ok := s.Wave(2)
	require.True(t, ok)
	assert.True(t, w.Contains("T2"))
	_, ok = s.Wave(3)
	assert.False(t, ok)
}

func TestSpecState_JSONFieldNames(t *testing.T) {
	s := NewSpecState("spec", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Execution.ResumeStep = constants.ResumeStepExecuted

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	exec := raw["execution"].(map[string]any)
	assert.Equal(t, "INIT", exec["phase"])
	assert.Equal(t, "executed", exec["resume_phase"])
	assert.Contains(t, exec, "current_wave")
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	var nilSession *Session
	assert.True(t, nilSession.Expired(now))

	s := &Session{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Minute)))
}
