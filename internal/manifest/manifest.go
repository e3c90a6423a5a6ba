// Package manifest loads the YAML task manifest a spec is initialized from.
//
// A manifest declares the top-level tasks of a spec, their dependencies,
// what each task is expected to produce, the inherited artifacts it needs,
// and the scripted RED/GREEN/REFACTOR subtasks that implement it:
//
//	spec: auth
//	tasks:
//	  - id: T1
//	    description: Session store
//	    produces:
//	      files: [auth/session.go]
//	      symbols: ["auth/session.go:Session"]
//	    subtasks:
//	      - description: create session type
//	        script:
//	          red: cp testdata/session_test.go auth/
//	          green: cp testdata/session.go auth/
//	          test: go test ./auth/...
//	  - id: T2
//	    depends_on: [T1]
//	    requires: ["auth/session.go:Session"]
//
// Requirements are written as "path" for files, "path:Name" for exported
// symbols, or as a mapping with explicit kind and identifier.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// maxManifestSize bounds how much we read from a manifest file.
const maxManifestSize = 4 << 20

// Manifest is the file representation of a spec's tasks.
type Manifest struct {
	Spec        string     `yaml:"spec" json:"spec"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Tasks       []FileTask `yaml:"tasks" json:"tasks"`
}

// FileTask is one top-level task in the manifest.
type FileTask struct {
	ID          string              `yaml:"id" json:"id"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn   []string            `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Produces    domain.ProducesHint `yaml:"produces,omitempty" json:"produces,omitempty"`
	Requires    []Requirement       `yaml:"requires,omitempty" json:"requires,omitempty"`
	Subtasks    []FileSubtask       `yaml:"subtasks,omitempty" json:"subtasks,omitempty"`

	// Script is shorthand for a task with exactly one subtask.
	Script *domain.Script `yaml:"script,omitempty" json:"script,omitempty"`
}

// FileSubtask is one scripted test-first step.
type FileSubtask struct {
	ID          string         `yaml:"id,omitempty" json:"id,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Script      *domain.Script `yaml:"script" json:"script"`
}

// Requirement is an inherited artifact a task needs before it may start.
type Requirement struct {
	domain.ArtifactRef
}

// UnmarshalYAML accepts either a scalar shorthand or a kind/identifier mapping.
func (r *Requirement) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.ArtifactRef = parseShorthand(node.Value)
		return nil
	}
	var ref domain.ArtifactRef
	if err := node.Decode(&ref); err != nil {
		return err
	}
	r.ArtifactRef = ref
	return nil
}

// UnmarshalJSON mirrors UnmarshalYAML.
func (r *Requirement) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.ArtifactRef = parseShorthand(s)
		return nil
	}
	return json.Unmarshal(data, &r.ArtifactRef)
}

func parseShorthand(value string) domain.ArtifactRef {
	value = strings.TrimSpace(value)
	if _, _, ok := domain.SplitSymbol(value); ok {
		return domain.ArtifactRef{Kind: constants.ArtifactKindExportedSymbol, Identifier: value}
	}
	return domain.ArtifactRef{Kind: constants.ArtifactKindFile, Identifier: value}
}

// Load reads and validates a manifest file. The raw bytes are returned so
// the caller can store the manifest exactly as written.
func Load(path string) (*Manifest, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s does not exist", tideerrors.ErrManifestInvalid, path)
		}
		return nil, nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, nil, fmt.Errorf("%w: file too large (%d > %d bytes)", tideerrors.ErrManifestInvalid, info.Size(), maxManifestSize)
	}

	data, err := os.ReadFile(path) //#nosec G304 -- path supplied by the user on the command line
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m *Manifest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		m, err = ParseJSON(data)
	} else {
		m, err = Parse(data)
	}
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

// Parse decodes and validates YAML manifest bytes. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", tideerrors.ErrManifestInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseJSON decodes and validates JSON manifest bytes.
func ParseJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", tideerrors.ErrManifestInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate reports every structural problem at once. Dependency cycles are
// left to the planner, which can name the cycle.
func (m *Manifest) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if m.Spec == "" {
		add("spec: value is required")
	} else if strings.ContainsAny(m.Spec, `/\`) || strings.Contains(m.Spec, "..") {
		add("spec %q: must be a plain name", m.Spec)
	}
	if len(m.Tasks) == 0 {
		add("tasks: at least one task is required")
	}

	ids := make(map[string]bool)
	for i, t := range m.Tasks {
		if t.ID == "" {
			add("tasks[%d]: id is required", i)
			continue
		}
		if ids[t.ID] {
			add("task %s: duplicate id", t.ID)
		}
		ids[t.ID] = true
	}

	for _, t := range m.Tasks {
		if t.ID == "" {
			continue
		}
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				add("task %s: depends on unknown task %s", t.ID, dep)
			}
		}
		for _, id := range append(append([]string{}, t.Produces.Symbols...), t.Produces.Functions...) {
			if _, _, ok := domain.SplitSymbol(id); !ok {
				add("task %s: produces %q: symbols use the form path:Name", t.ID, id)
			}
		}
		for _, r := range t.Requires {
			if !r.Kind.Valid() {
				add("task %s: requires %q: unknown kind %q", t.ID, r.Identifier, r.Kind)
			}
			if r.Identifier == "" {
				add("task %s: requires: identifier is required", t.ID)
			}
		}
		if t.Script != nil && len(t.Subtasks) > 0 {
			add("task %s: use either script or subtasks, not both", t.ID)
		}
		if t.Script == nil && len(t.Subtasks) == 0 {
			add("task %s: at least one subtask is required", t.ID)
		}
		subIDs := make(map[string]bool)
		for j, s := range t.Subtasks {
			sid := subtaskID(t.ID, j, s)
			if subIDs[sid] || ids[sid] {
				add("task %s: duplicate subtask id %s", t.ID, sid)
			}
			subIDs[sid] = true
			if s.Script == nil || strings.TrimSpace(s.Script.Test) == "" {
				add("subtask %s: script.test is required", sid)
			}
		}
		if t.Script != nil && strings.TrimSpace(t.Script.Test) == "" {
			add("task %s: script.test is required", t.ID)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", tideerrors.ErrManifestInvalid, errors.Join(problems...))
	}
	return nil
}

// BuildTasks converts the manifest into pending domain tasks: top-level
// tasks followed by their subtasks. The manifest must be valid.
func (m *Manifest) BuildTasks() []*domain.Task {
	out := make([]*domain.Task, 0, len(m.Tasks)*2)
	for _, ft := range m.Tasks {
		parent := &domain.Task{
			ID:          ft.ID,
			Description: ft.Description,
			Status:      constants.TaskStatusPending,
			DependsOn:   append([]string(nil), ft.DependsOn...),
			Produces:    ft.Produces.Clone(),
			Origin:      constants.TaskOriginManifest,
		}
		for _, r := range ft.Requires {
			parent.Requires = append(parent.Requires, r.ArtifactRef)
		}

		subs := ft.Subtasks
		if ft.Script != nil {
			subs = []FileSubtask{{Description: ft.Description, Script: ft.Script}}
		}

		children := make([]*domain.Task, 0, len(subs))
		for j, s := range subs {
			script := *s.Script
			child := &domain.Task{
				ID:          subtaskID(ft.ID, j, s),
				ParentID:    ft.ID,
				Description: s.Description,
				Status:      constants.TaskStatusPending,
				Script:      &script,
				Origin:      constants.TaskOriginManifest,
			}
			parent.Subtasks = append(parent.Subtasks, child.ID)
			children = append(children, child)
		}
		out = append(out, parent)
		out = append(out, children...)
	}
	return out
}

func subtaskID(parent string, index int, s FileSubtask) string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("%s.%d", parent, index+1)
}
