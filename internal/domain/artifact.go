package domain

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mrz1836/tide/internal/constants"
)

// ProducesHint declares what a task expects to create.
// Symbol and function identifiers use the form "path:Name".
type ProducesHint struct {
	Files     []string `json:"files,omitempty" yaml:"files"`
	Symbols   []string `json:"symbols,omitempty" yaml:"symbols"`
	Functions []string `json:"functions,omitempty" yaml:"functions"`
}

// Clone returns a deep copy of the hint.
func (h ProducesHint) Clone() ProducesHint {
	return ProducesHint{
		Files:     slices.Clone(h.Files),
		Symbols:   slices.Clone(h.Symbols),
		Functions: slices.Clone(h.Functions),
	}
}

// IsEmpty reports whether the hint declares nothing.
func (h ProducesHint) IsEmpty() bool {
	return len(h.Files) == 0 && len(h.Symbols) == 0 && len(h.Functions) == 0
}

// FileSet returns every file path the hint touches, including the files
// that declared symbols live in, sorted and de-duplicated.
func (h ProducesHint) FileSet() []string {
	seen := make(map[string]struct{})
	for _, f := range h.Files {
		seen[f] = struct{}{}
	}
	for _, id := range slices.Concat(h.Symbols, h.Functions) {
		if path, _, ok := SplitSymbol(id); ok {
			seen[path] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SplitSymbol splits a "path:Name" identifier.
func SplitSymbol(identifier string) (path, name string, ok bool) {
	i := strings.LastIndex(identifier, ":")
	if i <= 0 || i == len(identifier)-1 {
		return "", "", false
	}
	return identifier[:i], identifier[i+1:], true
}

// ArtifactRef identifies an artifact without attributing it to a task.
type ArtifactRef struct {
	Kind       constants.ArtifactKind `json:"kind" yaml:"kind"`
	Identifier string                 `json:"identifier" yaml:"identifier"`
}

// Key returns the identity of the reference.
func (r ArtifactRef) Key() string {
	return string(r.Kind) + ":" + r.Identifier
}

// String renders the reference for blocker messages.
func (r ArtifactRef) String() string {
	return r.Identifier
}

// ArtifactClaim is an unverified assertion by a task about what it produced.
type ArtifactClaim struct {
	Kind         constants.ArtifactKind `json:"kind"`
	Identifier   string                 `json:"identifier"`
	SourceTaskID string                 `json:"source_task_id"`
}

// Ref drops the source attribution.
func (c ArtifactClaim) Ref() ArtifactRef {
	return ArtifactRef{Kind: c.Kind, Identifier: c.Identifier}
}

// Key returns the identity of the claim, including its source.
func (c ArtifactClaim) Key() string {
	return c.Ref().Key() + "@" + c.SourceTaskID
}

// VerifiedArtifactSet holds claims confirmed against the output tree.
// Membership is append-only within a spec run.
type VerifiedArtifactSet struct {
	Artifacts []ArtifactClaim `json:"artifacts,omitempty"`
}

// Contains reports whether any verified claim matches ref, regardless of source.
func (s VerifiedArtifactSet) Contains(ref ArtifactRef) bool {
	_, ok := s.Lookup(ref)
	return ok
}

// Lookup returns the first verified claim matching ref.
func (s VerifiedArtifactSet) Lookup(ref ArtifactRef) (ArtifactClaim, bool) {
	key := ref.Key()
	for _, a := range s.Artifacts {
		if a.Ref().Key() == key {
			return a, true
		}
	}
	return ArtifactClaim{}, false
}

// Add appends claims not already present and returns how many were new.
func (s *VerifiedArtifactSet) Add(claims ...ArtifactClaim) int {
	have := make(map[string]struct{}, len(s.Artifacts))
	for _, a := range s.Artifacts {
		have[a.Key()] = struct{}{}
	}
	added := 0
	for _, c := range claims {
		if _, ok := have[c.Key()]; ok {
			continue
		}
		have[c.Key()] = struct{}{}
		s.Artifacts = append(s.Artifacts, c)
		added++
	}
	return added
}

// Len returns the number of verified claims.
func (s VerifiedArtifactSet) Len() int {
	return len(s.Artifacts)
}

// Clone returns a copy that can be appended to independently.
func (s VerifiedArtifactSet) Clone() VerifiedArtifactSet {
	return VerifiedArtifactSet{Artifacts: slices.Clone(s.Artifacts)}
}

// ArtifactWarning records a claim dropped by verification.
type ArtifactWarning struct {
	Claim     ArtifactClaim `json:"claim"`
	Wave      int           `json:"wave"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}
