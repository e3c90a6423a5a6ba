package domain

import "time"

// Session is the explicit replacement for a cross-invocation cache.
// It is stored with the spec and discarded once ExpiresAt passes.
type Session struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Invocations int       `json:"invocations"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// TaskDraft is review feedback that becomes a new task.
type TaskDraft struct {
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Feedback    string   `json:"feedback"`
}

// RoadmapDraft is review feedback deferred to later planning.
type RoadmapDraft struct {
	Title     string    `json:"title"`
	Feedback  string    `json:"feedback"`
	ReviewID  string    `json:"review_id,omitempty"`
	Wave      int       `json:"wave,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
