package blackboard

import "time"

// Entry is one versioned record on the shared blackboard. Versions start at
// 1 and increase by exactly one per successful update; concurrent writers
// coordinate through compare-and-set on the version.
type Entry struct {
	// ID is the unique entry identifier.
	ID string `json:"id"`

	// SessionID scopes the entry to a coordination session.
	SessionID string `json:"session_id"`

	// AgentID is the agent that wrote the entry.
	AgentID string `json:"agent_id"`

	// Content is the entry payload.
	Content any `json:"content"`

	// Tags label the entry for filtered reads.
	Tags []string `json:"tags,omitempty"`

	// Priority orders reads, higher first.
	Priority int `json:"priority"`

	// Version is the optimistic concurrency token.
	Version int64 `json:"version"`

	// ExpiresAt is when the entry becomes invisible. Nil means no expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// CreatedAt is when the entry was written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entry was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the entry has passed its TTL at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Filter restricts blackboard reads.
type Filter struct {
	// Tags requires at least one matching tag when non-empty.
	Tags []string `json:"tags,omitempty"`

	// AgentID filters by author.
	AgentID string `json:"agent_id,omitempty"`

	// Limit caps the number of entries returned.
	Limit int `json:"limit,omitempty"`
}

func matchesEntry(e *Entry, filter Filter) bool {
	if filter.AgentID != "" && e.AgentID != filter.AgentID {
		return false
	}
	if len(filter.Tags) > 0 {
		found := false
		for _, want := range filter.Tags {
			for _, tag := range e.Tags {
				if tag == want {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
