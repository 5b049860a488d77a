package blackboard

import (
	"context"
	"sort"
	"time"
)

// Store persists blackboard entries.
//
// UpdateEntry is a compare-and-set on the version: the write succeeds only
// when the stored version equals expectedVersion, otherwise
// types.ErrStaleWrite. Expired entries are invisible to reads the instant
// their TTL lapses; Sweep reclaims the storage later.
type Store interface {
	// SaveEntry persists a new entry.
	SaveEntry(ctx context.Context, entry *Entry) error

	// GetEntry returns an entry by ID. Expired entries read as not found.
	GetEntry(ctx context.Context, entryID string) (*Entry, error)

	// UpdateEntry replaces content iff the stored version matches
	// expectedVersion, bumping the version by one. Returns the new version.
	UpdateEntry(ctx context.Context, entryID string, expectedVersion int64, content any) (int64, error)

	// ListEntries returns the live entries of a session matching the
	// filter, ordered by priority descending, then most recently updated.
	ListEntries(ctx context.Context, sessionID string, filter Filter) ([]*Entry, error)

	// DeleteEntry removes an entry.
	DeleteEntry(ctx context.Context, entryID string) error

	// Sweep removes entries whose TTL lapsed before now. Idempotent;
	// returns the number removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// orderEntries sorts by priority descending, ties broken by most recent
// update, then by ID for determinism.
func orderEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
