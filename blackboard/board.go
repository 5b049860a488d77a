// Package blackboard provides a versioned, TTL-scoped shared scratch space
// for collaborating agents. Writers publish findings without addressing a
// recipient; readers poll their session's entries. Concurrent updates
// coordinate through optimistic versioning rather than locks.
package blackboard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// Board is the blackboard API over a Store.
type Board struct {
	store  Store
	logger *zap.Logger
}

// NewBoard creates a blackboard over the given store.
func NewBoard(store Store, logger *zap.Logger) *Board {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{
		store:  store,
		logger: logger.With(zap.String("component", "blackboard")),
	}
}

// Write publishes a new entry at version 1 and returns its ID. ttl <= 0
// means the entry never expires.
func (b *Board) Write(ctx context.Context, sessionID, agentID string, content any, tags []string, priority int, ttl time.Duration) (string, error) {
	if sessionID == "" {
		return "", types.NewError(types.ErrCodeValidation, "session id is required")
	}
	if agentID == "" {
		return "", types.NewError(types.ErrCodeValidation, "agent id is required")
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AgentID:   agentID,
		Content:   content,
		Tags:      tags,
		Priority:  priority,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	if err := b.store.SaveEntry(ctx, entry); err != nil {
		return "", err
	}
	b.logger.Debug("blackboard write",
		zap.String("entry_id", entry.ID),
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
	)
	return entry.ID, nil
}

// Update replaces an entry's content when expectedVersion still matches,
// returning the new version. A stale expectation yields
// types.ErrStaleWrite; the caller re-reads and retries.
func (b *Board) Update(ctx context.Context, entryID string, expectedVersion int64, content any) (int64, error) {
	version, err := b.store.UpdateEntry(ctx, entryID, expectedVersion, content)
	if err != nil {
		return 0, err
	}
	b.logger.Debug("blackboard update",
		zap.String("entry_id", entryID),
		zap.Int64("version", version),
	)
	return version, nil
}

// Get returns a single live entry.
func (b *Board) Get(ctx context.Context, entryID string) (*Entry, error) {
	return b.store.GetEntry(ctx, entryID)
}

// Read returns a session's live entries ordered by priority descending,
// most recently updated first within a priority.
func (b *Board) Read(ctx context.Context, sessionID string, filter Filter) ([]*Entry, error) {
	return b.store.ListEntries(ctx, sessionID, filter)
}

// Delete removes an entry.
func (b *Board) Delete(ctx context.Context, entryID string) error {
	return b.store.DeleteEntry(ctx, entryID)
}

// Sweep purges expired entries and returns the count. Safe to run
// concurrently and repeatedly.
func (b *Board) Sweep(ctx context.Context) (int, error) {
	count, err := b.store.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		b.logger.Debug("blackboard sweep", zap.Int("removed", count))
	}
	return count, nil
}
