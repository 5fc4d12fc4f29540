// internal/store/store.go

// Package store is the persistence boundary. The core exposes and consumes a
// {snapshotId, issuedAt, state, lastActionId} record shape; implementations of
// SnapshotStore own the actual I/O.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aifedespaix/cki/internal/journal"
	"github.com/aifedespaix/cki/internal/models"
)

// ErrNotFound reports that no snapshot exists for the session.
var ErrNotFound = errors.New("store: no snapshot for session")

// Record is the persisted snapshot shape, keyed by session. Only the most
// recent snapshot per session is retained.
type Record struct {
	SessionID    string            `json:"sessionId"`
	SnapshotID   uuid.UUID         `json:"snapshotId"`
	IssuedAt     time.Time         `json:"issuedAt"`
	State        *models.GameState `json:"state"`
	LastActionID *uuid.UUID        `json:"lastActionId,omitempty"`
}

// SnapshotStore saves and restores session snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) (Record, error)
}

// FromSnapshot adapts a journal snapshot into a persistable record.
func FromSnapshot(sessionID string, snap journal.Snapshot) Record {
	return Record{
		SessionID:    sessionID,
		SnapshotID:   snap.ID,
		IssuedAt:     snap.IssuedAt,
		State:        snap.State,
		LastActionID: snap.LastActionID,
	}
}

// Snapshot converts a record back into the journal's snapshot shape.
func (r Record) Snapshot() journal.Snapshot {
	return journal.Snapshot{
		ID:           r.SnapshotID,
		IssuedAt:     r.IssuedAt,
		State:        r.State,
		LastActionID: r.LastActionID,
	}
}
