// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aifedespaix/cki/internal/models"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	session_id     TEXT PRIMARY KEY,
	snapshot_id    TEXT NOT NULL,
	issued_at      TIMESTAMPTZ NOT NULL,
	state          JSONB NOT NULL,
	last_action_id TEXT
)`

// Postgres persists the latest snapshot per session in a single upserted row.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and ensures the snapshot table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, snapshotSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Save(ctx context.Context, rec Record) error {
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}
	var lastActionID *string
	if rec.LastActionID != nil {
		s := rec.LastActionID.String()
		lastActionID = &s
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO session_snapshots (session_id, snapshot_id, issued_at, state, last_action_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			snapshot_id    = EXCLUDED.snapshot_id,
			issued_at      = EXCLUDED.issued_at,
			state          = EXCLUDED.state,
			last_action_id = EXCLUDED.last_action_id`,
		rec.SessionID, rec.SnapshotID.String(), rec.IssuedAt, stateJSON, lastActionID)
	if err != nil {
		return fmt.Errorf("store: save snapshot for %s: %w", rec.SessionID, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, sessionID string) (Record, error) {
	var (
		snapshotID   string
		issuedAt     time.Time
		stateJSON    []byte
		lastActionID *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT snapshot_id, issued_at, state, last_action_id
		FROM session_snapshots WHERE session_id = $1`, sessionID).
		Scan(&snapshotID, &issuedAt, &stateJSON, &lastActionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: load snapshot for %s: %w", sessionID, err)
	}

	rec := Record{SessionID: sessionID, IssuedAt: issuedAt}
	if rec.SnapshotID, err = uuid.Parse(snapshotID); err != nil {
		return Record{}, fmt.Errorf("store: corrupt snapshot id for %s: %w", sessionID, err)
	}
	if lastActionID != nil {
		id, err := uuid.Parse(*lastActionID)
		if err != nil {
			return Record{}, fmt.Errorf("store: corrupt last action id for %s: %w", sessionID, err)
		}
		rec.LastActionID = &id
	}
	state := &models.GameState{}
	if err := json.Unmarshal(stateJSON, state); err != nil {
		return Record{}, fmt.Errorf("store: corrupt state for %s: %w", sessionID, err)
	}
	rec.State = state
	return rec, nil
}
