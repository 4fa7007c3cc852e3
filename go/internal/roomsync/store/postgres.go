package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	code            TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	creator_id      TEXT NOT NULL,
	state           JSONB NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS room_snapshots_expires_at_idx ON room_snapshots (expires_at);`

// Postgres keeps snapshots in a single table and announces every accepted
// write on NotifyChannel with the room code as payload.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects a pool to dsn and verifies it.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// EnsureSchema creates the snapshot table if it is missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, code string) (Snapshot, error) {
	query := `
		SELECT code, name, creator_id, state, last_updated_at, expires_at
		FROM room_snapshots
		WHERE code = $1 AND expires_at > now()`

	var snap Snapshot
	var state []byte
	err := p.db.QueryRow(ctx, query, code).
		Scan(&snap.Code, &snap.Name, &snap.CreatorID, &state, &snap.LastUpdatedAt, &snap.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("failed to get snapshot %s: %w", code, err)
	}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot %s: %w", code, err)
	}
	return snap, nil
}

// Save upserts the snapshot unless the stored row is newer, and notifies
// listeners in the same transaction so the hint is only sent on commit.
func (p *Postgres) Save(ctx context.Context, snap Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.Code, err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO room_snapshots (code, name, creator_id, state, last_updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			creator_id = EXCLUDED.creator_id,
			state = EXCLUDED.state,
			last_updated_at = EXCLUDED.last_updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE room_snapshots.last_updated_at <= EXCLUDED.last_updated_at`

	tag, err := tx.Exec(ctx, query, snap.Code, snap.Name, snap.CreatorID, state, snap.LastUpdatedAt, snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, snap.Code); err != nil {
		return fmt.Errorf("failed to notify snapshot %s: %w", snap.Code, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot %s: %w", snap.Code, err)
	}
	return nil
}

func (p *Postgres) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_snapshots WHERE code = $1 AND expires_at > now())`, code).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check snapshot %s: %w", code, err)
	}
	return exists, nil
}

// PurgeExpired deletes every expired snapshot and returns how many.
func (p *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM room_snapshots WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Close() {
	p.db.Close()
}
