// Package store holds durable room snapshots so that a device joining late,
// or one whose broadcast channel dropped, can recover the current room state
// without any other device being online.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
)

// DefaultTTL is how long a snapshot outlives its last write.
const DefaultTTL = 24 * time.Hour

// NotifyChannel is the Postgres channel snapshot writes are announced on.
const NotifyChannel = "room_snapshots"

// ErrNotFound is returned when no live snapshot exists for a code.
var ErrNotFound = errors.New("room snapshot not found")

// Snapshot is the persisted form of a room.
type Snapshot struct {
	Code          string           `json:"code"`
	Name          string           `json:"name"`
	CreatorID     string           `json:"creator_id"`
	State         models.RoomState `json:"state"`
	LastUpdatedAt time.Time        `json:"last_updated_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// NewSnapshot captures state for persistence, expiring ttl after now.
func NewSnapshot(state models.RoomState, now time.Time, ttl time.Duration) Snapshot {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Snapshot{
		Code:          state.Room.Code,
		Name:          state.Room.Name,
		CreatorID:     state.Room.CreatorID,
		State:         state.Clone(),
		LastUpdatedAt: state.LastUpdatedAt,
		ExpiresAt:     now.Add(ttl),
	}
}

// Store is a durable key-value home for room snapshots keyed by room code.
// Save is last-writer-wins: a snapshot older than the stored one is dropped.
type Store interface {
	Get(ctx context.Context, code string) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Exists(ctx context.Context, code string) (bool, error)
}

// ChangeFeed delivers a hint whenever the snapshot of a watched room is
// written. Hints carry no state; receivers pull.
type ChangeFeed interface {
	Watch(code string, fn func()) (stop func())
}
