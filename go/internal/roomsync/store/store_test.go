package store

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(code string, at time.Time) models.RoomState {
	return models.RoomState{
		Room:          models.Room{Code: code, Name: "Keynote", CreatorID: "ctrl", CreatedAt: at},
		Timer:         models.NewIdleTimer(5 * time.Minute),
		LastUpdatedBy: "ctrl",
		LastUpdatedAt: at,
	}
}

func TestMemory_SaveGet(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)

	_, err := m.Get(ctx, "A7F3QZ")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := NewSnapshot(testState("A7F3QZ", clock.Now()), clock.Now(), time.Hour)
	require.NoError(t, m.Save(ctx, snap))

	got, err := m.Get(ctx, "A7F3QZ")
	require.NoError(t, err)
	assert.Equal(t, "Keynote", got.Name)
	assert.Equal(t, 5*time.Minute, got.State.Timer.Duration)

	exists, err := m.Exists(ctx, "A7F3QZ")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)

	require.NoError(t, m.Save(ctx, NewSnapshot(testState("A7F3QZ", clock.Now()), clock.Now(), 0)))
	clock.Advance(DefaultTTL)

	_, err := m.Get(ctx, "A7F3QZ")
	assert.ErrorIs(t, err, ErrNotFound)
	exists, err := m.Exists(ctx, "A7F3QZ")
	require.NoError(t, err)
	assert.False(t, exists)

	// The next write drops what has expired.
	require.NoError(t, m.Save(ctx, NewSnapshot(testState("BBBBBB", clock.Now()), clock.Now(), time.Hour)))
	m.mu.Lock()
	assert.Len(t, m.rooms, 1)
	m.mu.Unlock()
}

func TestMemory_OlderSnapshotIsDropped(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)
	now := clock.Now()

	newer := testState("A7F3QZ", now.Add(time.Second))
	newer.Room.Name = "newer"
	older := testState("A7F3QZ", now)
	older.Room.Name = "older"

	require.NoError(t, m.Save(ctx, NewSnapshot(newer, now, time.Hour)))
	require.NoError(t, m.Save(ctx, NewSnapshot(older, now, time.Hour)))

	got, err := m.Get(ctx, "A7F3QZ")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Name)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())
	state := testState("A7F3QZ", time.Now())
	state.Participants = []models.Participant{{ID: "ctrl"}}
	require.NoError(t, m.Save(ctx, NewSnapshot(state, time.Now(), time.Hour)))

	got, err := m.Get(ctx, "A7F3QZ")
	require.NoError(t, err)
	got.State.Participants[0].ID = "mutated"

	again, err := m.Get(ctx, "A7F3QZ")
	require.NoError(t, err)
	assert.Equal(t, "ctrl", again.State.Participants[0].ID)
}

func TestMemory_Watch(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)

	var hits atomic.Int32
	stop := m.Watch("A7F3QZ", func() { hits.Add(1) })
	m.Watch("ZZZZZZ", func() { t.Error("unrelated room notified") })

	require.NoError(t, m.Save(ctx, NewSnapshot(testState("A7F3QZ", clock.Now()), clock.Now(), time.Hour)))
	assert.Equal(t, int32(1), hits.Load())

	stop()
	stop()
	require.NoError(t, m.Save(ctx, NewSnapshot(testState("A7F3QZ", clock.Now().Add(time.Second)), clock.Now(), time.Hour)))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("CUESYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CUESYNC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	r := NewRedis(rdb)

	now := time.Now().UTC()
	code := "T" + now.Format("150405")
	require.NoError(t, r.Save(ctx, NewSnapshot(testState(code, now.Add(time.Second)), now, time.Minute)))
	require.NoError(t, r.Save(ctx, NewSnapshot(testState(code, now), now, time.Minute)))

	got, err := r.Get(ctx, code)
	require.NoError(t, err)
	assert.True(t, got.LastUpdatedAt.Equal(now.Add(time.Second)))

	_, err = r.Get(ctx, "NOPE22")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("CUESYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CUESYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.EnsureSchema(ctx))

	now := time.Now().UTC().Truncate(time.Microsecond)
	code := "P" + now.Format("150405")
	require.NoError(t, p.Save(ctx, NewSnapshot(testState(code, now), now, time.Minute)))

	got, err := p.Get(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "Keynote", got.Name)
	assert.True(t, got.LastUpdatedAt.Equal(now))

	exists, err := p.Exists(ctx, code)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = p.PurgeExpired(ctx)
	require.NoError(t, err)
}
