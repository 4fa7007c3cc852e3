package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// saveScript writes the snapshot only when it is not older than the stored
// one and moves the key expiry to the snapshot's.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'stamp')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'stamp', ARGV[1], 'snapshot', ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

// Redis stores each snapshot as a hash under rooms:<code> with a key TTL.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func roomKey(code string) string {
	return fmt.Sprintf("rooms:%s", code)
}

func (r *Redis) Get(ctx context.Context, code string) (Snapshot, error) {
	val, err := r.rdb.HGet(ctx, roomKey(code), "snapshot").Bytes()
	if err == redis.Nil {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get snapshot %s: %w", code, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot %s: %w", code, err)
	}
	return snap, nil
}

func (r *Redis) Save(ctx context.Context, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.Code, err)
	}
	stamp := strconv.FormatInt(snap.LastUpdatedAt.UnixMicro(), 10)
	expireAt := strconv.FormatInt(snap.ExpiresAt.UnixMilli(), 10)

	err = saveScript.Run(ctx, r.rdb, []string{roomKey(snap.Code)}, stamp, b, expireAt).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.Code, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, code string) (bool, error) {
	n, err := r.rdb.Exists(ctx, roomKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check snapshot %s: %w", code, err)
	}
	return n > 0, nil
}
