package lifecycle

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// updatableSetKey collects session ids whose kernels changed since the last
// drain. Any worker may register, any worker may drain.
const updatableSetKey = "session.status-updatable"

// UpdatableSet is the shared dedup queue of sessions awaiting aggregation.
type UpdatableSet struct {
	rdb redis.UniversalClient
}

// NewUpdatableSet wraps the Redis client.
func NewUpdatableSet(rdb redis.UniversalClient) *UpdatableSet {
	return &UpdatableSet{rdb: rdb}
}

// Register marks sessions for re-aggregation. Duplicate registrations
// collapse into one pending update.
func (u *UpdatableSet) Register(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	members := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		members[i] = id
	}
	if err := u.rdb.SAdd(ctx, updatableSetKey, members...).Err(); err != nil {
		return fmt.Errorf("register updatable sessions: %w", err)
	}
	return nil
}

// Drain pops up to max session ids. An empty result means nothing is
// pending.
func (u *UpdatableSet) Drain(ctx context.Context, max int) ([]string, error) {
	ids, err := u.rdb.SPopN(ctx, updatableSetKey, int64(max)).Result()
	if err != nil {
		return nil, fmt.Errorf("drain updatable sessions: %w", err)
	}
	return ids, nil
}
