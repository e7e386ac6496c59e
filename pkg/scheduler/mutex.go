package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// schedule-pass mutexes keep one worker per (pass, scaling group); the TTL
// frees the lock if the holder dies mid-pass.
const mutexTTL = 30 * time.Second

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type passMutex struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

// tryLockPass acquires the (pass, scaling group) mutex; a nil mutex with nil
// error means another worker holds it and the pass should be skipped.
func tryLockPass(ctx context.Context, rdb redis.UniversalClient, pass, scalingGroup string) (*passMutex, error) {
	m := &passMutex{
		rdb:   rdb,
		key:   fmt.Sprintf("scheduler.lock.%s.%s", pass, scalingGroup),
		token: uuid.NewString(),
	}
	ok, err := rdb.SetNX(ctx, m.key, m.token, mutexTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", m.key, err)
	}
	if !ok {
		return nil, nil
	}
	return m, nil
}

// unlock releases the mutex if this worker still holds it.
func (m *passMutex) unlock(ctx context.Context) {
	_ = unlockScript.Run(ctx, m.rdb, []string{m.key}, m.token).Err()
}
