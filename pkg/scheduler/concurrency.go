// Package scheduler assigns agents to pending sessions: predicate checks,
// strategy-based agent selection, image-pull preconditions, and kernel
// creation fan-out.
package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Concurrency counter key prefixes, split by session privacy: SFTP/system
// sessions get their own budget.
const (
	concurrencyKeyPrefix     = "keypair.concurrency_used."
	sftpConcurrencyKeyPrefix = "keypair.sftp_concurrency_used."
)

// checkAndIncrScript atomically checks the per-keypair session count against
// its limit and increments on success. Returns {ok, count}. A limit of zero
// or below means unlimited.
var checkAndIncrScript = redis.NewScript(`
redis.call('SETNX', KEYS[1], 0)
local current = tonumber(redis.call('GET', KEYS[1]))
local limit = tonumber(ARGV[1])
if limit > 0 and current >= limit then
	return {0, current}
end
return {1, redis.call('INCR', KEYS[1])}
`)

// ConcurrencyTracker maintains the shared per-keypair session counters in
// Redis so every manager worker sees the same numbers.
type ConcurrencyTracker struct {
	rdb redis.UniversalClient
}

// NewConcurrencyTracker wraps the Redis client.
func NewConcurrencyTracker(rdb redis.UniversalClient) *ConcurrencyTracker {
	return &ConcurrencyTracker{rdb: rdb}
}

func concurrencyKey(accessKey string, private bool) string {
	if private {
		return sftpConcurrencyKeyPrefix + accessKey
	}
	return concurrencyKeyPrefix + accessKey
}

// CheckAndIncrement reserves one concurrency unit if the keypair is under
// its limit. The returned count is the value after the check.
func (t *ConcurrencyTracker) CheckAndIncrement(ctx context.Context, accessKey string, limit int, private bool) (ok bool, count int64, err error) {
	res, err := checkAndIncrScript.Run(ctx, t.rdb,
		[]string{concurrencyKey(accessKey, private)}, limit).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("concurrency check for %s: %w", accessKey, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("concurrency check for %s: unexpected reply %v", accessKey, res)
	}
	return res[0] == 1, res[1], nil
}

// Decrement releases one concurrency unit, flooring at zero.
var decrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	redis.call('SET', KEYS[1], 0)
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// Decrement releases a unit reserved by CheckAndIncrement, used both for
// predicate rollback and on session destroy.
func (t *ConcurrencyTracker) Decrement(ctx context.Context, accessKey string, private bool) error {
	if err := decrScript.Run(ctx, t.rdb,
		[]string{concurrencyKey(accessKey, private)}).Err(); err != nil {
		return fmt.Errorf("concurrency decrement for %s: %w", accessKey, err)
	}
	return nil
}

// Set overwrites one keypair's counters with authoritative DB counts.
func (t *ConcurrencyTracker) Set(ctx context.Context, accessKey string, compute, private int) error {
	err := t.rdb.MSet(ctx,
		concurrencyKey(accessKey, false), compute,
		concurrencyKey(accessKey, true), private,
	).Err()
	if err != nil {
		return fmt.Errorf("set concurrency counters for %s: %w", accessKey, err)
	}
	return nil
}

// Rebuild overwrites the counters from authoritative DB counts in one MSET,
// including explicit zeros for existing keys with no live sessions.
func (t *ConcurrencyTracker) Rebuild(ctx context.Context, compute, private map[string]int) error {
	pairs := make([]any, 0, 2*(len(compute)+len(private)))
	seen := map[string]struct{}{}
	for ak, n := range compute {
		pairs = append(pairs, concurrencyKey(ak, false), n)
		seen[concurrencyKey(ak, false)] = struct{}{}
	}
	for ak, n := range private {
		pairs = append(pairs, concurrencyKey(ak, true), n)
		seen[concurrencyKey(ak, true)] = struct{}{}
	}

	// Existing keys absent from the counts get zeroed, not deleted, so
	// concurrent SETNX-based checks keep working.
	for _, prefix := range []string{concurrencyKeyPrefix, sftpConcurrencyKeyPrefix} {
		iter := t.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if _, ok := seen[key]; !ok {
				pairs = append(pairs, key, 0)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan concurrency keys: %w", err)
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	if err := t.rdb.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("rebuild concurrency counters: %w", err)
	}
	return nil
}
