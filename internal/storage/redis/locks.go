// Package redisstore provides Redis-backed crawl locks and snapshot storage for
// deployments running several workers without sharing a Postgres snapshot
// table.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

const defaultPrefix = "storewatch"

// acquireScript sets the lock unless any owner, ARGV[1] included, holds a
// fresh one.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	local started = tonumber(redis.call('HGET', KEYS[1], 'started_at'))
	if started and (tonumber(ARGV[2]) - started) <= tonumber(ARGV[3]) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'started_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// releaseScript deletes the lock when ARGV[1] owns it.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// sweepScript deletes the lock when it started before ARGV[1].
var sweepScript = redis.NewScript(`
local started = tonumber(redis.call('HGET', KEYS[1], 'started_at'))
if started == nil then
	redis.call('SREM', KEYS[2], ARGV[2])
	return 0
end
if started < tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// LockManager implements crawler.LockManager with per-store hashes updated
// by Lua scripts.
type LockManager struct {
	client     redis.UniversalClient
	prefix     string
	staleAfter time.Duration
	clock      crawler.Clock
}

// NewLockManager wraps client. Locks older than staleAfter may be taken over.
func NewLockManager(client redis.UniversalClient, prefix string, staleAfter time.Duration, clock crawler.Clock) (*LockManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &LockManager{client: client, prefix: prefix, staleAfter: staleAfter, clock: clock}, nil
}

func (m *LockManager) lockKey(storeID string) string {
	return fmt.Sprintf("%s:lock:%s", m.prefix, storeID)
}

func (m *LockManager) indexKey() string {
	return m.prefix + ":locks"
}

// TryAcquire takes the store lock when free, owned by workerID, or stale.
func (m *LockManager) TryAcquire(ctx context.Context, storeID, workerID string) (bool, error) {
	now := m.clock.Now().UnixMilli()
	res, err := acquireScript.Run(ctx, m.client,
		[]string{m.lockKey(storeID), m.indexKey()},
		workerID, strconv.FormatInt(now, 10), strconv.FormatInt(m.staleAfter.Milliseconds(), 10), storeID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", storeID, err)
	}
	return res == 1, nil
}

// Release clears the lock if workerID owns it.
func (m *LockManager) Release(ctx context.Context, storeID, workerID string) error {
	if err := releaseScript.Run(ctx, m.client,
		[]string{m.lockKey(storeID), m.indexKey()}, workerID, storeID,
	).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", storeID, err)
	}
	return nil
}

// ReleaseAll clears every lock held by workerID.
func (m *LockManager) ReleaseAll(ctx context.Context, workerID string) (int, error) {
	return m.each(ctx, func(storeID string) (int, error) {
		return releaseScript.Run(ctx, m.client,
			[]string{m.lockKey(storeID), m.indexKey()}, workerID, storeID,
		).Int()
	})
}

// SweepStale force-clears locks older than maxAge regardless of owner.
func (m *LockManager) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = m.staleAfter
	}
	cutoff := strconv.FormatInt(m.clock.Now().Add(-maxAge).UnixMilli(), 10)
	return m.each(ctx, func(storeID string) (int, error) {
		return sweepScript.Run(ctx, m.client,
			[]string{m.lockKey(storeID), m.indexKey()}, cutoff, storeID,
		).Int()
	})
}

func (m *LockManager) each(ctx context.Context, fn func(storeID string) (int, error)) (int, error) {
	ids, err := m.client.SMembers(ctx, m.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list locks: %w", err)
	}
	total := 0
	for _, id := range ids {
		n, err := fn(id)
		if err != nil {
			return total, fmt.Errorf("lock %s: %w", id, err)
		}
		total += n
	}
	return total, nil
}
