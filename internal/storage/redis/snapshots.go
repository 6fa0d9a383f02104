package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// SnapshotStore keeps each baseline in a hash of id to JSON listing, with a
// head key recording that a baseline exists even when it is empty.
type SnapshotStore struct {
	client redis.UniversalClient
	prefix string
	clock  crawler.Clock
}

// NewSnapshotStore wraps client.
func NewSnapshotStore(client redis.UniversalClient, prefix string, clock crawler.Clock) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &SnapshotStore{client: client, prefix: prefix, clock: clock}, nil
}

func (s *SnapshotStore) itemsKey(storeID string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, storeID)
}

func (s *SnapshotStore) headKey(storeID string) string {
	return fmt.Sprintf("%s:snapshot-head:%s", s.prefix, storeID)
}

// Get returns the stored baseline; found is false before the first Put.
func (s *SnapshotStore) Get(ctx context.Context, storeID string) (map[string]crawler.Listing, bool, error) {
	exists, err := s.client.Exists(ctx, s.headKey(storeID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot head: %w", err)
	}
	if exists == 0 {
		return nil, false, nil
	}
	raw, err := s.client.HGetAll(ctx, s.itemsKey(storeID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	out := make(map[string]crawler.Listing, len(raw))
	for id, blob := range raw {
		var l crawler.Listing
		if err := json.Unmarshal([]byte(blob), &l); err != nil {
			return nil, false, fmt.Errorf("decode snapshot item %s: %w", id, err)
		}
		out[id] = l
	}
	return out, true, nil
}

// Put replaces the baseline inside a MULTI/EXEC transaction.
func (s *SnapshotStore) Put(ctx context.Context, storeID string, listings map[string]crawler.Listing) error {
	fields := make(map[string]any, len(listings))
	for id, l := range listings {
		blob, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode snapshot item %s: %w", id, err)
		}
		fields[id] = blob
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.itemsKey(storeID))
		if len(fields) > 0 {
			pipe.HSet(ctx, s.itemsKey(storeID), fields)
		}
		pipe.Set(ctx, s.headKey(storeID), s.clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
