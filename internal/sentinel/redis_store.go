package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/propdesk/eval-engine/internal/model"
)

// RedisFreezeStore keeps freeze entries as TTL keys in Redis so every engine
// instance observes the same freeze state and expiry needs no sweeper.
type RedisFreezeStore struct {
	rdb *redis.Client
}

// NewRedisFreezeStore creates a Redis-backed freeze store.
func NewRedisFreezeStore(rdb *redis.Client) *RedisFreezeStore {
	return &RedisFreezeStore{rdb: rdb}
}

func freezeKey(marketID string) string { return fmt.Sprintf("freeze:%s", marketID) }

func (s *RedisFreezeStore) Freeze(ctx context.Context, f model.Freeze) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ttl := time.Until(f.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, freezeKey(f.MarketID), data, ttl).Err()
}

func (s *RedisFreezeStore) Get(ctx context.Context, marketID string) (*model.Freeze, error) {
	data, err := s.rdb.Get(ctx, freezeKey(marketID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f model.Freeze
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *RedisFreezeStore) Clear(ctx context.Context, marketID string) error {
	return s.rdb.Del(ctx, freezeKey(marketID)).Err()
}
