package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisOracle reads the JSON blobs the ingestion pipeline writes into the
// shared cache: price:{marketID} for quotes and resolution:{marketID} for
// final outcomes. Batch resolution uses a single MGET.
type RedisOracle struct {
	rdb *redis.Client
}

// NewRedisOracle creates an oracle over the shared price cache.
func NewRedisOracle(rdb *redis.Client) *RedisOracle {
	return &RedisOracle{rdb: rdb}
}

func priceKey(marketID string) string      { return fmt.Sprintf("price:%s", marketID) }
func resolutionKey(marketID string) string { return fmt.Sprintf("resolution:%s", marketID) }

func (o *RedisOracle) LatestPrice(ctx context.Context, marketID string) (*Quote, error) {
	data, err := o.rdb.Get(ctx, priceKey(marketID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoQuote
	}
	if err != nil {
		return nil, fmt.Errorf("oracle: read price for %s: %w", marketID, err)
	}

	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("oracle: decode price for %s: %w", marketID, err)
	}
	q.MarketID = marketID
	return &q, nil
}

func (o *RedisOracle) BatchResolutionStatus(ctx context.Context, marketIDs []string) (map[string]Resolution, error) {
	if len(marketIDs) == 0 {
		return map[string]Resolution{}, nil
	}

	keys := make([]string, len(marketIDs))
	for i, id := range marketIDs {
		keys[i] = resolutionKey(id)
	}

	values, err := o.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("oracle: batch resolution read: %w", err)
	}

	out := make(map[string]Resolution, len(marketIDs))
	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r Resolution
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out[marketIDs[i]] = r
	}
	return out, nil
}
