package counter

import (
	"context"
	"strconv"

	"github.com/revopsio/recoup/internal/pkg/cache"
)

const (
	receivedKey  = "webhook:counters:received"
	duplicateKey = "webhook:counters:duplicate"
)

// AddReceived increments the intake counter for a provider in Redis
func AddReceived(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, receivedKey, provider, 1).Err()
}

// AddDuplicate increments the duplicate-delivery counter for a provider in Redis
func AddDuplicate(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, duplicateKey, provider, 1).Err()
}

// IntakeCounts holds per-provider intake totals since the counters were last reset.
type IntakeCounts struct {
	Received  map[string]int64 `json:"received"`
	Duplicate map[string]int64 `json:"duplicate"`
}

// Snapshot reads both counter hashes without draining them.
func Snapshot() (*IntakeCounts, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	received, err := rdb.HGetAll(ctx, receivedKey).Result()
	if err != nil {
		return nil, err
	}
	duplicate, err := rdb.HGetAll(ctx, duplicateKey).Result()
	if err != nil {
		return nil, err
	}

	return &IntakeCounts{
		Received:  parseCounts(received),
		Duplicate: parseCounts(duplicate),
	}, nil
}

func parseCounts(raw map[string]string) map[string]int64 {
	out := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out
}
