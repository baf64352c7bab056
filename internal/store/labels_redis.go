package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/scansplit/internal/roster"
)

// LabelCache remembers the last loaded label set so a new session can start
// without re-uploading the CSV.
type LabelCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var _ roster.Cache = (*LabelCache)(nil)

// NewLabelCache stores labels under scansplit:labels:studentNames. A zero ttl keeps them forever.
func NewLabelCache(client *redis.Client, ttl time.Duration) *LabelCache {
	return &LabelCache{client: client, key: fmt.Sprintf("scansplit:labels:%s", roster.CacheKey), ttl: ttl}
}

func (c *LabelCache) Get(ctx context.Context) ([]roster.Label, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, false, fmt.Errorf("decode cached labels: %w", err)
	}
	return roster.FromStrings(names), true, nil
}

func (c *LabelCache) Put(ctx context.Context, labels []roster.Label) error {
	b, err := json.Marshal(roster.Strings(labels))
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, b, c.ttl).Err()
}
