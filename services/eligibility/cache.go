package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadmarket/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// Cache keeps resolved eligibility per lead in Redis. Keys embed the niche
// generation, so bumping the generation drops every lead of the niche.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Generation returns the niche's current cache generation.
func (c *Cache) Generation(ctx context.Context, nicheID string) (int64, error) {
	gen, err := c.rdb.Get(ctx, rediskey.BuildNicheGenerationKey(nicheID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read niche generation: %w", err)
	}
	return gen, nil
}

func (c *Cache) Get(ctx context.Context, leadID string, gen int64) (*Eligibility, bool, error) {
	raw, err := c.rdb.Get(ctx, rediskey.BuildEligibilityKey(leadID, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read eligibility: %w", err)
	}

	var e Eligibility
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode eligibility: %w", err)
	}
	return &e, true, nil
}

func (c *Cache) Set(ctx context.Context, leadID string, e *Eligibility) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode eligibility: %w", err)
	}
	return c.rdb.Set(ctx, rediskey.BuildEligibilityKey(leadID, e.Generation), raw, c.ttl).Err()
}

// InvalidateNiche bumps the niche generation. Entries written under older
// generations are never read again and expire with their TTL.
func (c *Cache) InvalidateNiche(ctx context.Context, nicheID string) error {
	if err := c.rdb.Incr(ctx, rediskey.BuildNicheGenerationKey(nicheID)).Err(); err != nil {
		return fmt.Errorf("bump niche generation: %w", err)
	}
	return nil
}
