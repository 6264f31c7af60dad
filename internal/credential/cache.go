package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSource fronts a Source with a short-TTL redis cache. Poll cycles
// hit the credential lookup every few seconds per bot; the TTL is the only
// invalidation, which is acceptable because credential edits are rare and
// a stale read self-heals within the TTL.
type CachedSource struct {
	next Source
	rdb  *redis.Client
	ttl  time.Duration
}

func NewCachedSource(next Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(botID int64) string { return fmt.Sprintf("gwcred:%d", botID) }

func (s *CachedSource) ActiveForBot(ctx context.Context, botID int64) (*Credential, error) {
	if raw, err := s.rdb.Get(ctx, cacheKey(botID)).Bytes(); err == nil {
		var c Credential
		if json.Unmarshal(raw, &c) == nil {
			return &c, nil
		}
	} else if err != redis.Nil {
		log.Printf("[credential] redis get failed, falling through: %v", err)
	}

	c, err := s.next.ActiveForBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(c); err == nil {
		if err := s.rdb.Set(ctx, cacheKey(botID), raw, s.ttl).Err(); err != nil {
			log.Printf("[credential] redis set failed: %v", err)
		}
	}
	return c, nil
}
