package audience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReachCache is a short-TTL decorator around a ReachCalculator. It lives
// outside the engine so the core stays cache-free and always current;
// staleness is bounded by the TTL alone, and a Redis outage degrades to
// straight pass-through.
type ReachCache struct {
	next ReachCalculator
	rdb  *redis.Client
	ttl  time.Duration
}

// NewReachCache wraps calc with a Redis-backed estimate cache
func NewReachCache(calc ReachCalculator, rdb *redis.Client, ttl time.Duration) *ReachCache {
	return &ReachCache{next: calc, rdb: rdb, ttl: ttl}
}

// CalculateReach serves a cached estimate when one exists, otherwise
// delegates and stores the result best-effort.
func (c *ReachCache) CalculateReach(ctx context.Context, includedIDs, excludedIDs []uuid.UUID) (*ReachResult, error) {
	key := reachCacheKey(includedIDs, excludedIDs)

	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var cached ReachResult
		if json.Unmarshal(data, &cached) == nil {
			return &cached, nil
		}
	} else if err != redis.Nil {
		log.Printf("reach cache: get failed, computing directly: %v", err)
	}

	result, err := c.next.CalculateReach(ctx, includedIDs, excludedIDs)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(result); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Printf("reach cache: set failed: %v", err)
		}
	}

	return result, nil
}

// reachCacheKey is deterministic across request orderings: the ID lists are
// sorted before hashing because reach itself is order-independent.
func reachCacheKey(includedIDs, excludedIDs []uuid.UUID) string {
	payload := struct {
		Included []string `json:"included"`
		Excluded []string `json:"excluded"`
	}{
		Included: sortedIDStrings(includedIDs),
		Excluded: sortedIDStrings(excludedIDs),
	}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return "reach:" + hex.EncodeToString(sum[:])
}

func sortedIDStrings(ids []uuid.UUID) []string {
	out := uuidStrings(ids)
	sort.Strings(out)
	return out
}
