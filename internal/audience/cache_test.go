package audience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// countingCalculator records how often the wrapped calculator actually runs.
type countingCalculator struct {
	calls  int
	result *ReachResult
}

func (c *countingCalculator) CalculateReach(_ context.Context, _, _ []uuid.UUID) (*ReachResult, error) {
	c.calls++
	return c.result, nil
}

func setupCache(t *testing.T, ttl time.Duration) (*ReachCache, *countingCalculator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	calc := &countingCalculator{result: &ReachResult{
		UniqueCount: 7,
		Details:     ReachDetails{TotalIncluded: 9, TotalExcluded: 2, IncludedAudiences: 2, ExcludedAudiences: 1},
	}}
	return NewReachCache(calc, rdb, ttl), calc, mr
}

// =============================================================================
// REACH CACHE TESTS
// =============================================================================

func TestReachCache_HitServesWithoutRecomputing(t *testing.T) {
	cache, calc, _ := setupCache(t, time.Minute)
	ctx := context.Background()
	included := []uuid.UUID{uuid.New(), uuid.New()}

	first, err := cache.CalculateReach(ctx, included, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cache.CalculateReach(ctx, included, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calc.calls != 1 {
		t.Errorf("expected one real calculation, got %d", calc.calls)
	}
	if first.UniqueCount != second.UniqueCount || second.UniqueCount != 7 {
		t.Errorf("cached result diverged: %+v vs %+v", first, second)
	}
}

func TestReachCache_KeyIgnoresRequestOrder(t *testing.T) {
	cache, calc, _ := setupCache(t, time.Minute)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	if _, err := cache.CalculateReach(ctx, []uuid.UUID{a, b}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.CalculateReach(ctx, []uuid.UUID{b, a}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calc.calls != 1 {
		t.Errorf("reordered IDs should hit the same key, got %d calculations", calc.calls)
	}
}

func TestReachCache_SidesHashSeparately(t *testing.T) {
	cache, calc, _ := setupCache(t, time.Minute)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	if _, err := cache.CalculateReach(ctx, []uuid.UUID{a, b}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.CalculateReach(ctx, []uuid.UUID{a}, []uuid.UUID{b}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calc.calls != 2 {
		t.Errorf("moving an ID across sides must change the key, got %d calculations", calc.calls)
	}
}

func TestReachCache_EntryExpires(t *testing.T) {
	cache, calc, mr := setupCache(t, time.Second)
	ctx := context.Background()
	included := []uuid.UUID{uuid.New()}

	if _, err := cache.CalculateReach(ctx, included, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := cache.CalculateReach(ctx, included, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calc.calls != 2 {
		t.Errorf("expired entry should recompute, got %d calculations", calc.calls)
	}
}

func TestReachCache_RedisOutageFallsThrough(t *testing.T) {
	cache, calc, mr := setupCache(t, time.Minute)
	ctx := context.Background()
	included := []uuid.UUID{uuid.New()}

	mr.Close()

	result, err := cache.CalculateReach(ctx, included, nil)
	if err != nil {
		t.Fatalf("redis outage should pass through, got %v", err)
	}
	if result.UniqueCount != 7 || calc.calls != 1 {
		t.Errorf("expected direct computation, got %+v after %d calls", result, calc.calls)
	}
}
