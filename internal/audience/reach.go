package audience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAudienceNotFound is returned by single-audience lookups when the ID
// has no metadata row. Batch reach calculation never returns it: unknown
// IDs are silently skipped there.
var ErrAudienceNotFound = errors.New("audience not found")

// ReachCalculator is the calculation surface consumed by the API layer.
// *Engine implements it directly; ReachCache wraps it with a short-TTL
// estimate cache.
type ReachCalculator interface {
	CalculateReach(ctx context.Context, includedIDs, excludedIDs []uuid.UUID) (*ReachResult, error)
}

// Engine is the reach calculation engine. It holds no state between calls:
// every calculation re-reads audience metadata and recomputes dynamic
// membership against current data.
type Engine struct {
	backend  Backend
	resolver *FilterResolver
	timeout  time.Duration
}

// NewEngine creates a reach engine over the given backend
func NewEngine(backend Backend) *Engine {
	return &Engine{
		backend:  backend,
		resolver: NewFilterResolver(backend),
		timeout:  30 * time.Second,
	}
}

// SetTimeout bounds one whole CalculateReach call, fan-out included. A
// deadline hit is treated like any other storage failure: the affected
// audiences contribute zero members.
func (e *Engine) SetTimeout(d time.Duration) {
	e.timeout = d
}

// Resolver returns the underlying filter resolver for direct access
func (e *Engine) Resolver() *FilterResolver {
	return e.resolver
}

// CalculateReach computes the unique reach for the given included and
// excluded audience IDs.
//
// Every audience resolves independently, so resolution fans out
// concurrently and joins before the set algebra: union of included members,
// union of excluded members, difference, counts. A subscriber present on
// both sides is excluded — exclusion always wins.
//
// Per-audience storage failures are logged loudly and collapse that
// audience to zero members rather than failing the call; a broken filter
// undercounts reach instead of blocking a send preview.
func (e *Engine) CalculateReach(ctx context.Context, includedIDs, excludedIDs []uuid.UUID) (*ReachResult, error) {
	// Excluded-only input never yields a positive reach.
	if len(includedIDs) == 0 {
		return &ReachResult{}, nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	includedIDs = dedupeIDs(includedIDs)
	excludedIDs = dedupeIDs(excludedIDs)

	audiences, err := e.backend.AudiencesByIDs(ctx, append(append([]uuid.UUID{}, includedIDs...), excludedIDs...))
	if err != nil {
		log.Printf("REACH DEGRADED: audience metadata fetch failed, reporting zero reach: %v", err)
		return &ReachResult{}, nil
	}

	byID := make(map[uuid.UUID]*Audience, len(audiences))
	for _, aud := range audiences {
		byID[aud.ID] = aud
	}

	// Referenced IDs with no metadata row are treated as if they were
	// never requested, on either side.
	included := knownAudiences(includedIDs, byID)
	excluded := knownAudiences(excludedIDs, byID)

	members := e.resolveAllMembers(ctx, append(append([]*Audience{}, included...), excluded...))

	includedSet := make(map[uuid.UUID]struct{})
	for _, aud := range included {
		for _, id := range members[aud.ID] {
			includedSet[id] = struct{}{}
		}
	}
	excludedSet := make(map[uuid.UUID]struct{})
	for _, aud := range excluded {
		for _, id := range members[aud.ID] {
			excludedSet[id] = struct{}{}
		}
	}

	totalIncluded := len(includedSet)
	for id := range excludedSet {
		delete(includedSet, id)
	}

	return &ReachResult{
		UniqueCount: len(includedSet),
		Details: ReachDetails{
			TotalIncluded:     totalIncluded,
			TotalExcluded:     len(excludedSet),
			IncludedAudiences: len(included),
			ExcludedAudiences: len(excluded),
		},
	}, nil
}

// resolveAllMembers fans out membership resolution across the unique set of
// audiences and joins before returning. Each resolution writes its own ID
// slice; the mutex-guarded map is the only shared state, and the WaitGroup
// is the single synchronization barrier. An audience appearing on both the
// included and excluded side resolves once.
func (e *Engine) resolveAllMembers(ctx context.Context, audiences []*Audience) map[uuid.UUID][]uuid.UUID {
	members := make(map[uuid.UUID][]uuid.UUID, len(audiences))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, aud := range audiences {
		mu.Lock()
		_, queued := members[aud.ID]
		if !queued {
			members[aud.ID] = nil
		}
		mu.Unlock()
		if queued {
			continue
		}

		wg.Add(1)
		go func(a *Audience) {
			defer wg.Done()
			ids, err := e.MemberIDs(ctx, a)
			if err != nil {
				log.Printf("REACH DEGRADED: audience %s (%s) resolution failed, contributing zero members: %v",
					a.ID, a.Name, err)
				ids = nil
			}
			mu.Lock()
			members[a.ID] = ids
			mu.Unlock()
		}(aud)
	}

	wg.Wait()
	return members
}

func knownAudiences(ids []uuid.UUID, byID map[uuid.UUID]*Audience) []*Audience {
	var out []*Audience
	for _, id := range ids {
		if aud, ok := byID[id]; ok {
			out = append(out, aud)
		}
	}
	return out
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	var out []uuid.UUID
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
