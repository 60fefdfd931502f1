package audience

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Backend is the storage surface the resolver and aggregator consume.
// *Store implements it against Postgres; tests implement it in memory.
//
// ProfileIDs and SubscriberIDs AND-combine their rules. OR semantics are
// the resolver's job: it issues one call per rule and unions the results,
// keeping the contract expressible on row-limited storage clients.
type Backend interface {
	AudiencesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Audience, error)
	StaticMembers(ctx context.Context, audienceID uuid.UUID) ([]uuid.UUID, error)
	ProfileIDs(ctx context.Context, rules []Rule) ([]uuid.UUID, error)
	SubscriberIDs(ctx context.Context, rules []Rule, profileIDs []uuid.UUID) ([]uuid.UUID, error)
}

// FilterResolver resolves a dynamic audience's filter spec to the set of
// matching subscriber IDs. It is stateless across calls: membership is
// recomputed every time because profiles and subscribers mutate outside
// this package.
type FilterResolver struct {
	backend Backend
	now     func() time.Time
}

// NewFilterResolver creates a resolver over the given backend
func NewFilterResolver(backend Backend) *FilterResolver {
	return &FilterResolver{
		backend: backend,
		now:     time.Now,
	}
}

// defaultRules is the fallback for a dynamic audience with no explicit
// rules: all active subscribers.
func defaultRules() []Rule {
	return []Rule{{Field: FieldStatus, Operator: OpEquals, Value: "active"}}
}

// ResolveSubscriberIDs computes the member IDs for a dynamic filter spec.
// Static specs are not this resolver's concern and resolve to nothing.
func (r *FilterResolver) ResolveSubscriberIDs(ctx context.Context, spec FilterSpec) ([]uuid.UUID, error) {
	if spec.IsStatic() {
		return nil, nil
	}

	rules := spec.Rules
	if len(rules) == 0 {
		rules = defaultRules()
	}
	rules = r.normalizeRules(rules)

	if spec.MatchAll() {
		return r.resolveAll(ctx, rules)
	}
	return r.resolveAny(ctx, rules)
}

// ResolveCount is the count-mode entry point. It traverses the exact same
// path as ID mode so the two can never drift.
func (r *FilterResolver) ResolveCount(ctx context.Context, spec FilterSpec) (int, error) {
	ids, err := r.ResolveSubscriberIDs(ctx, spec)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// resolveAll handles match_type "all": rules AND-combine. Single-entity
// rule sets push down as one query; rule sets spanning both entities run a
// two-step semi-join, profiles first. The order is load-bearing: user_id is
// nullable only on the subscriber side, so resolving profile predicates
// first and then constraining subscribers to the candidate set is the only
// order that sees unlinked subscribers correctly.
func (r *FilterResolver) resolveAll(ctx context.Context, rules []Rule) ([]uuid.UUID, error) {
	profileRules, subscriberRules := splitByEntity(rules, r.now())

	if len(profileRules) == 0 {
		return r.backend.SubscriberIDs(ctx, subscriberRules, nil)
	}

	candidates, err := r.backend.ProfileIDs(ctx, profileRules)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// No profile satisfies the profile-side predicates; skip the
		// subscriber query entirely.
		return nil, nil
	}

	return r.backend.SubscriberIDs(ctx, subscriberRules, candidates)
}

// resolveAny handles match_type "any": each rule resolves independently to
// its own ID set over its entity, and the sets union. The semi-join
// shortcut is not available across an OR.
func (r *FilterResolver) resolveAny(ctx context.Context, rules []Rule) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID

	for _, rule := range rules {
		var ids []uuid.UUID
		var err error

		if entityForField(rule.Field) == entityProfile {
			// A derived trial_status rule may expand to multiple profile
			// predicates; they stay ANDed within this one OR branch.
			profileRules, _ := splitByEntity([]Rule{rule}, r.now())
			var candidates []uuid.UUID
			candidates, err = r.backend.ProfileIDs(ctx, profileRules)
			if err == nil {
				if len(candidates) == 0 {
					continue
				}
				ids, err = r.backend.SubscriberIDs(ctx, nil, candidates)
			}
		} else {
			ids, err = r.backend.SubscriberIDs(ctx, []Rule{rule}, nil)
		}
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}

	return out, nil
}

// splitByEntity classifies rules by backing table, expanding the derived
// trial_status field into concrete profile predicates. Unknown fields go to
// the subscriber side, where the query builder compiles them to FALSE.
func splitByEntity(rules []Rule, now time.Time) (profileRules, subscriberRules []Rule) {
	for _, rule := range rules {
		switch entityForField(rule.Field) {
		case entityProfile:
			if rule.Field == FieldTrialStatus {
				profileRules = append(profileRules, expandTrialStatus(rule, now)...)
			} else {
				profileRules = append(profileRules, rule)
			}
		default:
			subscriberRules = append(subscriberRules, rule)
		}
	}
	return profileRules, subscriberRules
}

// expandTrialStatus rewrites the derived trial_status field:
// active  -> trial has not expired and no paid subscription
// expired -> trial_expiration has passed
func expandTrialStatus(rule Rule, now time.Time) []Rule {
	switch strings.ToLower(stringValue(rule.Value)) {
	case "active":
		return []Rule{
			{Field: FieldTrialExpiration, Operator: OpGt, Value: now},
			{Field: FieldSubscription, Operator: OpEquals, Value: "none"},
		}
	case "expired":
		return []Rule{
			{Field: FieldTrialExpiration, Operator: OpLte, Value: now},
		}
	default:
		return []Rule{{Field: FieldTrialExpiration, Operator: opNever}}
	}
}

// normalizeRules folds a rule's timeframe into a concrete lower bound when
// the rule carries no explicit value: "created_at in the last 30d" becomes
// created_at >= now - 30d.
func (r *FilterResolver) normalizeRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	for i, rule := range out {
		if rule.Timeframe == "" || rule.Value != nil {
			continue
		}
		window, ok := parseTimeframe(rule.Timeframe)
		if !ok {
			continue
		}
		out[i].Operator = OpGte
		out[i].Value = r.now().Add(-window)
	}
	return out
}

// parseTimeframe accepts "30d", a plain day count ("30"), or any
// time.ParseDuration string ("72h").
func parseTimeframe(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.HasSuffix(s, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil {
			return time.Duration(days) * 24 * time.Hour, true
		}
		return 0, false
	}
	if days, err := strconv.Atoi(s); err == nil {
		return time.Duration(days) * 24 * time.Hour, true
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, true
	}
	return 0, false
}
