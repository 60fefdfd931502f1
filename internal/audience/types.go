// Package audience computes campaign reach: the unique set of subscribers
// targeted by a combination of included and excluded audiences, where each
// audience is either a static membership list or a dynamic filter over the
// profiles and subscribers tables.
package audience

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator represents a comparison operator in a filter rule
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpOverlaps    Operator = "overlaps"

	// opNever matches nothing. Used internally for rules that cannot be
	// satisfied (e.g. an unrecognized trial_status value). An unknown
	// operator string decoded from stored filters behaves the same way.
	opNever Operator = "never"
)

// OperatorMetadata describes an operator for rule-builder UIs
type OperatorMetadata struct {
	Operator      Operator `json:"operator"`
	Label         string   `json:"label"`
	Description   string   `json:"description"`
	RequiresValue bool     `json:"requires_value"`
	RequiresRange bool     `json:"requires_range"`
	RequiresArray bool     `json:"requires_array"`
}

// GetOperatorMetadata returns metadata for all supported operators
func GetOperatorMetadata() []OperatorMetadata {
	return []OperatorMetadata{
		{OpEquals, "Equals", "Case-insensitive exact match", true, false, false},
		{OpNotEquals, "Does not equal", "Case-insensitive mismatch", true, false, false},
		{OpContains, "Contains", "Substring match, or tag overlap for tags", true, false, false},
		{OpNotContains, "Does not contain", "No substring match, or no tag overlap", true, false, false},
		{OpStartsWith, "Starts with", "Case-insensitive prefix match", true, false, false},
		{OpEndsWith, "Ends with", "Case-insensitive suffix match", true, false, false},
		{OpIsEmpty, "Is empty", "Field is null or empty", false, false, false},
		{OpIsNotEmpty, "Is not empty", "Field has a value", false, false, false},
		{OpGt, "After", "Timestamp is after the value", true, false, false},
		{OpGte, "On or after", "Timestamp is on or after the value", true, false, false},
		{OpLt, "Before", "Timestamp is before the value", true, false, false},
		{OpLte, "On or before", "Timestamp is on or before the value", true, false, false},
		{OpBetween, "Between", "Timestamp within an inclusive {start, end} range", false, true, false},
		{OpIn, "Is one of", "Value is a member of the given list", false, false, true},
		{OpOverlaps, "Overlaps", "Array shares at least one element with the list", false, false, true},
	}
}

// ==========================================
// MATCH TYPE
// ==========================================

// MatchType combines the rules of a dynamic filter
type MatchType string

const (
	MatchAll MatchType = "all" // every rule must match (AND)
	MatchAny MatchType = "any" // at least one rule must match (OR)
)

// ==========================================
// FIELDS
// ==========================================

// Fields understood by the filter resolver. trial_status is derived: it is
// rewritten into trial_expiration/subscription predicates before querying.
const (
	FieldSubscription    = "subscription"
	FieldTrialExpiration = "trial_expiration"
	FieldTrialStatus     = "trial_status"
	FieldStatus          = "status"
	FieldTags            = "tags"
	FieldSource          = "source"
	FieldCreatedAt       = "created_at"
	FieldUpdatedAt       = "updated_at"
)

// fieldEntity identifies which table a rule field lives on
type fieldEntity int

const (
	entityUnknown fieldEntity = iota
	entityProfile
	entitySubscriber
)

func entityForField(field string) fieldEntity {
	switch field {
	case FieldSubscription, FieldTrialExpiration, FieldTrialStatus:
		return entityProfile
	case FieldStatus, FieldTags, FieldSource, FieldCreatedAt, FieldUpdatedAt:
		return entitySubscriber
	default:
		return entityUnknown
	}
}

// ==========================================
// FILTER SPEC
// ==========================================

// Rule is a single predicate within a dynamic audience's filter.
// Value is the decoded JSON value: a scalar for most operators, an array
// for in/overlaps, or a {start, end} object for between.
type Rule struct {
	Field     string      `json:"field"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value,omitempty"`
	Timeframe string      `json:"timeframe,omitempty"`
}

// AudienceType values stored in filters.audience_type
const (
	AudienceStatic  = "static"
	AudienceDynamic = "dynamic"
)

// FilterSpec is the normalized form of an audience's filters blob. The wire
// format is either this shape (a rules array with a match_type) or a legacy
// flat key/value map; UnmarshalJSON converts the legacy shape into rules so
// the resolver only ever sees one representation.
type FilterSpec struct {
	AudienceType string    `json:"audience_type,omitempty"`
	MatchType    MatchType `json:"match_type,omitempty"`
	Rules        []Rule    `json:"rules,omitempty"`
}

// IsStatic reports whether the audience's membership is an explicit stored
// list. Anything that is not "static" is treated as dynamic.
func (f FilterSpec) IsStatic() bool {
	return f.AudienceType == AudienceStatic
}

// MatchAll reports whether rules combine with AND. The default is all.
func (f FilterSpec) MatchAll() bool {
	return f.MatchType != MatchAny
}

// UnmarshalJSON normalizes both supported filter shapes into rules.
func (f *FilterSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["audience_type"]; ok {
		json.Unmarshal(v, &f.AudienceType)
	}
	if v, ok := raw["match_type"]; ok {
		json.Unmarshal(v, &f.MatchType)
	}

	if v, ok := raw["rules"]; ok {
		return json.Unmarshal(v, &f.Rules)
	}

	// Legacy flat shape: every remaining key is an implicit predicate.
	// Scalars compare with equals, arrays become in (overlaps for tags),
	// and {start, end} objects become between.
	for key, rawVal := range raw {
		if key == "audience_type" || key == "match_type" {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(rawVal, &val); err != nil {
			continue
		}
		f.Rules = append(f.Rules, legacyRule(key, val))
	}
	return nil
}

func legacyRule(field string, val interface{}) Rule {
	switch v := val.(type) {
	case []interface{}:
		if field == FieldTags {
			return Rule{Field: field, Operator: OpOverlaps, Value: v}
		}
		return Rule{Field: field, Operator: OpIn, Value: v}
	case map[string]interface{}:
		if _, ok := v["start"]; ok {
			return Rule{Field: field, Operator: OpBetween, Value: v}
		}
		return Rule{Field: field, Operator: OpEquals, Value: v}
	default:
		return Rule{Field: field, Operator: OpEquals, Value: v}
	}
}

// ==========================================
// ENTITIES
// ==========================================

// Profile is one registered account. Read-only to this package.
type Profile struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Subscription    string     `json:"subscription" db:"subscription"`
	TrialExpiration *time.Time `json:"trial_expiration,omitempty" db:"trial_expiration"`
}

// Subscriber is one email-list member. UserID is nullable: a subscriber may
// exist without a registered profile.
type Subscriber struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	Status    string     `json:"status" db:"status"`
	Tags      []string   `json:"tags,omitempty" db:"tags"`
	Source    string     `json:"source,omitempty" db:"source"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Audience is a named subscriber-targeting group
type Audience struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Filters   FilterSpec `json:"filters" db:"filters"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// ==========================================
// RESULTS
// ==========================================

// ReachDetails carries the diagnostic totals alongside the unique count
type ReachDetails struct {
	TotalIncluded     int `json:"total_included"`
	TotalExcluded     int `json:"total_excluded"`
	IncludedAudiences int `json:"included_audiences"`
	ExcludedAudiences int `json:"excluded_audiences"`
}

// ReachResult is the outcome of one reach calculation. TotalIncluded is
// recorded before exclusion; UniqueCount is the size of the final set.
type ReachResult struct {
	UniqueCount int          `json:"unique_count"`
	Details     ReachDetails `json:"details"`
}
