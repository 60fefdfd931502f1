package audience

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// QueryBuilder translates filter rules into parameterized SQL over the
// profiles and subscribers tables. Rules passed to one query are always
// AND-combined; OR semantics are handled above this layer by issuing one
// query per rule and unioning the results.
type QueryBuilder struct {
	args       []interface{}
	argCounter int
}

// NewQueryBuilder creates a new QueryBuilder
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		args:       make([]interface{}, 0),
		argCounter: 1,
	}
}

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

var subscriberColumns = map[string]string{
	FieldStatus:    "s.status",
	FieldTags:      "s.tags",
	FieldSource:    "s.source",
	FieldCreatedAt: "s.created_at",
	FieldUpdatedAt: "s.updated_at",
}

var profileColumns = map[string]string{
	FieldSubscription:    "p.subscription",
	FieldTrialExpiration: "p.trial_expiration",
}

// BuildSubscriberIDQuery builds the ID query for subscribers. When
// profileIDs is non-nil the query is constrained to subscribers linked to
// those profiles (the second leg of the profile-first semi-join).
func (qb *QueryBuilder) BuildSubscriberIDQuery(rules []Rule, profileIDs []string) (string, []interface{}) {
	qb.args = make([]interface{}, 0)
	qb.argCounter = 1

	whereConditions := []string{"1=1"}
	if profileIDs != nil {
		whereConditions = append(whereConditions,
			fmt.Sprintf("s.user_id = ANY(%s::uuid[])", qb.nextArg(pq.Array(profileIDs))))
	}
	for _, rule := range rules {
		whereConditions = append(whereConditions, qb.ruleCondition(subscriberColumns, rule))
	}

	query := "SELECT s.id FROM subscribers s\nWHERE " + strings.Join(whereConditions, "\n  AND ")
	return query, qb.args
}

// BuildProfileIDQuery builds the candidate-ID query for profiles (the first
// leg of the semi-join).
func (qb *QueryBuilder) BuildProfileIDQuery(rules []Rule) (string, []interface{}) {
	qb.args = make([]interface{}, 0)
	qb.argCounter = 1

	whereConditions := []string{"1=1"}
	for _, rule := range rules {
		whereConditions = append(whereConditions, qb.ruleCondition(profileColumns, rule))
	}

	query := "SELECT p.id FROM profiles p\nWHERE " + strings.Join(whereConditions, "\n  AND ")
	return query, qb.args
}

// ruleCondition builds the SQL fragment for a single rule. Unrecognized
// fields and operators compile to FALSE rather than an error, matching the
// in-memory evaluator's fallback. Fields are whitelisted through the column
// maps, so rule input never reaches the SQL text directly.
func (qb *QueryBuilder) ruleCondition(columns map[string]string, rule Rule) string {
	col, ok := columns[rule.Field]
	if !ok {
		return "FALSE"
	}
	isArray := rule.Field == FieldTags

	switch rule.Operator {
	case OpEquals:
		return fmt.Sprintf("LOWER(%s::text) = LOWER(%s)", col, qb.nextArg(stringValue(rule.Value)))
	case OpNotEquals:
		return fmt.Sprintf("LOWER(%s::text) <> LOWER(%s)", col, qb.nextArg(stringValue(rule.Value)))

	case OpContains:
		if isArray {
			return fmt.Sprintf("%s && %s", col, qb.nextArg(pq.Array(coerceStringSlice(rule.Value))))
		}
		return fmt.Sprintf("%s ILIKE %s", col, qb.nextArg("%"+stringValue(rule.Value)+"%"))
	case OpNotContains:
		if isArray {
			return fmt.Sprintf("NOT (%s && %s)", col, qb.nextArg(pq.Array(coerceStringSlice(rule.Value))))
		}
		return fmt.Sprintf("%s NOT ILIKE %s", col, qb.nextArg("%"+stringValue(rule.Value)+"%"))

	case OpStartsWith:
		return fmt.Sprintf("%s ILIKE %s", col, qb.nextArg(stringValue(rule.Value)+"%"))
	case OpEndsWith:
		return fmt.Sprintf("%s ILIKE %s", col, qb.nextArg("%"+stringValue(rule.Value)))

	case OpIsEmpty:
		if isArray {
			return fmt.Sprintf("(%s IS NULL OR array_length(%s, 1) IS NULL)", col, col)
		}
		return fmt.Sprintf("(%s IS NULL OR %s::text = '')", col, col)
	case OpIsNotEmpty:
		if isArray {
			return fmt.Sprintf("(%s IS NOT NULL AND array_length(%s, 1) > 0)", col, col)
		}
		return fmt.Sprintf("(%s IS NOT NULL AND %s::text <> '')", col, col)

	case OpGt:
		return fmt.Sprintf("%s > %s", col, qb.nextArg(rawValue(rule.Value)))
	case OpGte:
		return fmt.Sprintf("%s >= %s", col, qb.nextArg(rawValue(rule.Value)))
	case OpLt:
		return fmt.Sprintf("%s < %s", col, qb.nextArg(rawValue(rule.Value)))
	case OpLte:
		return fmt.Sprintf("%s <= %s", col, qb.nextArg(rawValue(rule.Value)))

	case OpBetween:
		start, end, ok := asRange(rule.Value)
		if !ok {
			return "FALSE"
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, qb.nextArg(rawValue(start)), qb.nextArg(rawValue(end)))

	case OpIn:
		values := coerceStringSlice(rule.Value)
		lowered := make([]string, len(values))
		for i, v := range values {
			lowered[i] = strings.ToLower(v)
		}
		return fmt.Sprintf("LOWER(%s::text) = ANY(%s)", col, qb.nextArg(pq.Array(lowered)))

	case OpOverlaps:
		if !isArray {
			return "FALSE"
		}
		return fmt.Sprintf("%s && %s", col, qb.nextArg(pq.Array(coerceStringSlice(rule.Value))))
	}

	return "FALSE"
}

// stringValue renders a rule value for string-coerced comparison
func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return coerceString(v)
}

// rawValue passes timestamps through untouched so the driver binds them
// natively; everything else binds as its string form
func rawValue(v interface{}) interface{} {
	switch v.(type) {
	case nil:
		return nil
	case string:
		return v
	default:
		if t, ok := asTime(v); ok {
			return t
		}
		return stringValue(v)
	}
}
