package audience

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EvaluateRule applies a single rule operator to an in-memory field value.
// Semantics must stay in lockstep with the SQL fragments produced by
// QueryBuilder: equality is case-insensitive after coercing both sides to
// strings (numeric and boolean fields therefore compare as their string
// form — inherited looseness, kept on purpose), comparisons against a null
// field never match (mirroring SQL NULL), and an unrecognized operator
// evaluates to false rather than raising.
func EvaluateRule(fieldValue interface{}, op Operator, target interface{}) bool {
	switch op {
	case OpEquals:
		if fieldValue == nil {
			return false
		}
		return coerceString(fieldValue) == coerceString(target)
	case OpNotEquals:
		if fieldValue == nil {
			return false
		}
		return coerceString(fieldValue) != coerceString(target)

	case OpContains:
		if tags, ok := asStringSlice(fieldValue); ok {
			return overlap(tags, coerceStringSlice(target))
		}
		if fieldValue == nil {
			return false
		}
		return strings.Contains(coerceString(fieldValue), coerceString(target))
	case OpNotContains:
		if tags, ok := asStringSlice(fieldValue); ok {
			return !overlap(tags, coerceStringSlice(target))
		}
		if fieldValue == nil {
			return false
		}
		return !strings.Contains(coerceString(fieldValue), coerceString(target))

	case OpStartsWith:
		if fieldValue == nil {
			return false
		}
		return strings.HasPrefix(coerceString(fieldValue), coerceString(target))
	case OpEndsWith:
		if fieldValue == nil {
			return false
		}
		return strings.HasSuffix(coerceString(fieldValue), coerceString(target))

	case OpIsEmpty:
		return isEmptyValue(fieldValue)
	case OpIsNotEmpty:
		return !isEmptyValue(fieldValue)

	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(fieldValue, op, target)

	case OpBetween:
		start, end, ok := asRange(target)
		if !ok {
			return false
		}
		return compareOrdered(fieldValue, OpGte, start) && compareOrdered(fieldValue, OpLte, end)

	case OpIn:
		if fieldValue == nil {
			return false
		}
		needle := coerceString(fieldValue)
		for _, v := range coerceStringSlice(target) {
			if v == needle {
				return true
			}
		}
		return false

	case OpOverlaps:
		tags, ok := asStringSlice(fieldValue)
		if !ok {
			return false
		}
		return overlap(tags, coerceStringSlice(target))
	}

	return false
}

// coerceString lower-cases the string form of any scalar
func coerceString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(x)
	case time.Time:
		return strings.ToLower(x.Format(time.RFC3339))
	case float64:
		// JSON numbers decode as float64; render integers without a
		// trailing ".0" so "5" and 5 coerce identically.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strings.ToLower(fmt.Sprintf("%v", x))
	}
}

// asStringSlice reports whether v is an array field value (e.g. tags).
// Array overlap is an exact-match comparison, unlike scalar operators.
func asStringSlice(v interface{}) ([]string, bool) {
	switch x := v.(type) {
	case []string:
		return x, true
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func coerceStringSlice(v interface{}) []string {
	if s, ok := asStringSlice(v); ok {
		return s
	}
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return []string{s}
	}
	return []string{fmt.Sprintf("%v", v)}
}

func overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func isEmptyValue(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	case []interface{}:
		return len(x) == 0
	case *time.Time:
		return x == nil
	default:
		return false
	}
}

// compareOrdered handles gt/gte/lt/lte for timestamp fields, falling back
// to numeric comparison when neither side parses as a time. Unparsable
// values never match.
func compareOrdered(fieldValue interface{}, op Operator, target interface{}) bool {
	if ft, ok := asTime(fieldValue); ok {
		tt, ok := asTime(target)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return ft.After(tt)
		case OpGte:
			return ft.After(tt) || ft.Equal(tt)
		case OpLt:
			return ft.Before(tt)
		case OpLte:
			return ft.Before(tt) || ft.Equal(tt)
		}
		return false
	}

	fn, okF := asFloat(fieldValue)
	tn, okT := asFloat(target)
	if !okF || !okT {
		return false
	}
	switch op {
	case OpGt:
		return fn > tn
	case OpGte:
		return fn >= tn
	case OpLt:
		return fn < tn
	case OpLte:
		return fn <= tn
	}
	return false
}

func asTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// asRange extracts the inclusive {start, end} pair of a between target
func asRange(target interface{}) (interface{}, interface{}, bool) {
	m, ok := target.(map[string]interface{})
	if !ok {
		return nil, nil, false
	}
	start, okS := m["start"]
	end, okE := m["end"]
	if !okS || !okE {
		return nil, nil, false
	}
	return start, end, true
}
