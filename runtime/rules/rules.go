// Package rules evaluates the predicates that drive routing: the
// (field, operator, value) rules of switch nodes and the free-form boolean
// expressions of condition nodes. Evaluation is pure; templates are resolved
// by the caller before values arrive here.
package rules

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pipelit.dev/pipelit/runtime/template"
)

// Operator names a comparison applied by a switch rule. Operands that fail to
// parse for the operator's domain make the rule not match; they never raise.
type Operator string

const (
	OpExists     Operator = "exists"
	OpNotExists  Operator = "not_exists"
	OpIsEmpty    Operator = "is_empty"
	OpIsNotEmpty Operator = "is_not_empty"

	OpEquals          Operator = "equals"
	OpNotEquals       Operator = "not_equals"
	OpContains        Operator = "contains"
	OpNotContains     Operator = "not_contains"
	OpStartsWith      Operator = "starts_with"
	OpNotStartsWith   Operator = "not_starts_with"
	OpEndsWith        Operator = "ends_with"
	OpNotEndsWith     Operator = "not_ends_with"
	OpMatchesRegex    Operator = "matches_regex"
	OpNotMatchesRegex Operator = "not_matches_regex"

	OpGT  Operator = "gt"
	OpLT  Operator = "lt"
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"

	OpAfter         Operator = "after"
	OpBefore        Operator = "before"
	OpAfterOrEqual  Operator = "after_or_equal"
	OpBeforeOrEqual Operator = "before_or_equal"

	OpIsTrue  Operator = "is_true"
	OpIsFalse Operator = "is_false"

	OpLengthEq  Operator = "length_eq"
	OpLengthGT  Operator = "length_gt"
	OpLengthLT  Operator = "length_lt"
	OpLengthGTE Operator = "length_gte"
	OpLengthLTE Operator = "length_lte"
)

var operators = map[Operator]bool{
	OpExists: true, OpNotExists: true, OpIsEmpty: true, OpIsNotEmpty: true,
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpNotStartsWith: true, OpEndsWith: true, OpNotEndsWith: true,
	OpMatchesRegex: true, OpNotMatchesRegex: true,
	OpGT: true, OpLT: true, OpGTE: true, OpLTE: true,
	OpAfter: true, OpBefore: true, OpAfterOrEqual: true, OpBeforeOrEqual: true,
	OpIsTrue: true, OpIsFalse: true,
	OpLengthEq: true, OpLengthGT: true, OpLengthLT: true, OpLengthGTE: true, OpLengthLTE: true,
}

// Known reports whether op names a supported operator. Config validation uses
// it so typos fail at save time rather than silently never matching.
func Known(op Operator) bool { return operators[op] }

// Rule is one row of a switch node. Field and Value hold template sources;
// ID becomes the emitted route when the rule matches.
type Rule struct {
	ID       string   `json:"id"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
}

// Match applies op to a resolved field value and comparison operand. Unknown
// operators and operands outside the operator's domain report false.
func Match(got any, op Operator, want any) bool {
	switch op {
	case OpExists:
		return got != nil
	case OpNotExists:
		return got == nil
	case OpIsEmpty:
		return isEmpty(got)
	case OpIsNotEmpty:
		return !isEmpty(got)

	case OpEquals:
		return scalarEqual(got, want)
	case OpNotEquals:
		return !scalarEqual(got, want)
	case OpContains:
		return contains(got, want)
	case OpNotContains:
		return !contains(got, want)
	case OpStartsWith:
		return strings.HasPrefix(template.Stringify(got), template.Stringify(want))
	case OpNotStartsWith:
		return !strings.HasPrefix(template.Stringify(got), template.Stringify(want))
	case OpEndsWith:
		return strings.HasSuffix(template.Stringify(got), template.Stringify(want))
	case OpNotEndsWith:
		return !strings.HasSuffix(template.Stringify(got), template.Stringify(want))
	case OpMatchesRegex:
		return matchesRegex(got, want)
	case OpNotMatchesRegex:
		return !matchesRegex(got, want)

	case OpGT, OpLT, OpGTE, OpLTE:
		a, aok := template.AsNumber(got)
		b, bok := template.AsNumber(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGT:
			return a > b
		case OpLT:
			return a < b
		case OpGTE:
			return a >= b
		default:
			return a <= b
		}

	case OpAfter, OpBefore, OpAfterOrEqual, OpBeforeOrEqual:
		a, aok := asTime(got)
		b, bok := asTime(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpAfter:
			return a.After(b)
		case OpBefore:
			return a.Before(b)
		case OpAfterOrEqual:
			return !a.Before(b)
		default:
			return !a.After(b)
		}

	case OpIsTrue:
		b, ok := asBool(got)
		return ok && b
	case OpIsFalse:
		b, ok := asBool(got)
		return ok && !b

	case OpLengthEq, OpLengthGT, OpLengthLT, OpLengthGTE, OpLengthLTE:
		n, ok := lengthOf(got)
		if !ok {
			return false
		}
		want, wok := template.AsNumber(want)
		if !wok {
			return false
		}
		switch op {
		case OpLengthEq:
			return float64(n) == want
		case OpLengthGT:
			return float64(n) > want
		case OpLengthLT:
			return float64(n) < want
		case OpLengthGTE:
			return float64(n) >= want
		default:
			return float64(n) <= want
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func scalarEqual(a, b any) bool {
	af, aok := template.AsNumber(a)
	bf, bok := template.AsNumber(b)
	if aok && bok {
		return af == bf
	}
	return template.Stringify(a) == template.Stringify(b)
}

func contains(got, want any) bool {
	switch t := got.(type) {
	case []any:
		for _, item := range t {
			if scalarEqual(item, want) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(template.Stringify(got), template.Stringify(want))
	}
}

func matchesRegex(got, want any) bool {
	re, err := regexp.Compile(template.Stringify(want))
	if err != nil {
		return false
	}
	return re.MatchString(template.Stringify(got))
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	case int, int32, int64, float32, float64:
		n, _ := template.AsNumber(t)
		return n != 0, true
	}
	return false, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func lengthOf(v any) (int, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case string:
		return len([]rune(t)), true
	case []any:
		return len(t), true
	case map[string]any:
		return len(t), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	}
	return 0, false
}
