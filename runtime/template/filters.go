package template

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"pipelit.dev/pipelit/runtime/faults"
)

// applyFilter runs one pipeline stage. Unknown filters and bad argument
// counts are errors in strict mode; lenient resolvers pass the value through
// so a typo degrades the rendering instead of the execution.
func (r *Resolver) applyFilter(stage string, val any, scope map[string]any) (any, error) {
	name, args, err := parseFilterCall(stage)
	if err != nil {
		if r.Strict {
			return nil, err
		}
		return val, nil
	}

	out, err := evalFilter(name, val, args)
	if err != nil {
		if r.Strict {
			return nil, faults.Wrap(faults.KindTemplateResolution, "filter "+name, err)
		}
		return val, nil
	}
	return out, nil
}

func evalFilter(name string, val any, args []any) (any, error) {
	switch name {
	case "upper":
		return strings.ToUpper(Stringify(val)), nil
	case "lower":
		return strings.ToLower(Stringify(val)), nil
	case "default":
		if len(args) != 1 {
			return nil, fmt.Errorf("default takes exactly one argument, got %d", len(args))
		}
		if isEmptyValue(val) {
			return args[0], nil
		}
		return val, nil
	case "selectattr":
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("selectattr takes one or two arguments, got %d", len(args))
		}
		attr := Stringify(args[0])
		items := asList(val)
		var out []any
		for _, item := range items {
			got, ok := attrOf(item, attr)
			if !ok {
				continue
			}
			if len(args) == 1 {
				if truthy(got) {
					out = append(out, item)
				}
			} else if looseEqual(got, args[1]) {
				out = append(out, item)
			}
		}
		if out == nil {
			out = []any{}
		}
		return out, nil
	case "map":
		if len(args) != 1 {
			return nil, fmt.Errorf("map takes exactly one argument, got %d", len(args))
		}
		attr := Stringify(args[0])
		items := asList(val)
		out := make([]any, 0, len(items))
		for _, item := range items {
			got, _ := attrOf(item, attr)
			out = append(out, got)
		}
		return out, nil
	case "first":
		switch t := val.(type) {
		case string:
			for _, r := range t {
				return string(r), nil
			}
			return "", nil
		default:
			items := asList(val)
			if len(items) == 0 {
				return nil, nil
			}
			return items[0], nil
		}
	case "tojson":
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}

// parseFilterCall splits `name` or `name(arg, ...)` into its parts. Arguments
// are literals only: quoted strings, numbers, booleans and null.
func parseFilterCall(stage string) (string, []any, error) {
	stage = strings.TrimSpace(stage)
	open := strings.IndexByte(stage, '(')
	if open < 0 {
		if !identLike(stage) {
			return "", nil, faults.New(faults.KindTemplateResolution, "malformed filter "+stage)
		}
		return stage, nil, nil
	}
	if !strings.HasSuffix(stage, ")") {
		return "", nil, faults.New(faults.KindTemplateResolution, "malformed filter "+stage)
	}
	name := strings.TrimSpace(stage[:open])
	if !identLike(name) {
		return "", nil, faults.New(faults.KindTemplateResolution, "malformed filter "+stage)
	}
	raw := stage[open+1 : len(stage)-1]
	args, err := parseArgs(raw)
	if err != nil {
		return "", nil, err
	}
	return name, args, nil
}

func parseArgs(raw string) ([]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var (
		args  []any
		quote byte
		start int
	)
	flush := func(end int) error {
		lit := strings.TrimSpace(raw[start:end])
		if lit == "" {
			return faults.New(faults.KindTemplateResolution, "empty filter argument")
		}
		v, err := parseLiteral(lit)
		if err != nil {
			return err
		}
		args = append(args, v)
		return nil
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case quote != 0:
			if c == quote && raw[i-1] != '\\' {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			if err := flush(i); err != nil {
				return nil, err
			}
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, faults.New(faults.KindTemplateResolution, "unterminated string in filter arguments")
	}
	if err := flush(len(raw)); err != nil {
		return nil, err
	}
	return args, nil
}

func parseLiteral(lit string) (any, error) {
	if len(lit) >= 2 {
		if (lit[0] == '\'' && lit[len(lit)-1] == '\'') || (lit[0] == '"' && lit[len(lit)-1] == '"') {
			inner := lit[1 : len(lit)-1]
			inner = strings.ReplaceAll(inner, `\`+string(lit[0]), string(lit[0]))
			return inner, nil
		}
	}
	switch lit {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(lit, 64); err == nil {
		return n, nil
	}
	return nil, faults.New(faults.KindTemplateResolution, "unsupported filter argument "+lit)
}

func identLike(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Stringify renders a value the way templates interpolate it: nil vanishes,
// scalars print without quoting, and composites fall back to their JSON form.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// asList normalizes a value into a slice for the list filters. Non-slice
// values become singletons; nil stays empty. Loop nodes reuse this so a
// scalar items expression still iterates once.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

// AsList is asList for other packages; loop nodes and rule operators share
// the same coercion.
func AsList(v any) []any { return asList(v) }

func attrOf(item any, attr string) (any, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[attr]
	return v, ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

// looseEqual compares scalars across representations, so the number 3 matches
// the literal "3" and json.Number values compare by magnitude.
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return Stringify(a) == Stringify(b)
}

// AsNumber coerces scalars and numeric strings to float64. Rule operators
// lean on it so "3" and 3 compare equal.
func AsNumber(v any) (float64, bool) { return asFloat(v) }

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
