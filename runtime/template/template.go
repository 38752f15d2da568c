// Package template renders the {{ path }} placeholders that workflow authors
// embed in system prompts, rule values and node configuration. Rendering is
// side-effect-free: expressions are evaluated against a read-only scope
// assembled by the state package, and unresolvable paths render to the empty
// string unless a default filter provides otherwise.
//
// A placeholder holds a path expression followed by an optional filter
// pipeline:
//
//	{{ trigger.text }}
//	{{ nodes.agent_A.output | upper }}
//	{{ state.items | selectattr("status", "active") | map("name") | first | default("none") }}
//
// Path expressions are compiled with expr-lang and cached. {% ... %} control
// tags are not supported and render to nothing.
package template

import (
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"pipelit.dev/pipelit/runtime/faults"
)

// Resolver renders template sources against a scope. The zero value is
// lenient: broken paths and filters degrade to empty output. Strict resolvers
// surface every problem as a TEMPLATE_RESOLUTION fault and are used by tests
// and by the rules engine, where a silent empty string would hide bugs.
type Resolver struct {
	// Strict makes unresolvable paths and malformed pipelines return errors
	// instead of rendering empty.
	Strict bool

	programs *programCache
}

// NewResolver returns a lenient resolver with a warm program cache.
func NewResolver() *Resolver {
	return &Resolver{programs: newProgramCache(256)}
}

// NewStrictResolver returns a resolver that fails loudly.
func NewStrictResolver() *Resolver {
	return &Resolver{Strict: true, programs: newProgramCache(256)}
}

// Resolve renders src against scope. When src is exactly one placeholder the
// evaluated value is returned with its type intact, so `{{ nodes.a.items }}`
// yields the underlying array rather than its string form. Any literal text
// around placeholders forces string interpolation.
func (r *Resolver) Resolve(src string, scope map[string]any) (any, error) {
	segs, err := parse(src)
	if err != nil {
		if r.Strict {
			return nil, err
		}
		return src, nil
	}

	if v, ok := soleExpression(segs); ok {
		return r.eval(v, scope)
	}

	var b strings.Builder
	for _, s := range segs {
		switch s.kind {
		case segText:
			b.WriteString(s.text)
		case segTag:
			// control tags render to nothing
		case segExpr:
			v, err := r.eval(s.text, scope)
			if err != nil {
				return nil, err
			}
			b.WriteString(Stringify(v))
		}
	}
	return b.String(), nil
}

// RenderString is Resolve with the result coerced to a string.
func (r *Resolver) RenderString(src string, scope map[string]any) (string, error) {
	v, err := r.Resolve(src, scope)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// ResolveValue walks v and renders every string leaf. Maps and slices are
// copied, not mutated; other values pass through untouched. This is how node
// extra configuration is resolved immediately before a node runs.
func (r *Resolver) ResolveValue(v any, scope map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.Resolve(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			rv, err := r.ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			rv, err := r.ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// HasPlaceholders reports whether src contains template syntax at all, letting
// callers skip resolution for plain strings.
func HasPlaceholders(src string) bool {
	return strings.Contains(src, "{{") || strings.Contains(src, "{%")
}

// eval evaluates one placeholder body: a path expression plus the optional
// filter pipeline after it.
func (r *Resolver) eval(body string, scope map[string]any) (any, error) {
	stages, err := splitPipeline(body)
	if err != nil || len(stages) == 0 {
		if r.Strict {
			return nil, faults.Wrap(faults.KindTemplateResolution, "malformed placeholder "+body, err)
		}
		return nil, nil
	}

	val, err := r.evalPath(stages[0], scope)
	if err != nil {
		return nil, err
	}
	for _, stage := range stages[1:] {
		val, err = r.applyFilter(stage, val, scope)
		if err != nil {
			return nil, err
		}
	}
	return val, nil
}

// evalPath compiles and runs the leading path expression. Lenient resolvers
// translate every failure, including property access on a missing parent,
// into nil so the caller renders an empty string.
func (r *Resolver) evalPath(path string, scope map[string]any) (any, error) {
	prog, err := r.programs.compile(path)
	if err != nil {
		if r.Strict {
			return nil, faults.Wrap(faults.KindTemplateResolution, "compile "+path, err)
		}
		return nil, nil
	}
	out, err := expr.Run(prog, scope)
	if err != nil {
		if r.Strict {
			return nil, faults.Wrap(faults.KindTemplateResolution, "evaluate "+path, err)
		}
		return nil, nil
	}
	return out, nil
}

// programCache is a bounded cache of compiled path expressions. Prompts are
// re-rendered on every node execution, so caching the compile step matters; a
// full reset on overflow keeps the implementation small and is fine for the
// handful of distinct templates a deployment carries.
type programCache struct {
	mu    sync.Mutex
	cap   int
	progs map[string]*vm.Program
}

func newProgramCache(cap int) *programCache {
	return &programCache{cap: cap, progs: make(map[string]*vm.Program)}
}

func (c *programCache) compile(src string) (*vm.Program, error) {
	c.mu.Lock()
	if p, ok := c.progs[src]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.progs) >= c.cap {
		c.progs = make(map[string]*vm.Program)
	}
	c.progs[src] = p
	c.mu.Unlock()
	return p, nil
}

type segKind int

const (
	segText segKind = iota
	segExpr
	segTag
)

type segment struct {
	kind segKind
	text string
}

// parse splits src into literal text, {{ expression }} and {% tag %}
// segments. Unterminated placeholders are an error; lenient resolvers fall
// back to the raw source.
func parse(src string) ([]segment, error) {
	var segs []segment
	for len(src) > 0 {
		open := strings.IndexAny(src, "{")
		var start int
		var closer string
		var kind segKind
		for {
			if open < 0 || open+1 >= len(src) {
				open = -1
				break
			}
			switch src[open+1] {
			case '{':
				start, closer, kind = open, "}}", segExpr
			case '%':
				start, closer, kind = open, "%}", segTag
			default:
				next := strings.IndexAny(src[open+1:], "{")
				if next < 0 {
					open = -1
				} else {
					open += 1 + next
				}
				continue
			}
			break
		}
		if open < 0 {
			segs = append(segs, segment{kind: segText, text: src})
			break
		}
		if start > 0 {
			segs = append(segs, segment{kind: segText, text: src[:start]})
		}
		end := strings.Index(src[start+2:], closer)
		if end < 0 {
			return nil, faults.New(faults.KindTemplateResolution, "unterminated placeholder in "+src)
		}
		body := strings.TrimSpace(src[start+2 : start+2+end])
		segs = append(segs, segment{kind: kind, text: body})
		src = src[start+2+end+2:]
	}
	return segs, nil
}

// soleExpression reports whether the parsed source is a single placeholder
// surrounded by at most whitespace, the case that preserves value types.
func soleExpression(segs []segment) (string, bool) {
	expr, n := "", 0
	for _, s := range segs {
		switch s.kind {
		case segExpr:
			expr = s.text
			n++
		case segText:
			if strings.TrimSpace(s.text) != "" {
				return "", false
			}
		case segTag:
			return "", false
		}
	}
	return expr, n == 1
}

// splitPipeline splits a placeholder body on top-level pipes, respecting
// quotes, parentheses and brackets so `a | default("x|y")` stays intact.
func splitPipeline(body string) ([]string, error) {
	var (
		stages []string
		depth  int
		quote  byte
		start  int
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || body[i-1] != '\\') {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == '|' && depth == 0:
			// expr's || stays with the path expression
			if i+1 < len(body) && body[i+1] == '|' {
				i++
				continue
			}
			stages = append(stages, strings.TrimSpace(body[start:i]))
			start = i + 1
		}
	}
	if quote != 0 || depth != 0 {
		return nil, faults.New(faults.KindTemplateResolution, "unbalanced placeholder "+body)
	}
	stages = append(stages, strings.TrimSpace(body[start:]))
	return stages, nil
}
