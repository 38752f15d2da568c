package rules

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"pipelit.dev/pipelit/runtime/faults"
)

// Evaluator runs the boolean expressions carried by condition nodes. Programs
// are compiled once and cached; the cache resets wholesale when it outgrows
// its cap.
type Evaluator struct {
	mu    sync.Mutex
	cap   int
	progs map[string]*vm.Program
}

// NewEvaluator returns an Evaluator caching up to 100 compiled conditions.
func NewEvaluator() *Evaluator {
	return &Evaluator{cap: 100, progs: make(map[string]*vm.Program)}
}

// Eval compiles code against env and requires a boolean result. Compilation
// and evaluation failures, and non-boolean results, are node failures: a
// broken condition must not silently pick a branch.
func (e *Evaluator) Eval(code string, env map[string]any) (bool, error) {
	prog, err := e.compile(code)
	if err != nil {
		return false, faults.Wrap(faults.KindNodeFailure, "compile condition", err).WithCode("CONDITION_COMPILE")
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, faults.Wrap(faults.KindNodeFailure, "evaluate condition", err).WithCode("CONDITION_EVAL")
	}
	b, ok := out.(bool)
	if !ok {
		return false, faults.Newf(faults.KindNodeFailure, "condition must return a boolean, got %T", out).WithCode("CONDITION_TYPE")
	}
	return b, nil
}

func (e *Evaluator) compile(code string) (*vm.Program, error) {
	e.mu.Lock()
	if p, ok := e.progs[code]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	p, err := expr.Compile(code, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.progs) >= e.cap {
		e.progs = make(map[string]*vm.Program)
	}
	e.progs[code] = p
	e.mu.Unlock()
	return p, nil
}
