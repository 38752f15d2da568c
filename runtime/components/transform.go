package components

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/workflow"
)

var transformSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"expression": {"type": "string", "minLength": 1}
	},
	"required": ["expression"]
}`)

// transformDefinition declares the expression node: evaluate expr-lang code
// against the template scope and publish the value. A map result becomes the
// node's outputs directly; anything else lands under "output".
func transformDefinition() workflow.Definition {
	return workflow.Definition{
		Type: "transform", Label: "Transform", Category: "data",
		Executable:   true,
		Inputs:       []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs:      []workflow.Port{{Name: "output", Type: workflow.PortAny}},
		ConfigSchema: transformSchema,
		Build:        buildTransform,
	}
}

func buildTransform(n workflow.Node, _ workflow.Capabilities) (node.Runnable, error) {
	code := n.Config.ExtraString("expression")
	if code == "" {
		return nil, faults.Newf(faults.KindBrokenInput, "transform %q has no expression", n.ID)
	}
	// Expressions are static per node, so the program compiles once at build
	// time and lazily recompiles only if the resolved config diverges.
	prog, err := compileTransform(code)
	if err != nil {
		return nil, faults.Wrap(faults.KindBrokenInput, "transform "+n.ID+": compile expression", err)
	}
	var (
		mu     sync.Mutex
		cached = map[string]*vm.Program{code: prog}
	)
	return node.RunnableFunc(func(_ context.Context, in node.Input) (node.Result, error) {
		runCode := cfgString(in.Config, "expression")
		if runCode == "" {
			runCode = code
		}
		mu.Lock()
		p, ok := cached[runCode]
		mu.Unlock()
		if !ok {
			var err error
			p, err = compileTransform(runCode)
			if err != nil {
				return node.Result{}, faults.Wrap(faults.KindNodeFailure, "compile expression", err).WithCode("TRANSFORM_COMPILE")
			}
			mu.Lock()
			cached[runCode] = p
			mu.Unlock()
		}
		out, err := expr.Run(p, scopeOf(in.State))
		if err != nil {
			return node.Result{}, faults.Wrap(faults.KindNodeFailure, "evaluate expression", err).WithCode("TRANSFORM_EVAL")
		}
		if m, ok := out.(map[string]any); ok {
			return node.Outputs(m), nil
		}
		return node.Outputs(map[string]any{"output": out}), nil
	}), nil
}

func compileTransform(code string) (*vm.Program, error) {
	return expr.Compile(code, expr.AllowUndefinedVariables())
}
