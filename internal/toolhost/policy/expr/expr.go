// Package expr is the runtime's policy expression language: a sandboxed
// JavaScript evaluator that wraps a goja.Runtime and runs each expression
// as the return value of an IIFE, narrowed to pure expression evaluation over
// a fixed input environment (a policy's own session context, the tool being
// called, the call's parsed input, and — post-call only — its result).
package expr

import (
	"fmt"
	"strconv"

	"github.com/dop251/goja"

	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

// Env is the variable environment an expression is evaluated against. Ctx is
// the evaluating policy's own session-scoped context (never another
// policy's); Tool is the qualified id of the tool being called; Input is the
// call's parsed JSON arguments; Result is nil before a call has run and a
// tagged {"ok": bool, "value"/"error": ...} object once it has.
type Env struct {
	Ctx    map[string]any
	Tool   string
	Input  any
	Result any
}

// Evaluator runs policy guard and effect expressions. Each Evaluator owns
// its own goja.Runtime and must not be shared across goroutines; the policy
// package keeps one Evaluator per session so a session's evaluations are
// always serialized.
type Evaluator struct {
	vm *goja.Runtime
}

// New returns an Evaluator with a fresh JS runtime and the expression
// language's builtins (len, has, str, num) installed.
func New() *Evaluator {
	vm := goja.New()
	vm.Set("len", builtinLen)
	vm.Set("has", builtinHas)
	vm.Set("str", builtinStr)
	vm.Set("num", builtinNum)
	return &Evaluator{vm: vm}
}

// EvalBool evaluates expression as a guard: it must produce a JS boolean.
// Any other result, a thrown exception, or a syntax error is reported as
// toolhosterr.EvaluationError, never silently coerced.
func (e *Evaluator) EvalBool(expression string, env Env) (bool, error) {
	value, err := e.eval(expression, env)
	if err != nil {
		return false, err
	}

	exported := value.Export()
	b, ok := exported.(bool)
	if !ok {
		return false, toolhosterr.New(toolhosterr.EvaluationError,
			fmt.Sprintf("guard expression %q did not evaluate to a boolean (got %T)", expression, exported))
	}
	return b, nil
}

// EvalValue evaluates expression and returns its exported Go value, for
// a then-update that computes a value to write into session context. A
// top-level number is always returned as float64, whether goja held it as
// an integer or a float.
func (e *Evaluator) EvalValue(expression string, env Env) (any, error) {
	value, err := e.eval(expression, env)
	if err != nil {
		return nil, err
	}
	exported := value.Export()
	if i, ok := exported.(int64); ok {
		return float64(i), nil
	}
	return exported, nil
}

func (e *Evaluator) eval(expression string, env Env) (goja.Value, error) {
	e.vm.Set("ctx", env.Ctx)
	e.vm.Set("tool", env.Tool)
	e.vm.Set("input", env.Input)
	e.vm.Set("result", env.Result)

	wrapped := fmt.Sprintf("(function() { return (%s); })()", expression)
	value, err := e.vm.RunString(wrapped)
	if err != nil {
		return nil, toolhosterr.Wrap(toolhosterr.EvaluationError, fmt.Sprintf("evaluate expression %q", expression), err)
	}
	return value, nil
}

// builtinLen reports the length of a string, array, or object.
func builtinLen(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []any:
		return len(x)
	case map[string]any:
		return len(x)
	default:
		return 0
	}
}

// builtinHas reports whether an object carries a given key. A non-object
// receiver (including null) has no keys.
func builtinHas(v any, key string) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}

// builtinStr coerces a value to its string form.
func builtinStr(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// builtinNum coerces a value to its numeric form. A non-numeric string that
// fails to parse, or any other non-numeric type, coerces to zero rather than
// raising an error, matching the language's "explicit coercion via builtins"
// design: the builtin itself is the escape hatch, so it tolerates its input.
func builtinNum(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}
