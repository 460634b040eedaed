package expr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolhost/runtime/internal/toolhost/policy/expr"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

func TestEvalBool_ReadsEnvironmentFields(t *testing.T) {
	e := expr.New()
	env := expr.Env{
		Tool:  "lib.tool",
		Input: map[string]any{"amount": 5.0},
	}

	ok, err := e.EvalBool(`input.amount < 10`, env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalBool_RejectsNonBooleanResult(t *testing.T) {
	e := expr.New()
	_, err := e.EvalBool(`"not a bool"`, expr.Env{})
	require.Error(t, err)
	assert.Equal(t, toolhosterr.EvaluationError, toolhosterr.KindOf(err))
}

func TestEvalBool_SurfacesSyntaxErrorsAsEvaluationError(t *testing.T) {
	e := expr.New()
	_, err := e.EvalBool(`(((`, expr.Env{})
	require.Error(t, err)
	assert.Equal(t, toolhosterr.EvaluationError, toolhosterr.KindOf(err))
}

func TestEvalValue_ReturnsExportedGoValue(t *testing.T) {
	e := expr.New()
	value, err := e.EvalValue(`tool`, expr.Env{Tool: "lib.tool"})
	require.NoError(t, err)
	assert.Equal(t, "lib.tool", value)
}

func TestEvalBool_HasBuiltinReadsSessionContext(t *testing.T) {
	e := expr.New()
	env := expr.Env{Ctx: map[string]any{"count": 3.0}}

	ok, err := e.EvalBool(`has(ctx, "count") && num(ctx.count) < 5`, env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalValue_AccumulatesCounterAgainstMissingKey(t *testing.T) {
	e := expr.New()
	env := expr.Env{Ctx: map[string]any{}}

	value, err := e.EvalValue(`num(has(ctx, "count") ? ctx.count : 0) + 1`, env)
	require.NoError(t, err)
	assert.Equal(t, 1.0, value)
}

func TestEvalBool_ResultBindingExposesPostCallOutcome(t *testing.T) {
	e := expr.New()
	env := expr.Env{Result: map[string]any{"ok": true, "value": map[string]any{"echo": "hi"}}}

	ok, err := e.EvalBool(`result.ok`, env)
	require.NoError(t, err)
	assert.True(t, ok)
}
