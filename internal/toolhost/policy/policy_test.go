package policy_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolhost/runtime/internal/toolhost/policy"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

func TestEvaluatePre_DeniesWhenGuardAndDenyBothFire(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{
			Name: "deny-all",
			Effects: []policy.Effect{
				{ToolSelector: "*", Phase: policy.PhasePre, When: "true", Deny: "true", Message: "blocked"},
			},
		},
	})

	err := eng.EvaluatePre(policy.CallInput{SessionID: "s1", QualifiedID: "lib.tool"})
	require.Error(t, err)
	assert.Equal(t, toolhosterr.GuardFailed, toolhosterr.KindOf(err))
	assert.Equal(t, "blocked", err.Error())
}

func TestEvaluatePre_AllowsWhenGuardDoesNotFire(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{
			Name: "allow-all",
			Effects: []policy.Effect{
				{ToolSelector: "*", Phase: policy.PhasePre, When: "false", Deny: "true"},
			},
		},
	})

	err := eng.EvaluatePre(policy.CallInput{SessionID: "s1", QualifiedID: "lib.tool"})
	assert.NoError(t, err)
}

func TestEvaluatePre_NonBooleanWhenIsTreatedAsFalse(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{
			Name: "bad-guard",
			Effects: []policy.Effect{
				{ToolSelector: "*", Phase: policy.PhasePre, When: "42", Deny: "true"},
			},
		},
	})

	err := eng.EvaluatePre(policy.CallInput{SessionID: "s1", QualifiedID: "lib.tool"})
	assert.NoError(t, err)
}

func TestEvaluatePre_SkipsEffectsWhoseSelectorDoesNotMatch(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{
			Name: "irrelevant",
			Effects: []policy.Effect{
				{ToolSelector: "other.*", Phase: policy.PhasePre, When: "true", Deny: "true"},
			},
		},
	})

	err := eng.EvaluatePre(policy.CallInput{SessionID: "s1", QualifiedID: "lib.tool"})
	assert.NoError(t, err)
}

func TestEvaluatePost_AccumulatesPolicyOwnSessionContextAcrossCalls(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{
			Name: "counter",
			Effects: []policy.Effect{
				{
					ToolSelector: "*",
					Phase:        policy.PhasePost,
					When:         "true",
					Then:         map[string]string{"count": `num(has(ctx, "count") ? ctx.count : 0) + 1`},
				},
			},
		},
	})

	input := policy.CallInput{SessionID: "s1", QualifiedID: "lib.tool"}
	errs := eng.EvaluatePost(input, policy.Outcome{Succeeded: true})
	assert.Empty(t, errs)
	errs = eng.EvaluatePost(input, policy.Outcome{Succeeded: true})
	assert.Empty(t, errs)

	eng2 := policy.New([]policy.Definition{
		{
			Name: "counter-limit",
			Effects: []policy.Effect{
				{ToolSelector: "*", Phase: policy.PhasePre, When: `num(has(ctx, "count") ? ctx.count : 0) >= 1`, Deny: "true", Message: "rate limited"},
				{
					ToolSelector: "*",
					Phase:        policy.PhasePost,
					When:         "true",
					Then:         map[string]string{"count": `num(has(ctx, "count") ? ctx.count : 0) + 1`},
				},
			},
		},
	})
	require.NoError(t, eng2.EvaluatePre(input))
	eng2.EvaluatePost(input, policy.Outcome{Succeeded: true})
	err := eng2.EvaluatePre(input)
	require.Error(t, err)
	assert.Equal(t, toolhosterr.GuardFailed, toolhosterr.KindOf(err))
	assert.Equal(t, "guard_failed: rate limited", err.Error())
}

func TestEvaluatePre_DistinctPoliciesDoNotShareVariableNamespace(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{Name: "a", InitialContext: map[string]any{"count": 10.0}},
		{
			Name: "b",
			Effects: []policy.Effect{
				{ToolSelector: "*", Phase: policy.PhasePre, When: `num(has(ctx, "count") ? ctx.count : 0) >= 10`, Deny: "true", Message: "blocked by b"},
			},
		},
	})

	err := eng.EvaluatePre(policy.CallInput{SessionID: "s1", QualifiedID: "lib.tool"})
	assert.NoError(t, err, "policy b's own context starts empty even though policy a seeded count=10")
}

func TestEvaluatePre_DenyMessageFallsBackWhenUnset(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{
			Name: "unnamed-deny",
			Effects: []policy.Effect{
				{ToolSelector: "*", Phase: policy.PhasePre, When: "true", Deny: "true"},
			},
		},
	})

	err := eng.EvaluatePre(policy.CallInput{SessionID: "s1", QualifiedID: "lib.tool"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unnamed-deny")
	assert.Contains(t, err.Error(), "lib.tool")
}

func TestSession_SerializesConcurrentEvaluations(t *testing.T) {
	eng := policy.New([]policy.Definition{
		{
			Name: "counter",
			Effects: []policy.Effect{
				{
					ToolSelector: "*",
					Phase:        policy.PhasePost,
					When:         "true",
					Then:         map[string]string{"count": `num(has(ctx, "count") ? ctx.count : 0) + 1`},
				},
			},
		},
	})

	input := policy.CallInput{SessionID: "shared-session", QualifiedID: "lib.tool"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.EvaluatePost(input, policy.Outcome{Succeeded: true})
		}()
	}
	wg.Wait()
	// No assertion on the final count or on the returned errors: this test
	// only drives concurrent evaluations on one session so that the race
	// detector can flag unsynchronized access.
}
