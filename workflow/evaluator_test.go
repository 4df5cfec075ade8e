package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stateflow/types"
)

func TestEvaluatorRegistry_DefaultGrammar(t *testing.T) {
	reg := NewEvaluatorRegistry(zaptest.NewLogger(t))

	for _, name := range []string{"", "default"} {
		ev, err := reg.Resolve(name)
		require.NoError(t, err)

		dc := NewDecisionContext(Decisions{"done": BoolValue(true)}, nil)
		got, err := ev.Evaluate("done", dc)
		require.NoError(t, err)
		assert.True(t, got)
	}
}

func TestEvaluatorRegistry_UnknownName(t *testing.T) {
	reg := NewEvaluatorRegistry(zaptest.NewLogger(t))

	_, err := reg.Resolve("llm-judge")
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigFault, types.GetErrorCode(err))
}

func TestEvaluatorRegistry_CustomChainsOntoGrammar(t *testing.T) {
	reg := NewEvaluatorRegistry(zaptest.NewLogger(t))
	reg.Register("sentiment", EvaluatorFunc(func(expr string, dc *DecisionContext) (bool, error) {
		if expr == "mood_is_positive" {
			return true, nil
		}
		return false, ErrNotHandled
	}))

	ev, err := reg.Resolve("sentiment")
	require.NoError(t, err)

	// Handled by the custom evaluator.
	got, err := ev.Evaluate("mood_is_positive", NewDecisionContext(nil, nil))
	require.NoError(t, err)
	assert.True(t, got)

	// Declined by the custom evaluator, handled by the grammar.
	dc := NewDecisionContext(Decisions{"approved": BoolValue(true)}, nil)
	got, err = ev.Evaluate(`approved == "true"`, dc)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluatorRegistry_RegisterReplaces(t *testing.T) {
	reg := NewEvaluatorRegistry(zaptest.NewLogger(t))
	reg.Register("judge", EvaluatorFunc(func(string, *DecisionContext) (bool, error) {
		return false, nil
	}))
	reg.Register("judge", EvaluatorFunc(func(string, *DecisionContext) (bool, error) {
		return true, nil
	}))

	ev, err := reg.Resolve("judge")
	require.NoError(t, err)

	got, err := ev.Evaluate("anything", NewDecisionContext(nil, nil))
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, []string{"judge"}, reg.Names())
}

func TestChainEvaluator_ErrorIsFinal(t *testing.T) {
	boom := errors.New("judge backend down")
	chain := NewChainEvaluator(
		EvaluatorFunc(func(string, *DecisionContext) (bool, error) {
			return false, boom
		}),
		EvaluatorFunc(func(string, *DecisionContext) (bool, error) {
			t.Fatal("second evaluator must not run after a real error")
			return false, nil
		}),
	)

	_, err := chain.Evaluate("x", NewDecisionContext(nil, nil))
	assert.ErrorIs(t, err, boom)
}

func TestChainEvaluator_NobodyHandles(t *testing.T) {
	decline := EvaluatorFunc(func(string, *DecisionContext) (bool, error) {
		return false, ErrNotHandled
	})
	chain := NewChainEvaluator(decline, decline)

	_, err := chain.Evaluate("mystery", NewDecisionContext(nil, nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrCondition, types.GetErrorCode(err))
}
