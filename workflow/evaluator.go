package workflow

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
	"github.com/BaSui01/stateflow/workflow/cond"
)

// Evaluator is the capability interface for condition evaluation. A
// workflow may name a custom evaluator in its definition to intercept
// specific conditions; the custom evaluator declines an expression by
// returning ErrNotHandled, which passes it to the default grammar.
type Evaluator interface {
	Evaluate(expr string, dc *DecisionContext) (bool, error)
}

// ErrNotHandled signals that an evaluator does not cover an expression
// and the next evaluator in the chain should try it.
var ErrNotHandled = cond.ErrNotHandled

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(expr string, dc *DecisionContext) (bool, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(expr string, dc *DecisionContext) (bool, error) {
	return f(expr, dc)
}

// grammarEvaluator adapts the boolean-grammar evaluator to the workflow
// decision context.
type grammarEvaluator struct {
	inner *cond.Evaluator
}

// NewGrammarEvaluator returns the default boolean-grammar evaluator.
func NewGrammarEvaluator(logger *zap.Logger) Evaluator {
	return &grammarEvaluator{inner: cond.NewEvaluator(logger)}
}

func (e *grammarEvaluator) Evaluate(expr string, dc *DecisionContext) (bool, error) {
	return e.inner.Evaluate(expr, dc)
}

// chainEvaluator tries each evaluator in order; ErrNotHandled moves to the
// next, anything else is final.
type chainEvaluator struct {
	evaluators []Evaluator
}

// NewChainEvaluator composes evaluators into a fallback chain. An
// expression no evaluator handles fails as a condition error.
func NewChainEvaluator(evaluators ...Evaluator) Evaluator {
	return &chainEvaluator{evaluators: evaluators}
}

func (c *chainEvaluator) Evaluate(expr string, dc *DecisionContext) (bool, error) {
	for _, ev := range c.evaluators {
		result, err := ev.Evaluate(expr, dc)
		if errors.Is(err, ErrNotHandled) {
			continue
		}
		return result, err
	}
	return false, types.NewErrorf(types.ErrCondition, "no evaluator handled expression: %s", expr)
}

// EvaluatorRegistry maps evaluator names to implementations. A definition
// references an evaluator by name; the reference is resolved once when the
// machine is built, not per evaluation.
type EvaluatorRegistry struct {
	mu       sync.RWMutex
	entries  map[string]Evaluator
	fallback Evaluator
	logger   *zap.Logger
}

// NewEvaluatorRegistry creates a registry whose fallback is the default
// boolean grammar.
func NewEvaluatorRegistry(logger *zap.Logger) *EvaluatorRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvaluatorRegistry{
		entries:  make(map[string]Evaluator),
		fallback: NewGrammarEvaluator(logger),
		logger:   logger,
	}
}

// Register adds a named evaluator, replacing any previous registration.
func (r *EvaluatorRegistry) Register(name string, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[name] = ev
	r.logger.Info("condition evaluator registered", zap.String("name", name))
}

// Resolve returns the evaluator for name. The empty name and "default"
// resolve to the grammar evaluator; a registered name resolves to the
// custom evaluator chained onto the grammar; an unknown name is a
// configuration fault.
func (r *EvaluatorRegistry) Resolve(name string) (Evaluator, error) {
	if name == "" || name == "default" {
		return r.fallback, nil
	}

	r.mu.RLock()
	ev, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewErrorf(types.ErrConfigFault, "unknown condition evaluator %q", name)
	}
	return NewChainEvaluator(ev, r.fallback), nil
}

// Names returns the registered evaluator names.
func (r *EvaluatorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
