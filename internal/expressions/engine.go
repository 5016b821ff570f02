package expressions

import (
	"context"
	"strings"

	"github.com/rendis/conduit/pkg/schema"
)

// Engine evaluates routing guard and transform expressions.
// Three implementations: CEL (guards, default), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Evaluator dispatches expressions to the right engine by dialect prefix:
// "cel:", "expr:" or "jq:". Expressions without a prefix default to CEL.
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator builds an Evaluator with all three engines registered.
func NewEvaluator() (*Evaluator, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	ev := &Evaluator{engines: map[string]Engine{}}
	for _, e := range []Engine{celEng, NewExprEngine(), NewGoJQEngine()} {
		ev.engines[e.Name()] = e
	}
	return ev, nil
}

// Split separates the dialect prefix from the expression body.
func Split(expression string) (dialect, body string) {
	for _, d := range []string{"cel", "expr", "jq"} {
		if strings.HasPrefix(expression, d+":") {
			return d, strings.TrimPrefix(expression, d+":")
		}
	}
	return "cel", expression
}

// Evaluate runs the expression under its dialect's engine.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	dialect, body := Split(expression)
	eng, ok := ev.engines[dialect]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression dialect: %s", dialect)
	}
	return eng.Evaluate(ctx, body, data)
}

// EvaluateBool evaluates a guard expression and coerces the result to bool.
// Non-boolean results are a guard authoring error, not a silent false.
func (ev *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q evaluated to %T, want bool", expression, out)
	}
	return b, nil
}

// Check compiles the expression without evaluating it, for start-time
// validation of routing guards and transforms.
func (ev *Evaluator) Check(expression string) error {
	dialect, body := Split(expression)
	switch dialect {
	case "cel":
		return ev.engines["cel"].(*CELEngine).Check(body)
	case "expr":
		return ev.engines["expr"].(*ExprEngine).Check(body)
	case "jq":
		return ev.engines["jq"].(*GoJQEngine).Check(body)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown expression dialect: %s", dialect)
}
