// Package watch evaluates CEL conditions against the operation event
// stream and raises alerts when rules match. Conditions are compiled
// once at load time and re-evaluated per event off the command path.
package watch

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/optrail/optrail/internal/op"
)

// CompiledRule wraps a pre-compiled CEL program for fast repeated evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// Evaluator compiles and evaluates CEL expressions against operation
// events. Expressions are compiled once at load time; evaluation is
// lock-free and safe for concurrent use.
type Evaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator with the standard variable
// declarations available in watch conditions.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		// event.*
		cel.Variable("event.kind", cel.StringType),

		// op.*
		cel.Variable("op.command", cel.StringType),
		cel.Variable("op.type", cel.StringType),
		cel.Variable("op.status", cel.StringType),
		cel.Variable("op.user", cel.StringType),
		cel.Variable("op.client", cel.StringType),
		cel.Variable("op.params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("op.error", cel.StringType),
		cel.Variable("op.duration_ms", cel.IntType),
		cel.Variable("op.aggregated", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:    env,
		logger: logger.With("component", "watch.Evaluator"),
	}, nil
}

// CompileExpression parses and type-checks a CEL expression, returning a
// CompiledRule ready for evaluation. This should be called at load time,
// not in the hot path.
func (e *Evaluator) CompileExpression(expr string) (CompiledRule, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	// Ensure the expression evaluates to a boolean.
	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	e.logger.Debug("compiled CEL expression", "expression", expr)

	return CompiledRule{
		Expression: expr,
		program:    prg,
	}, nil
}

// Evaluate runs a pre-compiled CEL rule against the given event.
// Returns true if the condition matches.
func (e *Evaluator) Evaluate(rule CompiledRule, ev op.Event) (bool, error) {
	o := ev.Operation
	if o == nil {
		return false, nil
	}

	params := make(map[string]interface{}, len(o.Parameters))
	for k, v := range o.Parameters {
		params[k] = v
	}

	vars := map[string]interface{}{
		"event.kind": ev.Kind,

		"op.command":     o.CommandName,
		"op.type":        string(o.Type),
		"op.status":      string(o.Status),
		"op.user":        o.User,
		"op.client":      o.ClientInfo,
		"op.params":      params,
		"op.error":       o.Error,
		"op.duration_ms": o.DurationMs(),
		"op.aggregated":  int64(o.AggregatedCount),
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}

	return result, nil
}
