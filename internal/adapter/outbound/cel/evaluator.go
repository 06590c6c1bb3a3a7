// Package cel evaluates store-scope rules written as CEL expressions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
)

// DefaultScopeExpression restricts workers to their assigned store.
const DefaultScopeExpression = `role != "worker" || target_store == "" || target_store == assigned_store`

// maxExpressionLength is the maximum allowed length for scope expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 2 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// ScopeEvaluator is a pipeline.ScopePolicy backed by a compiled CEL program.
type ScopeEvaluator struct {
	env        *cel.Env
	prg        cel.Program
	expression string
}

var _ pipeline.ScopePolicy = (*ScopeEvaluator)(nil)

// NewScopeEvaluator validates and compiles expression. An empty expression
// uses DefaultScopeExpression.
func NewScopeEvaluator(expression string) (*ScopeEvaluator, error) {
	if expression == "" {
		expression = DefaultScopeExpression
	}
	env, err := NewScopeEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create scope environment: %w", err)
	}
	e := &ScopeEvaluator{env: env, expression: expression}
	if err := e.ValidateExpression(expression); err != nil {
		return nil, err
	}
	prg, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.prg = prg
	return e, nil
}

// Expression returns the compiled source expression.
func (e *ScopeEvaluator) Expression() string {
	return e.expression
}

// Compile parses and type-checks a CEL expression, returning a compiled program.
func (e *ScopeEvaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks length, nesting and that the expression compiles.
func (e *ScopeEvaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// Allow evaluates the compiled expression for req.
func (e *ScopeEvaluator) Allow(ctx context.Context, req pipeline.ScopeRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := e.prg.ContextEval(ctx, buildActivation(req))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	allowed, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return allowed, nil
}
