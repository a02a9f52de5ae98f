// Package expr evaluates the CEL expressions that turn a calculation's raw
// output value into the computed value used for thresholds and score steps.
//
// Expressions see three variables:
//
//	value   double              the raw value read from the calculation output
//	row     map(string, dyn)    the full calculation output row
//	context map(string, string) the entity context of the evaluation
//
// and must produce an int or double.
package expr

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/surveil/internal/domain"
)

// Engine compiles expressions once and caches the programs.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEngine creates an expression engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DoubleType),
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles an expression without caching it.
func (e *Engine) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Compute evaluates expression against the raw value, the output row and the
// entity context. Non-finite results are errors.
func (e *Engine) Compute(expression string, value float64, row domain.CalculationOutput, entity domain.Context) (float64, error) {
	program, err := e.program(expression)
	if err != nil {
		return 0, err
	}

	if row == nil {
		row = domain.CalculationOutput{}
	}
	if entity == nil {
		entity = domain.Context{}
	}

	out, _, err := program.Eval(map[string]any{
		"value":   value,
		"row":     map[string]any(row),
		"context": map[string]string(entity),
	})
	if err != nil {
		return 0, fmt.Errorf("evaluation error: %w", err)
	}

	result, err := toFloat(out)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("expression produced non-finite value %g", result)
	}
	return result, nil
}

// ProgramCount returns the number of cached programs.
func (e *Engine) ProgramCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = program
	e.mu.Unlock()
	return program, nil
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.DoubleType && outputType != cel.IntType && outputType != cel.DynType {
		return nil, fmt.Errorf("expression %q must return int or double, got %s", expression, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expression, err)
	}
	return program, nil
}

func toFloat(val ref.Val) (float64, error) {
	switch v := val.(type) {
	case types.Double:
		return float64(v), nil
	case types.Int:
		return float64(v), nil
	case types.Uint:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expression returned %s, want int or double", val.Type().TypeName())
	}
}
