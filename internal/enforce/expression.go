package enforce

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Evaluator compiles and caches CEL predicates over EdgeFacts.
//
// Expressions see three variables:
//
//	fact   map: type, from_type, from_id, to_type, to_id, valid_from, method
//	props  map: the fact's flattened properties (method, confidence, rule_id, extra keys)
//	now    timestamp of the evaluation
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("fact", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("props", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("enforce: create CEL env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks expr and caches its program.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("enforce: compile expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("enforce: expression must be boolean, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("enforce: build CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Holds evaluates expr against one fact.
func (e *Evaluator) Holds(expr string, f model.EdgeFact, now time.Time) (bool, error) {
	prg, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"fact":  factVars(f),
		"props": f.Props.Map(),
		"now":   now,
	})
	if err != nil {
		return false, fmt.Errorf("enforce: evaluate expression on fact %s: %w", f.ID, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("enforce: expression returned %T, want bool", out.Value())
	}
	return b, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func factVars(f model.EdgeFact) map[string]any {
	return map[string]any{
		"id":         f.ID.String(),
		"type":       f.Type,
		"from_type":  string(f.From.Type),
		"from_id":    f.From.ID,
		"to_type":    string(f.To.Type),
		"to_id":      f.To.ID,
		"valid_from": f.ValidFrom,
		"method":     string(f.Props.Method),
	}
}
