package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/songzhibin97/approval-engine/types"
)

// ErrNotBoolean is returned when an expression yields a non-boolean value.
var ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// Validator is implemented by evaluators that can check an expression
// without running it.
type Validator interface {
	Validate(expression string, env map[string]interface{}) error
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc binds a derived value under name, computed from the env at
// evaluation time.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
	// derived names change the env shape
	e.cache = make(map[string]*vm.Program)
}

// Evaluate evaluates the given expression against the provided env.
// The env is not modified. Returns false and an error if compilation,
// execution, or the boolean check fails.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	env = e.extend(env)

	program, err := e.program(expression, env)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run '%s': %w", expression, err)
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("%w: '%s' got %T", ErrNotBoolean, expression, result)
}

// Validate compiles the expression against env and requires a boolean result type.
func (e *ExprEvaluator) Validate(expression string, env map[string]interface{}) error {
	env = e.extend(env)
	if strings.TrimSpace(expression) == "" {
		return errors.New("empty expression")
	}
	_, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	return err
}

func (e *ExprEvaluator) extend(env map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		out[k] = v
	}
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		out[k] = f(env)
	}
	e.mu.RUnlock()
	return out
}

func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	key := cacheKey(expression, env)

	e.mu.RLock()
	program, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[key]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, err
	}
	e.cache[key] = program
	return program, nil
}

// cacheKey ties a compiled program to the env shape it was type-checked against.
func cacheKey(expression string, env map[string]interface{}) string {
	names := make([]string, 0, len(env))
	for k, v := range env {
		names = append(names, fmt.Sprintf("%s:%T", k, v))
	}
	sort.Strings(names)
	return expression + "\x00" + strings.Join(names, ",")
}

// Binding exposes the request fields a rule may reference. Keys from the
// free-form request data are bound first so named fields always win.
func Binding(req types.RequestPayload) map[string]interface{} {
	env := make(map[string]interface{}, len(req.Data)+3)
	for k, v := range req.Data {
		env[k] = v
	}
	env["amount"] = req.Amount
	env["requestType"] = req.RequestType
	env["description"] = req.Description
	return env
}
