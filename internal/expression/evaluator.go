// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression evaluates user-supplied single expressions in a
// sandbox. Expressions can read the environment they are given and call a
// small set of helper functions; they cannot perform I/O.
package expression

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/flowengine/pkg/errors"
)

// DefaultTimeout bounds Eval when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Per-expression limits. MaxNodes caps the size of a compiled program and
// MemoryBudget the allocations of one run, which also bounds how long a run
// Eval stopped waiting for keeps its goroutine busy.
const (
	MaxNodes     = 5000
	MemoryBudget = 250_000
)

type cacheKey struct {
	expression string
	asBool     bool
}

// Evaluator compiles and runs expressions, caching compiled programs.
// It is safe for concurrent use.
type Evaluator struct {
	cache map[cacheKey]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[cacheKey]*vm.Program),
	}
}

// Evaluate runs a boolean expression against env. An empty expression is true.
//
// Example:
//
//	env := map[string]any{"input": map[string]any{"value": 5}}
//	ok, err := eval.Evaluate(`input.value > 10`, env) // false, nil
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression, true)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax; the expression must produce a boolean",
		}
	}

	result, err := run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced fields exist in the node input",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}
	return boolResult, nil
}

// Eval runs an expression of any result type. It gives up when ctx is done,
// or after DefaultTimeout if ctx has no deadline. The abandoned run cannot
// be interrupted and finishes in the background within MemoryBudget.
func (e *Evaluator) Eval(ctx context.Context, expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression, false)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("failed to compile expression: %s", err.Error()),
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, &errors.TimeoutError{Operation: "expression", Cause: err}
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("expression panicked: %v", r)}
			}
		}()
		v, err := run(program, env)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &errors.TimeoutError{Operation: "expression", Duration: time.Since(start), Cause: ctx.Err()}
	case out := <-done:
		if out.err != nil {
			return nil, &errors.ValidationError{
				Field:   "expression",
				Message: fmt.Sprintf("expression evaluation failed: %s", out.err.Error()),
			}
		}
		return out.value, nil
	}
}

// Compile checks that expression is syntactically valid.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.compile(expression, false)
	return err
}

// CompileBool checks that expression is valid and can only produce a
// boolean, as Evaluate requires.
func (e *Evaluator) CompileBool(expression string) error {
	_, err := e.compile(expression, true)
	return err
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string, asBool bool) (*vm.Program, error) {
	key := cacheKey{expression: expression, asBool: asBool}

	e.mu.RLock()
	if prog, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// "contains" is a reserved string operator in expr, so the membership
	// helper is exposed as "has" and "includes".
	opts := []expr.Option{
		expr.Env(functions()),
		expr.AllowUndefinedVariables(),
		expr.MaxNodes(MaxNodes),
	}
	if asBool {
		opts = append(opts, expr.AsBool())
	}

	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the expression cache.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[cacheKey]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func run(program *vm.Program, env map[string]any) (any, error) {
	machine := vm.VM{MemoryBudget: MemoryBudget}
	return machine.Run(program, withFunctions(env))
}

func withFunctions(env map[string]any) map[string]any {
	out := make(map[string]any, len(env)+3)
	maps.Copy(out, env)
	maps.Copy(out, functions())
	return out
}
