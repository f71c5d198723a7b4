// Package engine provides the resumable state-machine flow engine.
//
// This file defines the action executor contract and registry. Executors
// perform the real work a state names (charge a payment, validate a
// zone, call the catalog) and report back a discrete outcome event plus
// context updates. Executors are looked up by the string name declared
// on the state; an unknown name is a load-time validation failure, not a
// runtime one.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// DefaultExecutorTimeout bounds each executor invocation so a slow or
// unreachable backend fails the action instead of hanging the turn.
const DefaultExecutorTimeout = 10 * time.Second

// Executor performs the work named by an action spec. It reads collected
// slot values from the session context bag and reports an outcome event
// plus context updates to merge back into the bag.
type Executor interface {
	Execute(ctx context.Context, action models.ActionSpec, session *models.Session) (models.ActionResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action models.ActionSpec, session *models.Session) (models.ActionResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, action models.ActionSpec, session *models.Session) (models.ActionResult, error) {
	return f(ctx, action, session)
}

// ExecutorRegistry maps executor names to implementations. It satisfies
// the flow loader's ExecutorChecker so unknown references are rejected
// when a flow is registered.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewExecutorRegistry creates an empty executor registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]Executor)}
}

// Register associates an executor name with an implementation.
func (r *ExecutorRegistry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
	slog.Debug("Executor registered", "name", name)
}

// Get retrieves an executor by name.
func (r *ExecutorRegistry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}

// HasExecutor reports whether a named executor is registered.
func (r *ExecutorRegistry) HasExecutor(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// Names returns the registered executor names.
func (r *ExecutorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// invoke runs one executor with a bounded timeout. A timeout or error is
// reported as an error-event result, never as an indefinite hang.
func (r *ExecutorRegistry) invoke(ctx context.Context, action models.ActionSpec, session *models.Session, timeout time.Duration) models.ActionResult {
	ex, ok := r.Get(action.Executor)
	if !ok {
		// Load-time validation should make this unreachable; guard anyway.
		slog.Error("Executor missing at runtime", "executor", action.Executor, "session", session.Key)
		return models.ActionResult{
			Event: models.EventError,
			Error: &models.ErrorInfo{Code: "unknown_executor", Message: action.Executor},
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result models.ActionResult
		err    error
	}
	// The goroutine can outlive the timeout below. It gets a private
	// copy of the session so a late context write cannot race the turn
	// that has already moved on; executors report mutations through
	// ActionResult.ContextUpdates, never by writing the bag directly.
	shadow := session.Clone()
	done := make(chan outcome, 1)
	go func() {
		result, err := ex.Execute(execCtx, action, shadow)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			slog.Error("Executor failed", "executor", action.Executor, "session", session.Key, "error", o.err)
			return models.ActionResult{
				Event: models.EventError,
				Error: &models.ErrorInfo{Code: "executor_error", Message: o.err.Error()},
			}
		}
		return o.result
	case <-execCtx.Done():
		slog.Error("Executor timed out", "executor", action.Executor, "session", session.Key, "timeout", timeout)
		return models.ActionResult{
			Event: models.EventError,
			Error: &models.ErrorInfo{Code: "executor_timeout", Message: models.ErrExecutorTimeout.Error()},
		}
	}
}
