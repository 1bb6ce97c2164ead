package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mwade/parley/internal/observability"
)

const (
	// DefaultTimeout bounds an invocation that does not carry its own.
	DefaultTimeout = 30 * time.Second

	// DefaultWorkers is the execution concurrency cap.
	DefaultWorkers = 8
)

// Executor validates tool arguments against their declared schemas and runs
// handlers on a fixed-size worker pool. Every invocation carries a deadline;
// the pool never grows to absorb load, so a burst of slow tools queues
// rather than exhausting the process.
type Executor struct {
	mu      sync.RWMutex
	tools   map[string]Definition
	schemas map[string]*gojsonschema.Schema
	pool    *pool
}

// Options tunes the executor.
type Options struct {
	Workers        int
	DefaultTimeout time.Duration
}

// NewExecutor creates an executor with a started worker pool.
func NewExecutor(opts Options) *Executor {
	observability.EnsureRegistered()

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Executor{
		tools:   make(map[string]Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		pool:    newPool(workers),
	}
}

// Register adds a tool definition, compiling its argument schema once.
func (e *Executor) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := def.compileSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	e.tools[def.Name] = def
	e.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get returns a registered definition.
func (e *Executor) Get(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.tools[name]
	return def, ok
}

// List returns all registered definitions.
func (e *Executor) List() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	defs := make([]Definition, 0, len(e.tools))
	for _, def := range e.tools {
		defs = append(defs, def)
	}
	return defs
}

// Close stops the worker pool after in-flight handlers return.
func (e *Executor) Close() {
	e.pool.close()
}

// Invoke runs one tool call and always returns a Result: unknown tools and
// invalid arguments fail, deadline expiry times out. A timed-out Result is
// returned as soon as the deadline passes even though the handler may still
// be running; its context is cancelled and the worker frees up when the
// handler honors it.
func (e *Executor) Invoke(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) Result {
	start := time.Now()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	e.mu.RLock()
	def, ok := e.tools[name]
	schema := e.schemas[name]
	e.mu.RUnlock()

	if !ok {
		return e.finish(name, start, Result{
			Status: StatusFailed,
			Error:  fmt.Sprintf("tool %s not found", name),
		})
	}

	if err := validateArgs(schema, args); err != nil {
		return e.finish(name, start, Result{
			Status: StatusFailed,
			Error:  fmt.Sprintf("invalid arguments: %v", err),
		})
	}

	// The invocation record is owned by this goroutine alone; the handler
	// path reports back only through the result channel, so a timed-out
	// caller never races a finishing worker over shared state.
	inv := &Invocation{
		Tool:      name,
		Args:      args,
		StartedAt: start,
		Timeout:   timeout,
		Status:    StatusPending,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan Result, 1)

	j := &job{
		ctx:    runCtx,
		cancel: cancel,
		run: func(jctx context.Context) {
			done <- e.runHandler(jctx, def, args)
		},
	}

	if !e.pool.submit(runCtx, j) {
		// Queued past the deadline without ever reaching a worker.
		cancel()
		inv.Status = StatusTimedOut
		return e.finish(name, start, Result{
			Status: StatusTimedOut,
			Error:  fmt.Sprintf("tool %s timed out waiting for a worker after %s", name, timeout),
		})
	}
	inv.Status = StatusRunning

	select {
	case result := <-done:
		inv.Status = result.Status
		return e.finish(name, start, result)
	case <-runCtx.Done():
		inv.Status = StatusTimedOut
		log.Warn().
			Str("tool", name).
			Dur("timeout", timeout).
			Msg("Tool invocation timed out, handler left to honor cancellation")
		return e.finish(name, start, Result{
			Status: StatusTimedOut,
			Error:  fmt.Sprintf("tool %s timed out after %s", name, timeout),
		})
	}
}

func (e *Executor) runHandler(ctx context.Context, def Definition, args map[string]interface{}) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("tool", def.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tool handler panicked")
			result = Result{
				Status: StatusFailed,
				Error:  fmt.Sprintf("tool %s panicked: %v", def.Name, r),
			}
		}
	}()

	output, err := def.Handler(ctx, args)
	if err != nil {
		return Result{
			Status: StatusFailed,
			Error:  err.Error(),
		}
	}

	return Result{
		Status: StatusSucceeded,
		Output: output,
	}
}

func (e *Executor) finish(name string, start time.Time, result Result) Result {
	result.Duration = time.Since(start)
	observability.RecordToolExecution(name, string(result.Status), result.Duration)
	return result
}
