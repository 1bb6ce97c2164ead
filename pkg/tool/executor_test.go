package tool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "echoes its input",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}
}

func TestExecutor_RegisterValidation(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()

	assert.Error(t, e.Register(Definition{Description: "no name", Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }}))
	assert.Error(t, e.Register(Definition{Name: "x", Description: "no handler"}))
	assert.Error(t, e.Register(Definition{
		Name:        "bad-type",
		Description: "invalid parameter type",
		Parameters:  []Parameter{{Name: "p", Type: "decimal"}},
		Handler:     func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil },
	}))

	require.NoError(t, e.Register(echoTool()))
	assert.Error(t, e.Register(echoTool()), "duplicate registration must fail")

	_, ok := e.Get("echo")
	assert.True(t, ok)
	assert.Len(t, e.List(), 1)
}

func TestExecutor_InvokeSuccess(t *testing.T) {
	e := NewExecutor(Options{Workers: 2})
	defer e.Close()
	require.NoError(t, e.Register(echoTool()))

	result := e.Invoke(context.Background(), "echo", map[string]interface{}{"text": "hello"}, time.Second)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, "hello", result.Output)
	assert.Empty(t, result.Error)
}

func TestExecutor_UnknownToolFails(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()

	result := e.Invoke(context.Background(), "nope", nil, time.Second)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "not found")
}

func TestExecutor_InvalidArgumentsFail(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()
	require.NoError(t, e.Register(echoTool()))

	result := e.Invoke(context.Background(), "echo", map[string]interface{}{}, time.Second)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "invalid arguments")

	result = e.Invoke(context.Background(), "echo", map[string]interface{}{"text": 42}, time.Second)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestExecutor_HandlerErrorIsData(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()

	require.NoError(t, e.Register(Definition{
		Name:        "broken",
		Description: "always fails",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	result := e.Invoke(context.Background(), "broken", nil, time.Second)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "backend unavailable", result.Error)
}

func TestExecutor_PanicIsCaught(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()

	require.NoError(t, e.Register(Definition{
		Name:        "bomb",
		Description: "panics",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}))

	result := e.Invoke(context.Background(), "bomb", nil, time.Second)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "panicked")

	// The worker survived the panic and keeps serving.
	require.NoError(t, e.Register(echoTool()))
	result = e.Invoke(context.Background(), "echo", map[string]interface{}{"text": "still alive"}, time.Second)
	assert.Equal(t, StatusSucceeded, result.Status)
}

func TestExecutor_TimeoutReturnsImmediately(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()

	released := make(chan struct{})
	require.NoError(t, e.Register(Definition{
		Name:        "slow",
		Description: "waits for its context",
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			defer close(released)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	start := time.Now()
	result := e.Invoke(context.Background(), "slow", nil, 50*time.Millisecond)
	assert.Equal(t, StatusTimedOut, result.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "caller gets TimedOut at the deadline, not when the handler exits")

	// Cooperative cancellation: the handler observed its context and the
	// worker slot was freed.
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("handler never honored cancellation")
	}
}

func TestExecutor_TimeoutConcurrentWithHandlerCompletion(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()

	finished := make(chan struct{}, 2)
	require.NoError(t, e.Register(Definition{
		Name:        "laggard",
		Description: "ignores its deadline and finishes late",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			finished <- struct{}{}
			return "late", nil
		},
	}))

	result := e.Invoke(context.Background(), "laggard", nil, 10*time.Millisecond)
	assert.Equal(t, StatusTimedOut, result.Status)

	// The worker completes the stale invocation concurrently with the
	// timeout bookkeeping above; neither side may disturb the other.
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("handler never finished")
	}

	result = e.Invoke(context.Background(), "laggard", nil, 500*time.Millisecond)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, "late", result.Output)
}

func TestExecutor_QueueWaitCountsAgainstTimeout(t *testing.T) {
	e := NewExecutor(Options{Workers: 1})
	defer e.Close()

	var running atomic.Int32
	require.NoError(t, e.Register(Definition{
		Name:        "hog",
		Description: "occupies the only worker",
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			running.Add(1)
			select {
			case <-ctx.Done():
			case <-time.After(300 * time.Millisecond):
			}
			return "done", nil
		},
	}))

	go e.Invoke(context.Background(), "hog", nil, time.Second)
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	// With the single worker busy, a short-deadline invocation times out
	// in the queue instead of waiting indefinitely.
	result := e.Invoke(context.Background(), "hog", nil, 30*time.Millisecond)
	assert.Equal(t, StatusTimedOut, result.Status)
	assert.Equal(t, int32(1), running.Load(), "queued invocation never reached a worker")
}
