package generate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	calls int
	fn    func(attempt int) (*Response, error)
}

func (s *stubGenerator) Provider() string { return "stub" }

func (s *stubGenerator) Generate(_ context.Context, _ Request, onToken func(string)) (*Response, error) {
	s.calls++
	if onToken != nil {
		onToken("t")
	}
	return s.fn(s.calls)
}

func TestRetrying_RecoversFromUpstreamFailure(t *testing.T) {
	stub := &stubGenerator{fn: func(attempt int) (*Response, error) {
		if attempt < 3 {
			return nil, fmt.Errorf("attempt %d: %w", attempt, ErrUpstream)
		}
		return &Response{Text: "ok"}, nil
	}}
	r := NewRetrying(stub, 3, time.Millisecond)

	var tokens int
	resp, err := r.Generate(context.Background(), Request{}, func(string) { tokens++ })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, stub.calls)
	assert.Equal(t, 3, tokens, "tokens from failed attempts are delivered too")
}

func TestRetrying_BudgetExhausted(t *testing.T) {
	stub := &stubGenerator{fn: func(attempt int) (*Response, error) {
		return nil, fmt.Errorf("attempt %d: %w", attempt, ErrUpstream)
	}}
	r := NewRetrying(stub, 2, time.Millisecond)

	_, err := r.Generate(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, 3, stub.calls, "one initial attempt plus two retries")
}

func TestRetrying_NonUpstreamErrorIsNotRetried(t *testing.T) {
	boom := errors.New("invalid request")
	stub := &stubGenerator{fn: func(int) (*Response, error) { return nil, boom }}
	r := NewRetrying(stub, 3, time.Millisecond)

	_, err := r.Generate(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stub.calls)
}

func TestRetrying_ContextCancelledDuringBackoff(t *testing.T) {
	stub := &stubGenerator{fn: func(int) (*Response, error) {
		return nil, ErrUpstream
	}}
	r := NewRetrying(stub, 3, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Generate(ctx, Request{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stub.calls, "cancellation interrupts the backoff wait")
}
