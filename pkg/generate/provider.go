// Package generate adapts hosted LLM providers behind one streaming
// interface. Providers stream tokens through a callback and return the
// accumulated response; transient upstream failures surface as ErrUpstream
// so callers can retry without parsing provider-specific errors.
package generate

import (
	"context"
	"errors"
)

// ErrUpstream marks a provider-side failure (network, rate limit, 5xx).
// The turn that hit it can be retried safely because no state was mutated.
var ErrUpstream = errors.New("upstream generation failure")

// Message is one entry of the prompt history in provider-neutral form.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// ToolSpec advertises one callable tool to the provider.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// Usage is the token accounting for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is a provider-neutral generation request.
type Request struct {
	Model        string
	Instructions string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
}

// Response is the accumulated result of one streamed generation.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *Usage
}

// Generator streams one model response. onToken receives each text delta as
// it arrives and may be nil; the returned Response always carries the full
// accumulated text.
type Generator interface {
	Provider() string
	Generate(ctx context.Context, req Request, onToken func(token string)) (*Response, error)
}
