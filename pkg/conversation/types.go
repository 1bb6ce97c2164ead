// Package conversation holds the durable, checkpointed conversation state
// shared by every flow: the turn history, the structured-flow step machine,
// and the store that persists both in the shared keyed store.
package conversation

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Flow distinguishes FSM-governed conversations from open-ended chat.
type Flow string

const (
	FlowStructured Flow = "structured"
	FlowOpenEnded  Flow = "open_ended"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// ToolCall is a tool invocation requested during a turn.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolResult is the recorded outcome of a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Turn is one checkpointed entry in a conversation's history. Completed is
// the completion marker: a turn persisted without it belonged to a process
// that died mid-turn and is discarded on the next load.
type Turn struct {
	ID          string       `json:"id"`
	Seq         int          `json:"seq"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Completed   bool         `json:"completed"`
	Note        string       `json:"note,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Conversation is the full persisted state of one conversation.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Flow      Flow      `json:"flow"`
	Step      Step      `json:"step,omitempty"` // structured flows only
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// DiscardedTurn is set by Load when a trailing turn without its
	// completion marker was dropped. It is never persisted.
	DiscardedTurn *Turn `json:"-"`
}

// History returns the completed turns in order.
func (c *Conversation) History() []Turn {
	return c.Turns
}

// LastTurn returns the newest recorded turn, or nil for an empty history.
func (c *Conversation) LastTurn() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return &c.Turns[len(c.Turns)-1]
}

// NewID mints a conversation or turn identifier.
func NewID() string {
	id, err := gonanoid.New()
	if err != nil {
		// gonanoid only fails when the OS entropy source does.
		panic(err)
	}
	return id
}
