package turn

// EventKind discriminates the incremental events of one turn.
type EventKind string

const (
	EventToken    EventKind = "token"
	EventToolCall EventKind = "tool_call"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event is one element of a turn's output stream. Token events carry a text
// delta, tool_call events name the tool being invoked, complete carries the
// final result, error carries a terminal failure. Because turns for one
// conversation are serialized by the lock, events from different turns of
// the same conversation never interleave.
type Event struct {
	Kind     EventKind `json:"kind"`
	Token    string    `json:"token,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	ToolID   string    `json:"tool_id,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// EmitFunc receives turn events as they happen. A nil EmitFunc is allowed;
// the turn then runs to completion silently.
type EmitFunc func(Event)

// Outcome summarizes how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeModerated Outcome = "moderated"
	OutcomeExhausted Outcome = "exhausted" // tool round cap reached
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted" // cancelled mid-turn
)

// Result is the final product of one turn.
type Result struct {
	ConversationID string  `json:"conversation_id"`
	TurnID         string  `json:"turn_id"`
	Text           string  `json:"text"`
	Step           string  `json:"step,omitempty"` // structured flows only
	Outcome        Outcome `json:"outcome"`
	ToolRounds     int     `json:"tool_rounds"`
	Version        int     `json:"version"`
}
