package generate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOpenAIMessages_ToolResultWireFields(t *testing.T) {
	msgs, err := buildOpenAIMessages([]Message{
		{Role: "tool", ToolCallID: "call_123", Content: "sunny, 21C"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	data, err := json.Marshal(msgs[0])
	require.NoError(t, err)

	var wire struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "tool", wire.Role)
	assert.Equal(t, "sunny, 21C", wire.Content, "tool output travels in content")
	assert.Equal(t, "call_123", wire.ToolCallID, "the call id must reference the assistant's request")
}

func TestBuildOpenAIMessages_AssistantToolCalls(t *testing.T) {
	msgs, err := buildOpenAIMessages([]Message{
		{
			Role:    "assistant",
			Content: "checking",
			ToolCalls: []ToolCall{
				{ID: "call_123", Name: "lookup", Args: map[string]interface{}{"q": "weather"}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	data, err := json.Marshal(msgs[0])
	require.NoError(t, err)

	var wire struct {
		Role      string `json:"role"`
		ToolCalls []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "assistant", wire.Role)
	require.Len(t, wire.ToolCalls, 1)
	assert.Equal(t, "call_123", wire.ToolCalls[0].ID)
	assert.Equal(t, "lookup", wire.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"weather"}`, wire.ToolCalls[0].Function.Arguments)
}
