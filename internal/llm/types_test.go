package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeToolCall(t *testing.T, raw string) ToolCall {
	t.Helper()
	var tc ToolCall
	require.NoError(t, json.Unmarshal([]byte(raw), &tc))
	return tc
}

func TestArgumentMapDecodesObject(t *testing.T) {
	tc := decodeToolCall(t, `{"function":{"name":"join_realm","arguments":{"profile":"member","count":2}}}`)
	assert.Equal(t, "join_realm", tc.Function.Name)
	assert.Equal(t, "member", tc.Function.Arguments["profile"])
	assert.Equal(t, float64(2), tc.Function.Arguments["count"])
}

func TestArgumentMapDecodesEmbeddedJSONString(t *testing.T) {
	tc := decodeToolCall(t, `{"function":{"name":"db_get","arguments":"{\"entity_type\":\"Proposal\"}"}}`)
	assert.Equal(t, "Proposal", tc.Function.Arguments["entity_type"])
}

func TestArgumentMapRepairsSloppyJSON(t *testing.T) {
	// Single quotes and a trailing comma, the kind of output small
	// models produce.
	tc := decodeToolCall(t, `{"function":{"name":"db_get","arguments":"{'entity_type': 'Vote',}"}}`)
	assert.Equal(t, "Vote", tc.Function.Arguments["entity_type"])
}

func TestArgumentMapKeepsUnparseableTextAsRaw(t *testing.T) {
	tc := decodeToolCall(t, `{"function":{"name":"db_get","arguments":"just call the tool"}}`)
	assert.Equal(t, "just call the tool", tc.Function.Arguments["raw"])
}

func TestArgumentMapEmptyString(t *testing.T) {
	tc := decodeToolCall(t, `{"function":{"name":"realm_status","arguments":"  "}}`)
	require.NotNil(t, tc.Function.Arguments)
	assert.Empty(t, tc.Function.Arguments)
}

func TestChatResponseHelpers(t *testing.T) {
	var nilResp *ChatResponse
	assert.False(t, nilResp.HasToolCalls())
	assert.Equal(t, "", nilResp.TextContent())

	resp := &ChatResponse{Message: Message{
		Role:      RoleAssistant,
		Content:   "  joined the realm \n",
		ToolCalls: []ToolCall{{Function: FunctionCall{Name: "join_realm"}}},
	}}
	assert.True(t, resp.HasToolCalls())
	assert.Equal(t, "joined the realm", resp.TextContent())
}
