package llm

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Conversation roles used on the Ollama chat endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a chat conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is the model's request to invoke a function.
type ToolCall struct {
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its arguments.
type FunctionCall struct {
	Name      string      `json:"name"`
	Arguments ArgumentMap `json:"arguments"`
}

// ArgumentMap decodes tool call arguments tolerantly. Ollama sends a JSON
// object, but some models emit the arguments as an embedded JSON string, and
// small models occasionally emit JSON that needs repair before it parses.
type ArgumentMap map[string]any

func (a *ArgumentMap) UnmarshalJSON(data []byte) error {
	var direct map[string]any
	if err := json.Unmarshal(data, &direct); err == nil {
		*a = direct
		return nil
	}

	var embedded string
	if err := json.Unmarshal(data, &embedded); err != nil {
		return err
	}

	embedded = strings.TrimSpace(embedded)
	if embedded == "" {
		*a = map[string]any{}
		return nil
	}

	var fromString map[string]any
	if err := json.Unmarshal([]byte(embedded), &fromString); err == nil {
		*a = fromString
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(embedded)
	if repairErr != nil {
		*a = map[string]any{"raw": embedded}
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &fromString); err != nil {
		*a = map[string]any{"raw": embedded}
		return nil
	}
	*a = fromString
	return nil
}

// ToolDefinition describes one callable function in the OpenAI-compatible
// format Ollama expects in the request's tools array.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the schema half of a tool definition.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema defines tool parameters (JSON Schema format).
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Property defines a single parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ChatRequest carries everything the engine sends per completion call.
// Tools is omitted entirely for forced-summary calls so the model cannot
// answer with another tool invocation.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// ChatResponse is the single assistant turn returned by a non-streaming call.
type ChatResponse struct {
	Message         Message
	Model           string
	DoneReason      string
	PromptEvalCount int
	EvalCount       int
}

// HasToolCalls reports whether the assistant asked for any tool invocations.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

// TextContent returns the trimmed assistant narration.
func (r *ChatResponse) TextContent() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Message.Content)
}
