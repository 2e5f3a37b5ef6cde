package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"geister/internal/llm"
)

// CallContext carries the execution identity merged into every tool call.
// These values come from the agent being driven, not from the model.
type CallContext struct {
	Network        string
	RealmFolder    string
	RealmPrincipal string
	UserPrincipal  string
	UserIdentity   string
}

// Tool executes a single named function on behalf of an agent. Arguments are
// the model-supplied values; each implementation decodes the keys it knows
// and ignores the rest.
type Tool interface {
	// Name returns the function name exposed to the LLM.
	Name() string

	// Definition returns the tool schema included in LLM requests.
	Definition() llm.ToolDefinition

	// Call runs the tool and returns its JSON string result.
	Call(ctx context.Context, args map[string]any, cc CallContext) (string, error)
}

// Registry manages the dispatch table of available tools.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool, nil
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

// Definitions returns the schema of every registered tool for the LLM
// request, sorted by name so prompts stay byte-stable across requests.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute dispatches one call and always produces a JSON string: either the
// tool's own payload or an {"error": ...} object. The conversation engine
// feeds this string back to the model verbatim as a tool-role message.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, cc CallContext) string {
	tool, err := r.Get(name)
	if err != nil {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}

	result, err := tool.Call(ctx, args, cc)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return result
}

// ErrorResult encodes an error message as the canonical tool error payload.
func ErrorResult(message string) string {
	encoded, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error": "internal error"}`
	}
	return string(encoded)
}

// IsErrorResult reports whether a tool's JSON result carries an error key.
// Non-JSON results are never errors; the model is expected to interpret them.
func IsErrorResult(result string) bool {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(result), &decoded); err != nil {
		return false
	}
	val, ok := decoded["error"]
	if !ok {
		return false
	}
	switch v := val.(type) {
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}
