package llm

import (
	"encoding/json"
)

// ToolDefinition describes a callable tool exposed to the model: a name,
// a human description, and a JSON-schema for its input.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall records a tool invocation the model requested in its response.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}
