package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/lexstream/llm"
)

// ToolFunc executes a tool call with its JSON input.
type ToolFunc func(ctx context.Context, input json.RawMessage) (any, error)

// Tool is a named callable a worker exposes to the LLM boundary.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Fn          ToolFunc
}

// ToolRegistry holds a worker's tools keyed by name. Registration happens
// at construction time; lookups are concurrent-safe for the LLM callback
// path.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Fn == nil {
		return fmt.Errorf("tool %s has no function", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Call invokes a tool by name.
func (r *ToolRegistry) Call(ctx context.Context, name string, input json.RawMessage) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %s", name)
	}
	return t.Fn(ctx, input)
}

// Definitions serializes the registry to the LLM tool schema, sorted by
// name for stable request bodies.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names lists registered tool names sorted alphabetically.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
