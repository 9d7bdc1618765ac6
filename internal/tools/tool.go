package tools

import (
	"context"
	"encoding/json"

	"github.com/user/switchboard/pkg/llm"
)

// Tool is one executable capability offered to the engine.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the available tools.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Allowed returns a registry restricted to the given names. An empty allow
// list means everything is allowed.
func (r *Registry) Allowed(names []string) *Registry {
	if len(names) == 0 {
		return r
	}
	out := NewRegistry()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out.Register(t)
		}
	}
	return out
}

// AsLLMTools converts the registry to the provider wire format.
func (r *Registry) AsLLMTools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}
