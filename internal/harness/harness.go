// Package harness defines the pluggable reasoning-engine contract and the
// decorators that layer tracing, persistence, relay, and typing behavior
// around it without changing the contract.
package harness

import (
	"context"
	"encoding/json"

	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/types"
)

// EventKind classifies normalized engine events.
type EventKind string

const (
	// EventTextDelta is an assistant text increment as it is produced.
	EventTextDelta EventKind = "text_delta"
	// EventText is one completed assistant message.
	EventText EventKind = "text"
	EventToolStart EventKind = "tool_start"
	EventToolEnd   EventKind = "tool_end"
	EventError     EventKind = "error"
)

// Event is a normalized engine event.
type Event struct {
	Kind    EventKind
	Text    string // text_delta, text
	Tool    string // tool_start, tool_end
	CallID  string
	Args    json.RawMessage
	Result  string
	Success bool
	Message string // error
}

// ToolEvent converts a tool lifecycle event to the channel-facing form.
func (e Event) ToolEvent() types.ToolEvent {
	phase := "start"
	if e.Kind == EventToolEnd {
		phase = "end"
	}
	return types.ToolEvent{
		Phase:   phase,
		Tool:    e.Tool,
		CallID:  e.CallID,
		Args:    e.Args,
		Result:  e.Result,
		Success: e.Success,
	}
}

// Sink receives events during a run. Raw carries opaque engine payloads for
// trace fidelity; Emit carries normalized events.
type Sink interface {
	Raw(payload json.RawMessage)
	Emit(ev Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Raw(json.RawMessage) {}
func (NopSink) Emit(Event)          {}

// Request is the input for one harness run.
type Request struct {
	SessionKey   types.SessionKey
	RunID        types.RunID
	Author       string
	SystemPrompt string
	UserMessage  string
	Attachments  []types.Attachment
	Settings     settings.Resolved
}

// Harness runs one request against a reasoning engine, honoring ctx for
// cancellation. One instance is constructed per request; implementations
// keep no session state across calls.
type Harness interface {
	Run(ctx context.Context, req *Request, sink Sink) error
}

// Func adapts a function to the Harness interface.
type Func func(ctx context.Context, req *Request, sink Sink) error

func (f Func) Run(ctx context.Context, req *Request, sink Sink) error {
	return f(ctx, req, sink)
}
