package harness

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/user/switchboard/internal/trace"
)

// TraceOptions tune the tracing decorator.
type TraceOptions struct {
	Channel    string
	Invocation string
	// SkipDeltas drops raw events that are pure streaming-delta noise.
	SkipDeltas bool
}

type tracing struct {
	inner  Harness
	writer *trace.Writer
	opts   TraceOptions
}

// WithTracing wraps a harness so the full request lifecycle lands in a
// per-request trace file: header, invocation, prompt, and user message
// before the run; raw and normalized event lines during it; a footer with
// duration, counts, and outcome afterwards, on every exit path.
func WithTracing(inner Harness, w *trace.Writer, opts TraceOptions) Harness {
	return &tracing{inner: inner, writer: w, opts: opts}
}

func (t *tracing) Run(ctx context.Context, req *Request, sink Sink) error {
	t.writer.Header(req.SessionKey, t.opts.Channel, req.Settings.Harness)
	t.writer.Invocation(t.opts.Invocation)
	t.writer.Prompt(req.SystemPrompt)
	t.writer.UserMessage(req.UserMessage, req.Attachments)

	err := t.inner.Run(ctx, req, &traceSink{next: sink, writer: t.writer, skipDeltas: t.opts.SkipDeltas})

	switch {
	case err == nil:
		t.writer.Footer(true, "")
	case errors.Is(err, context.Canceled):
		t.writer.Footer(false, "interrupted")
	default:
		t.writer.Footer(false, err.Error())
	}
	return err
}

type traceSink struct {
	next       Sink
	writer     *trace.Writer
	skipDeltas bool
}

func (s *traceSink) Raw(payload json.RawMessage) {
	if !s.skipDeltas || !isDeltaNoise(payload) {
		s.writer.RawEvent(payload)
	}
	s.next.Raw(payload)
}

func (s *traceSink) Emit(ev Event) {
	if !s.skipDeltas || ev.Kind != EventTextDelta {
		s.writer.NormalizedEvent(string(ev.Kind))
	}
	s.next.Emit(ev)
}

// isDeltaNoise peeks at an opaque payload to see whether it is a bare text
// increment with nothing else of interest.
func isDeltaNoise(payload json.RawMessage) bool {
	var probe struct {
		Content   string          `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Content != "" && len(probe.ToolCalls) == 0
}
