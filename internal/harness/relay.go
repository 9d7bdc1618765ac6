package harness

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/types"
)

type relay struct {
	inner   Harness
	handler types.OutputHandler
	mode    string
}

// WithRelay wraps a harness with the stream-mode policy deciding what
// reaches the channel and when: "stream" forwards every text increment and
// tool event as produced, "bundled" flushes all completed messages
// concatenated after the run, "final" flushes only the last completed
// message. Nothing is flushed after a cancelled or failed run.
func WithRelay(inner Harness, handler types.OutputHandler, mode string) Harness {
	return &relay{inner: inner, handler: handler, mode: mode}
}

func (r *relay) Run(ctx context.Context, req *Request, sink Sink) error {
	rs := &relaySink{next: sink, r: r, ctx: ctx}
	err := r.inner.Run(ctx, req, rs)
	if err != nil {
		return err
	}

	switch r.mode {
	case settings.ModeBundled:
		if len(rs.completed) > 0 {
			r.send(ctx, strings.Join(rs.completed, "\n\n"))
		}
	case settings.ModeFinal:
		if len(rs.completed) > 0 {
			r.send(ctx, rs.completed[len(rs.completed)-1])
		}
	}
	return nil
}

func (r *relay) send(ctx context.Context, text string) {
	if err := r.handler.Relay(ctx, text); err != nil {
		slog.Error("relay failed", "error", err)
	}
	r.handler.EndMessage()
}

type relaySink struct {
	next      Sink
	r         *relay
	ctx       context.Context
	completed []string
}

func (s *relaySink) Raw(payload json.RawMessage) {
	s.next.Raw(payload)
}

func (s *relaySink) Emit(ev Event) {
	switch s.r.mode {
	case settings.ModeStream:
		switch ev.Kind {
		case EventTextDelta:
			if err := s.r.handler.Relay(s.ctx, ev.Text); err != nil {
				slog.Error("relay increment failed", "error", err)
			}
		case EventText:
			// Message boundary: lets the channel flush and restart typing
			// between discrete assistant messages.
			s.r.handler.EndMessage()
		case EventToolStart, EventToolEnd:
			if er, ok := s.r.handler.(types.EventRelayer); ok {
				if err := er.RelayEvent(s.ctx, ev.ToolEvent()); err != nil {
					slog.Error("relay tool event failed", "error", err)
				}
			}
		}
	default:
		if ev.Kind == EventText {
			s.completed = append(s.completed, ev.Text)
		}
	}
	s.next.Emit(ev)
}
