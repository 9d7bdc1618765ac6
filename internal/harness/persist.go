package harness

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/user/switchboard/internal/types"
)

type persistence struct {
	inner Harness
	store types.Store
}

// WithPersistence wraps a harness so the inbound user content, every
// completed assistant message, and every tool start/end land in the
// transcript as discrete timestamped rows, independent of what is relayed
// outward. A cancelled run records an interrupted marker instead of
// silently dropping the turn.
func WithPersistence(inner Harness, store types.Store) Harness {
	return &persistence{inner: inner, store: store}
}

func (p *persistence) Run(ctx context.Context, req *Request, sink Sink) error {
	p.insert(ctx, req, &types.Message{
		SessionKey: req.SessionKey,
		RunID:      req.RunID,
		Kind:       types.MessageUser,
		Author:     req.Author,
		Content:    req.UserMessage,
	})

	err := p.inner.Run(ctx, req, &persistSink{next: sink, p: p, req: req})

	if errors.Is(err, context.Canceled) {
		// The store write must survive the cancelled request context.
		p.insert(context.WithoutCancel(ctx), req, &types.Message{
			SessionKey: req.SessionKey,
			RunID:      req.RunID,
			Kind:       types.MessageSystem,
			Content:    "interrupted",
		})
	}
	return err
}

func (p *persistence) insert(ctx context.Context, req *Request, msg *types.Message) {
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		slog.Error("persist message failed",
			"session_key", string(req.SessionKey), "kind", msg.Kind, "error", err)
	}
}

type persistSink struct {
	next Sink
	p    *persistence
	req  *Request
}

func (s *persistSink) Raw(payload json.RawMessage) {
	s.next.Raw(payload)
}

func (s *persistSink) Emit(ev Event) {
	switch ev.Kind {
	case EventText:
		s.p.insert(context.Background(), s.req, &types.Message{
			SessionKey: s.req.SessionKey,
			RunID:      s.req.RunID,
			Kind:       types.MessageAssistant,
			Content:    ev.Text,
		})
	case EventToolStart, EventToolEnd:
		payload, _ := json.Marshal(ev.ToolEvent())
		s.p.insert(context.Background(), s.req, &types.Message{
			SessionKey: s.req.SessionKey,
			RunID:      s.req.RunID,
			Kind:       string(ev.Kind),
			Content:    ev.Tool,
			Payload:    payload,
		})
	}
	s.next.Emit(ev)
}
