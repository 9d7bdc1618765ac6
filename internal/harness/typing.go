package harness

import (
	"context"

	"github.com/user/switchboard/internal/types"
)

type typingDecorator struct {
	inner   Harness
	handler types.OutputHandler
}

// WithTyping wraps a harness so the channel's typing indicator starts before
// the run and is stopped on every exit path, including cancellation and
// inner decorator failures. Channels without the capability are untouched.
func WithTyping(inner Harness, handler types.OutputHandler) Harness {
	return &typingDecorator{inner: inner, handler: handler}
}

func (t *typingDecorator) Run(ctx context.Context, req *Request, sink Sink) error {
	if tn, ok := t.handler.(types.TypingNotifier); ok {
		tn.StartTyping()
		defer tn.StopTyping()
	}
	return t.inner.Run(ctx, req, sink)
}
