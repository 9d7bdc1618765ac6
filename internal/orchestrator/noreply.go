package orchestrator

import (
	"context"
	"strings"

	"github.com/user/switchboard/internal/types"
)

// noReplySentinel is what the model answers when a conditional send decides
// there is nothing worth delivering.
const noReplySentinel = "NO_REPLY"

// noReplyFilter suppresses delivery of any reply containing the sentinel,
// even when the model wraps it in prose. It deliberately hides the wrapped
// handler's optional capabilities: conditional sends come from scheduled
// tasks, which have no use for typing indicators or tool event rendering.
type noReplyFilter struct {
	types.OutputHandler
}

func withNoReplyFilter(h types.OutputHandler) types.OutputHandler {
	return &noReplyFilter{OutputHandler: h}
}

func (f *noReplyFilter) Relay(ctx context.Context, text string) error {
	if strings.Contains(text, noReplySentinel) {
		return nil
	}
	return f.OutputHandler.Relay(ctx, text)
}
