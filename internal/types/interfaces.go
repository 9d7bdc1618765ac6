package types

import (
	"context"
	"encoding/json"
)

// HistoryQuery selects transcript rows for prompt assembly.
type HistoryQuery struct {
	Limit            int
	IncludeTools     bool
	IncludeArchived  bool
	IncludeCompacted bool
}

// Store is the persistence capability consumed by the orchestrator. The
// storage engine behind it is not the core's concern.
type Store interface {
	// ResolveSession returns the session for key, creating it on first use
	// and bumping LastActiveAt on every call.
	ResolveSession(ctx context.Context, key SessionKey) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	SessionConfig(ctx context.Context, key SessionKey) (json.RawMessage, error)
	SetSessionConfig(ctx context.Context, key SessionKey, cfg json.RawMessage) error

	InsertMessage(ctx context.Context, msg *Message) error
	RecentMessages(ctx context.Context, key SessionKey, q HistoryQuery) ([]*Message, error)
	// RecentAcrossSessions returns recent rows from every session except the
	// excluded one, for cross-context assembly.
	RecentAcrossSessions(ctx context.Context, exclude SessionKey, q HistoryQuery) ([]*Message, error)
	CountUncompacted(ctx context.Context, key SessionKey, kinds []string) (int64, error)
	CountUnarchived(ctx context.Context, key SessionKey) (int64, error)
	MarkArchived(ctx context.Context, key SessionKey) error
	MarkCompacted(ctx context.Context, key SessionKey) error
	// MarkOldestCompacted retires the n oldest uncompacted rows of a session.
	MarkOldestCompacted(ctx context.Context, key SessionKey, n int64) error
}

// OutputHandler delivers one request's output back through the channel the
// request arrived on.
type OutputHandler interface {
	// Relay sends a text increment to the channel.
	Relay(ctx context.Context, text string) error
	// EndMessage marks a message boundary between discrete assistant messages.
	EndMessage()
}

// EventRelayer is an optional OutputHandler capability for channels that can
// render structured tool lifecycle events.
type EventRelayer interface {
	RelayEvent(ctx context.Context, ev ToolEvent) error
}

// TypingNotifier is an optional OutputHandler capability for channels with a
// typing indicator.
type TypingNotifier interface {
	StartTyping()
	StopTyping()
}

// Channel is a chat surface: it produces InboundEvents for the orchestrator
// and hands back an OutputHandler per event.
type Channel interface {
	Name() string
	CreateHandler(event *InboundEvent) OutputHandler
}

// CustomPrompter is an optional Channel capability contributing a
// channel-specific system prompt fragment.
type CustomPrompter interface {
	CustomPrompt() string
}

// Reprompter is an optional Channel capability for surfaces that need a
// post-response nudge, e.g. a re-displayed input prompt.
type Reprompter interface {
	Reprompt()
}
