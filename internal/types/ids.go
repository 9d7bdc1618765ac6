package types

import (
	"strings"

	"github.com/google/uuid"
)

// SessionKey identifies a conversation as "channel:target". It doubles as
// the durable session identifier.
type SessionKey string

type RunID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewSessionKey joins a channel name and a channel-local target into a key.
func NewSessionKey(channel, target string) SessionKey {
	return SessionKey(channel + ":" + target)
}

// Channel returns the channel component of the key.
func (k SessionKey) Channel() string {
	name, _, _ := strings.Cut(string(k), ":")
	return name
}

// Target returns the channel-local target component of the key.
func (k SessionKey) Target() string {
	_, target, _ := strings.Cut(string(k), ":")
	return target
}
