package types

import (
	"encoding/json"
	"time"
)

// Attachment describes a file carried by an inbound event.
type Attachment struct {
	Type     string `json:"type"` // "image" or "file"
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InboundEvent is one message from any channel. Immutable once created;
// scheduled jobs produce these exactly like live chat does.
type InboundEvent struct {
	SessionKey  SessionKey      `json:"session_key"`
	Channel     string          `json:"channel"`
	Target      string          `json:"target"`
	Author      string          `json:"author"`
	At          time.Time       `json:"at"`
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ConditionalSend reports whether the event's raw payload carries the
// conditional-send flag used by scheduled jobs.
func (e *InboundEvent) ConditionalSend() bool {
	if len(e.Raw) == 0 {
		return false
	}
	var raw struct {
		ConditionalSend bool `json:"conditional_send"`
	}
	if err := json.Unmarshal(e.Raw, &raw); err != nil {
		return false
	}
	return raw.ConditionalSend
}

// Message kinds as stored in the transcript.
const (
	MessageUser      = "user"
	MessageAssistant = "assistant"
	MessageToolStart = "tool_start"
	MessageToolEnd   = "tool_end"
	MessageSystem    = "system"
)

// Message is one transcript row.
type Message struct {
	ID         int64           `json:"id,omitempty"`
	SessionKey SessionKey      `json:"session_key"`
	RunID      RunID           `json:"run_id,omitempty"`
	Kind       string          `json:"kind"`
	Author     string          `json:"author,omitempty"`
	Content    string          `json:"content,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Archived   bool            `json:"archived,omitempty"`
	Compacted  bool            `json:"compacted,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Session is a durable conversation identity. Never deleted; archival is a
// flag on messages, not session removal.
type Session struct {
	Key          SessionKey      `json:"key"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// ToolEvent is a normalized tool lifecycle notification relayed to channels
// that can display structured events.
type ToolEvent struct {
	Phase   string          `json:"phase"` // "start" or "end"
	Tool    string          `json:"tool"`
	CallID  string          `json:"call_id"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	Success bool            `json:"success,omitempty"`
}
