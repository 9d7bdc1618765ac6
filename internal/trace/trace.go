package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/switchboard/internal/types"
)

// Line types. Readers must tolerate unknown values.
const (
	LineHeader     = "header"
	LineInvocation = "invocation"
	LinePrompt     = "prompt"
	LineUserMsg    = "user_message"
	LineRawEvent   = "raw_event"
	LineNormEvent  = "normalized_event"
	LineFooter     = "footer"
)

// Writer produces one append-only JSONL trace file per request. After the
// footer line the file is closed and further writes are no-ops.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	enc       *json.Encoder
	start     time.Time
	closed    bool
	messages  int
	toolCalls int
}

// NewWriter opens a trace file named so it sorts by session and timestamp:
// <dir>/<key>-<unix-millis>.jsonl, with the key sanitized for filesystems.
func NewWriter(dir string, key types.SessionKey) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	start := time.Now()
	name := fmt.Sprintf("%s-%d.jsonl", sanitizeKey(key), start.UnixMilli())
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Writer{f: f, enc: json.NewEncoder(f), start: start}, nil
}

func sanitizeKey(key types.SessionKey) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, string(key))
}

func (w *Writer) write(line map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_ = w.enc.Encode(line)
}

// Header records session identity at the top of the trace.
func (w *Writer) Header(key types.SessionKey, channel, harness string) {
	w.write(map[string]any{
		"type":    LineHeader,
		"session": string(key),
		"channel": channel,
		"harness": harness,
		"at":      w.start.Format(time.RFC3339Nano),
	})
}

// Invocation records the equivalent CLI-style command for the request.
func (w *Writer) Invocation(command string) {
	w.write(map[string]any{"type": LineInvocation, "command": command})
}

// Prompt records the full system prompt and its length.
func (w *Writer) Prompt(systemPrompt string) {
	w.write(map[string]any{
		"type":   LinePrompt,
		"prompt": systemPrompt,
		"length": len(systemPrompt),
	})
}

// UserMessage records the inbound text and attachment references.
func (w *Writer) UserMessage(text string, attachments []types.Attachment) {
	line := map[string]any{"type": LineUserMsg, "text": text}
	if len(attachments) > 0 {
		refs := make([]string, 0, len(attachments))
		for _, a := range attachments {
			ref := a.URL
			if ref == "" {
				ref = a.Path
			}
			refs = append(refs, ref)
		}
		line["attachments"] = refs
	}
	w.write(line)
}

// RawEvent records an opaque engine event with its millisecond offset.
func (w *Writer) RawEvent(payload json.RawMessage) {
	w.write(map[string]any{
		"type":      LineRawEvent,
		"offset_ms": time.Since(w.start).Milliseconds(),
		"payload":   payload,
	})
}

// NormalizedEvent records a business event kind with its millisecond offset,
// and keeps the counts reported by the footer.
func (w *Writer) NormalizedEvent(kind string) {
	w.mu.Lock()
	switch kind {
	case "text":
		w.messages++
	case "tool_start":
		w.toolCalls++
	}
	w.mu.Unlock()
	w.write(map[string]any{
		"type":      LineNormEvent,
		"offset_ms": time.Since(w.start).Milliseconds(),
		"kind":      kind,
	})
}

// Footer closes the trace with duration and counts. errMsg is empty on
// success. The writer is unusable afterwards.
func (w *Writer) Footer(success bool, errMsg string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	line := map[string]any{
		"type":        LineFooter,
		"duration_ms": time.Since(w.start).Milliseconds(),
		"messages":    w.messages,
		"tool_calls":  w.toolCalls,
		"success":     success,
	}
	if errMsg != "" {
		line["error"] = errMsg
	}
	_ = w.enc.Encode(line)
	w.closed = true
	f := w.f
	w.mu.Unlock()
	_ = f.Close()
}
