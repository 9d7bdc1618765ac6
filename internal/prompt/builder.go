package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/tools"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

const defaultBasePrompt = "You are a helpful assistant reachable over chat. Keep replies concise and suitable for a chat surface."

// Builder assembles token-budgeted prompts from the transcript.
type Builder struct {
	tokenizer  *tiktoken.Tiktoken
	maxTokens  int
	reserve    int
	basePrompt string
	memoryPath string
}

// NewBuilder creates a Builder for the given model's tokenizer.
// basePromptPath optionally names a file replacing the built-in base prompt.
func NewBuilder(model string, maxTokens, reserve int, basePromptPath string) (*Builder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models fall back to cl100k_base.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	base := defaultBasePrompt
	if basePromptPath != "" {
		data, err := os.ReadFile(basePromptPath)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		base = strings.TrimSpace(string(data))
	}
	return &Builder{
		tokenizer:  enc,
		maxTokens:  maxTokens,
		reserve:    reserve,
		basePrompt: base,
	}, nil
}

// SetMemoryPath points the builder at the long-term memory file.
func (b *Builder) SetMemoryPath(path string) {
	b.memoryPath = path
}

func (b *Builder) countTokens(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// System assembles the system prompt: base prompt, current time and session,
// available tools and skills, long-term memory, and the channel's custom
// fragment.
func (b *Builder) System(key types.SessionKey, channelPrompt string, toolNames, skillNames []string) string {
	var sb strings.Builder
	sb.WriteString(b.basePrompt)
	fmt.Fprintf(&sb, "\n\nCurrent time: %s. Conversation: %s.",
		time.Now().Format(time.RFC3339), string(key))
	if len(toolNames) > 0 {
		fmt.Fprintf(&sb, "\nAvailable tools: %s.", strings.Join(toolNames, ", "))
	}
	if len(skillNames) > 0 {
		fmt.Fprintf(&sb, "\nAvailable skills: %s.", strings.Join(skillNames, ", "))
	}
	if b.memoryPath != "" {
		if memory, err := tools.ReadMemory(b.memoryPath); err == nil && memory != "" {
			sb.WriteString("\n\nLong-term memory:\n")
			sb.WriteString(memory)
		}
	}
	if channelPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(channelPrompt)
	}
	return sb.String()
}

// History selects transcript rows per the resolved context settings and
// converts them to provider messages within the token budget. Cross-context
// rows from other conversations, when enabled, are folded into one leading
// context note rather than interleaved.
func (b *Builder) History(ctx context.Context, store types.Store, key types.SessionKey, resolved settings.Resolved, systemPrompt string) ([]llm.Message, error) {
	budget := b.maxTokens - b.reserve - b.countTokens(systemPrompt)
	// Most of the window goes to history, the rest is kept
	// as safety margin for request overhead.
	budget = int(float64(budget) * 0.7)

	current, err := store.RecentMessages(ctx, key, historyQuery(resolved.CurrentContext))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var messages []llm.Message
	if resolved.CrossContext.Limit > 0 {
		cross, err := store.RecentAcrossSessions(ctx, key, historyQuery(resolved.CrossContext))
		if err != nil {
			return nil, fmt.Errorf("load cross context: %w", err)
		}
		if note := crossContextNote(cross); note != "" {
			noteTokens := b.countTokens(note)
			if noteTokens < budget/4 {
				messages = append(messages, llm.Message{Role: "system", Content: note})
				budget -= noteTokens
			}
		}
	}

	// Walk newest-first so the budget keeps the most recent turns, then
	// restore chronological order.
	var window []llm.Message
	used := 0
	for i := len(current) - 1; i >= 0; i-- {
		msg, ok := rowToMessage(current[i])
		if !ok {
			continue
		}
		cost := b.countTokens(msg.Content)
		for _, tc := range msg.ToolCalls {
			cost += b.countTokens(tc.Function.Name) + b.countTokens(string(tc.Function.Arguments))
		}
		if used+cost > budget {
			break
		}
		window = append(window, msg)
		used += cost
	}
	for i := len(window) - 1; i >= 0; i-- {
		messages = append(messages, window[i])
	}
	return messages, nil
}

func historyQuery(c settings.ResolvedContext) types.HistoryQuery {
	return types.HistoryQuery{
		Limit:            c.Limit,
		IncludeTools:     c.IncludeTools,
		IncludeArchived:  c.IncludeArchived,
		IncludeCompacted: c.IncludeCompacted,
	}
}

func rowToMessage(row *types.Message) (llm.Message, bool) {
	switch row.Kind {
	case types.MessageUser:
		content := row.Content
		if row.Author != "" {
			content = row.Author + ": " + content
		}
		return llm.Message{Role: "user", Content: content}, true

	case types.MessageAssistant:
		return llm.Message{Role: "assistant", Content: row.Content}, true

	case types.MessageToolStart:
		var ev types.ToolEvent
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			return llm.Message{}, false
		}
		return llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{{
				ID:   ev.CallID,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      ev.Tool,
					Arguments: ev.Args,
				},
			}},
		}, true

	case types.MessageToolEnd:
		var ev types.ToolEvent
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			return llm.Message{}, false
		}
		return llm.Message{Role: "tool", Content: ev.Result, ToolCallID: ev.CallID}, true

	default:
		return llm.Message{}, false
	}
}

func crossContextNote(rows []*types.Message) string {
	var lines []string
	for _, row := range rows {
		if row.Kind != types.MessageUser && row.Kind != types.MessageAssistant {
			continue
		}
		who := row.Author
		if who == "" {
			who = row.Kind
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", row.SessionKey, who, row.Content))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Recent activity from other conversations:\n" + strings.Join(lines, "\n")
}
