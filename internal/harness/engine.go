package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/switchboard/internal/tools"
	"github.com/user/switchboard/pkg/llm"
)

// Engine is the base harness: it streams a chat completion from an LLM
// provider, running bounded tool rounds, and emits raw deltas plus
// normalized events into the sink.
type Engine struct {
	provider  llm.Provider
	registry  *tools.Registry
	history   []llm.Message
	maxRounds int
}

// NewEngine builds a per-request engine harness. history is the prompt
// window assembled for this request; the engine itself keeps no state.
func NewEngine(provider llm.Provider, registry *tools.Registry, history []llm.Message, maxRounds int) *Engine {
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Engine{
		provider:  provider,
		registry:  registry,
		history:   history,
		maxRounds: maxRounds,
	}
}

func (e *Engine) Run(ctx context.Context, req *Request, sink Sink) error {
	messages := make([]llm.Message, 0, len(e.history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: req.SystemPrompt})
	messages = append(messages, e.history...)
	messages = append(messages, llm.Message{Role: "user", Content: userContent(req)})

	registry := e.registry.Allowed(req.Settings.Engine.AllowedTools)
	llmTools := registry.AsLLMTools()

	for round := 0; round < e.maxRounds; round++ {
		stream, err := e.provider.Stream(ctx, messages, llmTools)
		if err != nil {
			sink.Emit(Event{Kind: EventError, Message: err.Error()})
			return fmt.Errorf("engine call: %w", err)
		}

		var text strings.Builder
		var toolCalls []llm.ToolCall
		for delta := range stream {
			if delta.Err != nil {
				sink.Emit(Event{Kind: EventError, Message: delta.Err.Error()})
				return fmt.Errorf("engine stream: %w", delta.Err)
			}
			if raw, err := json.Marshal(delta); err == nil {
				sink.Raw(raw)
			}
			if delta.Content != "" {
				text.WriteString(delta.Content)
				sink.Emit(Event{Kind: EventTextDelta, Text: delta.Content})
			}
			if len(delta.ToolCalls) > 0 {
				toolCalls = append(toolCalls, delta.ToolCalls...)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		assistant := llm.Message{Role: "assistant", Content: text.String(), ToolCalls: toolCalls}
		messages = append(messages, assistant)
		if text.Len() > 0 {
			sink.Emit(Event{Kind: EventText, Text: text.String()})
		}

		if len(toolCalls) == 0 {
			return nil
		}
		for _, tc := range toolCalls {
			result, err := e.execTool(ctx, registry, tc, sink)
			if err := ctx.Err(); err != nil {
				return err
			}
			content := result
			if err != nil {
				content = "Error: " + err.Error()
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
		}
	}
	return fmt.Errorf("engine exceeded %d tool rounds", e.maxRounds)
}

func (e *Engine) execTool(ctx context.Context, registry *tools.Registry, tc llm.ToolCall, sink Sink) (string, error) {
	sink.Emit(Event{
		Kind:   EventToolStart,
		Tool:   tc.Function.Name,
		CallID: tc.ID,
		Args:   tc.Function.Arguments,
	})

	var result string
	tool, ok := registry.Get(tc.Function.Name)
	var err error
	if !ok {
		err = fmt.Errorf("unknown tool: %s", tc.Function.Name)
	} else {
		result, err = tool.Execute(ctx, tc.Function.Arguments)
	}

	end := Event{
		Kind:    EventToolEnd,
		Tool:    tc.Function.Name,
		CallID:  tc.ID,
		Result:  result,
		Success: err == nil,
	}
	if err != nil {
		end.Result = err.Error()
	}
	sink.Emit(end)
	return result, err
}

func userContent(req *Request) string {
	if len(req.Attachments) == 0 {
		return req.UserMessage
	}
	var b strings.Builder
	b.WriteString(req.UserMessage)
	for _, a := range req.Attachments {
		ref := a.URL
		if ref == "" {
			ref = a.Path
		}
		fmt.Fprintf(&b, "\n[attached %s: %s]", a.Type, ref)
	}
	return b.String()
}
