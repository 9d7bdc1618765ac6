package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/switchboard/pkg/llm"
)

// Client implements llm.Provider against OpenAI-compatible chat APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a client for the configured endpoint. The HTTP client carries
// no timeout; callers bound requests with their context so cancellation can
// abort an in-flight call.
func New(config *llm.Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Tools       []llm.Tool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) newRequest(ctx context.Context, messages []llm.Message, tools []llm.Tool, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   c.config.MaxTokens,
		Temperature: &c.config.Temperature,
		Stream:      stream,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.config.BaseURL, "/")+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	return req, nil
}

// Complete sends a blocking chat completion request.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, messages, tools, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	return &llm.Response{
		Content:   parsed.Choices[0].Message.Content,
		ToolCalls: parsed.Choices[0].Message.ToolCalls,
		Usage: llm.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}, nil
}

// streamChunk is one SSE data payload from a streaming completion.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream sends a streaming chat completion request. Text arrives as content
// deltas; tool calls are assembled from their fragments and delivered once
// complete, in the last delta before the channel closes.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	req, err := c.newRequest(ctx, messages, tools, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Tool call fragments accumulate by index until the stream ends.
		type pending struct {
			id, typ, name string
			args          strings.Builder
		}
		calls := make(map[int]*pending)
		maxIndex := -1

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				p, ok := calls[tc.Index]
				if !ok {
					p = &pending{}
					calls[tc.Index] = p
					if tc.Index > maxIndex {
						maxIndex = tc.Index
					}
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Type != "" {
					p.typ = tc.Type
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args.WriteString(tc.Function.Arguments)
			}
			if delta.Content != "" {
				select {
				case ch <- llm.Delta{Content: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- llm.Delta{Err: fmt.Errorf("read stream: %w", err)}
			return
		}
		if ctx.Err() != nil {
			return
		}

		if maxIndex >= 0 {
			assembled := make([]llm.ToolCall, 0, maxIndex+1)
			for i := 0; i <= maxIndex; i++ {
				p, ok := calls[i]
				if !ok {
					continue
				}
				assembled = append(assembled, llm.ToolCall{
					ID:   p.id,
					Type: p.typ,
					Function: llm.FunctionCall{
						Name:      p.name,
						Arguments: json.RawMessage(p.args.String()),
					},
				})
			}
			select {
			case ch <- llm.Delta{ToolCalls: assembled}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
