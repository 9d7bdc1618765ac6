package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

var memoryMu sync.Mutex

// ReadMemory returns the long-term memory file contents, empty when absent.
// Compaction folds old transcript context into this file via MemorySave.
func ReadMemory(path string) (string, error) {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// MemorySave appends a fact to the memory file.
type MemorySave struct{ path string }

func NewMemorySave(path string) *MemorySave { return &MemorySave{path: path} }

func (m *MemorySave) Name() string { return "memory_save" }
func (m *MemorySave) Description() string {
	return "Save a fact, preference, or conversation summary to persistent memory"
}
func (m *MemorySave) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact or summary to remember"}
		},
		"required": ["content"]
	}`)
}

func (m *MemorySave) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Content == "" {
		return "", fmt.Errorf("content is required")
	}

	memoryMu.Lock()
	defer memoryMu.Unlock()

	existing := ""
	if data, err := os.ReadFile(m.path); err == nil {
		existing = string(data)
	}

	line := "- " + params.Content
	for _, l := range strings.Split(existing, "\n") {
		if strings.TrimSpace(l) == strings.TrimSpace(line) {
			return "Memory already exists: " + params.Content, nil
		}
	}

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return "", err
	}
	return "Saved: " + params.Content, nil
}

// MemoryForget removes a fact from the memory file.
type MemoryForget struct{ path string }

func NewMemoryForget(path string) *MemoryForget { return &MemoryForget{path: path} }

func (m *MemoryForget) Name() string { return "memory_forget" }
func (m *MemoryForget) Description() string {
	return "Delete a fact or preference from persistent memory"
}
func (m *MemoryForget) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The entry to forget (must match an existing entry)"}
		},
		"required": ["content"]
	}`)
}

func (m *MemoryForget) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Content == "" {
		return "", fmt.Errorf("content is required")
	}

	memoryMu.Lock()
	defer memoryMu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "Memory not found: " + params.Content, nil
		}
		return "", err
	}

	target := "- " + params.Content
	var kept []string
	found := false
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) == strings.TrimSpace(target) {
			found = true
			continue
		}
		if l != "" {
			kept = append(kept, l)
		}
	}
	if !found {
		return "Memory not found: " + params.Content, nil
	}

	content := ""
	if len(kept) > 0 {
		content = strings.Join(kept, "\n") + "\n"
	}
	if err := os.WriteFile(m.path, []byte(content), 0644); err != nil {
		return "", err
	}
	return "Forgot: " + params.Content, nil
}
