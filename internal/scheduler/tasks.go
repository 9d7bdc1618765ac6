package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/switchboard/internal/types"
)

// Task is a stored prompt that fires on a cron schedule against a session.
// Conditional tasks let the model decide whether the result is worth
// delivering at all.
type Task struct {
	Name        string           `json:"name"`
	Prompt      string           `json:"prompt"`
	Schedule    string           `json:"schedule"`
	SessionKey  types.SessionKey `json:"session_key"`
	Conditional bool             `json:"conditional,omitempty"`
	Enabled     bool             `json:"enabled"`
}

// TaskStore is a JSON-file-backed task list. Every method reads the file
// fresh, so edits made by other processes are picked up on the next call.
type TaskStore struct {
	mu   sync.RWMutex
	path string
}

func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

func (s *TaskStore) Path() string { return s.path }

// List returns all tasks, or an empty slice when no file exists yet.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task not found: %s", name)
}

// Add appends a task, rejecting duplicate names.
func (s *TaskStore) Add(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range tasks {
		if existing.Name == task.Name {
			return fmt.Errorf("task already exists: %s", task.Name)
		}
	}
	return s.save(append(tasks, task))
}

func (s *TaskStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i, t := range tasks {
		if t.Name == name {
			return s.save(append(tasks[:i], tasks[i+1:]...))
		}
	}
	return fmt.Errorf("task not found: %s", name)
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Name == name {
			t.Enabled = enabled
			return s.save(tasks)
		}
	}
	return fmt.Errorf("task not found: %s", name)
}

func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

// save writes atomically: temp file in the same directory, then rename.
func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp tasks file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename tasks file: %w", err)
	}
	return nil
}
