package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/switchboard/internal/config"
	"github.com/user/switchboard/internal/harness"
	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/tools"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

// memStore is an in-memory Store good enough for orchestration tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[types.SessionKey]json.RawMessage
	messages []*types.Message

	oldestCompacted []struct {
		Key types.SessionKey
		N   int64
	}
	archived          []types.SessionKey
	compactedSessions []types.SessionKey
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[types.SessionKey]json.RawMessage)}
}

func (m *memStore) seed(key types.SessionKey, kind string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.messages = append(m.messages, &types.Message{
			SessionKey: key, Kind: kind, Content: fmt.Sprintf("seed %d", i),
		})
	}
}

func (m *memStore) ResolveSession(_ context.Context, key types.SessionKey) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		m.sessions[key] = json.RawMessage(`{}`)
	}
	return &types.Session{Key: key}, nil
}

func (m *memStore) ListSessions(context.Context) ([]*types.Session, error) { return nil, nil }

func (m *memStore) SessionConfig(_ context.Context, key types.SessionKey) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key], nil
}

func (m *memStore) SetSessionConfig(_ context.Context, key types.SessionKey, cfg json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = cfg
	return nil
}

func (m *memStore) InsertMessage(_ context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) RecentMessages(context.Context, types.SessionKey, types.HistoryQuery) ([]*types.Message, error) {
	return nil, nil
}

func (m *memStore) RecentAcrossSessions(context.Context, types.SessionKey, types.HistoryQuery) ([]*types.Message, error) {
	return nil, nil
}

func (m *memStore) CountUncompacted(_ context.Context, key types.SessionKey, kinds []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.SessionKey != key || msg.Compacted {
			continue
		}
		if len(kinds) > 0 && !contains(kinds, msg.Kind) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *memStore) CountUnarchived(_ context.Context, key types.SessionKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.SessionKey == key && !msg.Archived {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkArchived(_ context.Context, key types.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, key)
	for _, msg := range m.messages {
		if msg.SessionKey == key {
			msg.Archived = true
		}
	}
	return nil
}

func (m *memStore) MarkCompacted(_ context.Context, key types.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactedSessions = append(m.compactedSessions, key)
	for _, msg := range m.messages {
		if msg.SessionKey == key {
			msg.Compacted = true
		}
	}
	return nil
}

func (m *memStore) MarkOldestCompacted(_ context.Context, key types.SessionKey, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oldestCompacted = append(m.oldestCompacted, struct {
		Key types.SessionKey
		N   int64
	}{key, n})
	var done int64
	for _, msg := range m.messages {
		if done >= n {
			break
		}
		if msg.SessionKey == key && !msg.Compacted {
			msg.Compacted = true
			done++
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type stubPrompts struct{}

func (stubPrompts) System(types.SessionKey, string, []string, []string) string { return "system" }
func (stubPrompts) History(context.Context, types.Store, types.SessionKey, settings.Resolved, string) ([]llm.Message, error) {
	return nil, nil
}

// scriptEngine is an EngineFactory whose harness records every request and
// can block runs for a chosen session until released through gate.
type scriptEngine struct {
	mu       sync.Mutex
	runs     []*harness.Request
	gate     chan struct{}
	blockKey types.SessionKey
	emit     []harness.Event
	err      error
}

func (s *scriptEngine) factory(settings.Resolved, []llm.Message) harness.Harness {
	return harness.Func(func(ctx context.Context, req *harness.Request, sink harness.Sink) error {
		s.mu.Lock()
		s.runs = append(s.runs, req)
		gate := s.gate
		s.mu.Unlock()
		if gate != nil && (s.blockKey == "" || req.SessionKey == s.blockKey) {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, ev := range s.emit {
			sink.Emit(ev)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.err
	})
}

func (s *scriptEngine) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *scriptEngine) run(i int) *harness.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[i]
}

type fakeChannel struct {
	name string
	mu   sync.Mutex
	sent []string
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) CreateHandler(*types.InboundEvent) types.OutputHandler {
	return &fakeChannelHandler{c: c}
}

func (c *fakeChannel) relayed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeChannelHandler struct{ c *fakeChannel }

func (h *fakeChannelHandler) Relay(_ context.Context, text string) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.sent = append(h.c.sent, text)
	return nil
}

func (h *fakeChannelHandler) EndMessage() {}

func newTestOrchestrator(t *testing.T, store types.Store, engine EngineFactory, global settings.Settings) *Orchestrator {
	t.Helper()
	cfg := &config.Config{MaxConcurrent: 4, Settings: global}
	o := New(Options{
		Store:    store,
		Config:   cfg,
		Registry: tools.NewRegistry(),
		Prompts:  stubPrompts{},
		TraceDir: t.TempDir(),
		Engine:   engine,
	})
	t.Cleanup(o.Shutdown)
	return o
}

func inbound(key types.SessionKey, content string) *types.InboundEvent {
	return &types.InboundEvent{
		SessionKey: key,
		Channel:    key.Channel(),
		Target:     key.Target(),
		Author:     "tester",
		At:         time.Now(),
		Content:    content,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func intPtr(v int) *int { return &v }

func TestQueueIsFIFOWithOneInFlight(t *testing.T) {
	eng := &scriptEngine{gate: make(chan struct{})}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}
	key := types.SessionKey("test:1")

	o.HandleInbound(inbound(key, "first"), ch)
	o.HandleInbound(inbound(key, "second"), ch)
	o.HandleInbound(inbound(key, "third"), ch)

	waitFor(t, "first run to start", func() bool { return eng.runCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := eng.runCount(); n != 1 {
		t.Fatalf("expected exactly one run in flight, got %d", n)
	}

	eng.gate <- struct{}{}
	waitFor(t, "second run to start", func() bool { return eng.runCount() == 2 })
	eng.gate <- struct{}{}
	waitFor(t, "third run to start", func() bool { return eng.runCount() == 3 })
	eng.gate <- struct{}{}

	for i, want := range []string{"first", "second", "third"} {
		if got := eng.run(i).UserMessage; got != want {
			t.Errorf("run %d: got %q, want %q", i, got, want)
		}
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	eng := &scriptEngine{gate: make(chan struct{}), blockKey: "test:slow"}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}

	o.HandleInbound(inbound("test:slow", "blocked"), ch)
	waitFor(t, "slow session to start", func() bool { return eng.runCount() == 1 })

	o.HandleInbound(inbound("test:fast", "hello"), ch)
	waitFor(t, "fast session to finish", func() bool { return eng.runCount() == 2 })

	eng.gate <- struct{}{}
}

func TestStopInterruptsAndClearsQueue(t *testing.T) {
	eng := &scriptEngine{gate: make(chan struct{})}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}
	key := types.SessionKey("test:1")

	o.HandleInbound(inbound(key, "long task"), ch)
	waitFor(t, "run to start", func() bool { return eng.runCount() == 1 })
	o.HandleInbound(inbound(key, "queued"), ch)

	o.HandleInbound(inbound(key, "/stop"), ch)

	want := "Stopped the current response and cleared 1 queued message(s)."
	waitFor(t, "stop confirmation", func() bool {
		return contains(ch.relayed(), want)
	})

	// The queued message must never run.
	time.Sleep(30 * time.Millisecond)
	if n := eng.runCount(); n != 1 {
		t.Fatalf("queued message ran after /stop: %d runs", n)
	}
}

func TestStopWhenIdle(t *testing.T) {
	eng := &scriptEngine{}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}

	o.HandleInbound(inbound("test:1", "/stop"), ch)

	want := "Nothing is running for this conversation."
	waitFor(t, "idle stop confirmation", func() bool {
		return contains(ch.relayed(), want)
	})
	if eng.runCount() != 0 {
		t.Fatal("/stop must never start a run")
	}
}

func TestNewCompactsThenArchives(t *testing.T) {
	store := newMemStore()
	key := types.SessionKey("test:1")
	store.seed(key, types.MessageUser, 4)

	eng := &scriptEngine{}
	o := newTestOrchestrator(t, store, eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}

	o.HandleInbound(inbound(key, "/new"), ch)

	waitFor(t, "archive confirmation", func() bool {
		return contains(ch.relayed(), "Archived 4 message(s). Starting fresh.")
	})

	if eng.runCount() != 1 || eng.run(0).SessionKey != CompactionSessionKey {
		t.Fatalf("expected one compaction run on %s, got %d runs", CompactionSessionKey, eng.runCount())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.oldestCompacted) != 1 || store.oldestCompacted[0].N != 4 {
		t.Fatalf("expected 4 oldest messages compacted, got %+v", store.oldestCompacted)
	}
	if len(store.archived) != 1 || store.archived[0] != key {
		t.Fatalf("expected %s archived, got %v", key, store.archived)
	}
}

func TestNewOnFreshSession(t *testing.T) {
	eng := &scriptEngine{}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}

	o.HandleInbound(inbound("test:1", "/new"), ch)

	waitFor(t, "fresh confirmation", func() bool {
		return contains(ch.relayed(), "This conversation is already fresh.")
	})
	if eng.runCount() != 0 {
		t.Fatal("/new on an empty session must not run compaction")
	}
}

func TestCompactionTriggersAfterThreshold(t *testing.T) {
	store := newMemStore()
	key := types.SessionKey("test:1")
	store.seed(key, types.MessageUser, 8)

	eng := &scriptEngine{}
	global := settings.Settings{
		Compaction: &settings.Compaction{Threshold: intPtr(4), Percent: intPtr(50)},
	}
	o := newTestOrchestrator(t, store, eng.factory, global)
	ch := &fakeChannel{name: "test"}

	o.HandleInbound(inbound(key, "hello"), ch)

	waitFor(t, "compaction run", func() bool {
		return eng.runCount() == 2 && eng.run(1).SessionKey == CompactionSessionKey
	})
	// The run itself persists one more user row, so the trigger sees 9
	// uncompacted messages: ceil(9 * 50%) = 5.
	waitFor(t, "oldest messages compacted", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.oldestCompacted) == 1 && store.oldestCompacted[0].N == 5
	})
	if !strings.Contains(eng.run(1).UserMessage, "5 messages") {
		t.Errorf("compaction instruction should name the window: %q", eng.run(1).UserMessage)
	}
}

func TestCompactionSlotIsExclusive(t *testing.T) {
	o := newTestOrchestrator(t, newMemStore(), (&scriptEngine{}).factory, settings.Settings{})

	if !o.tryAcquireCompaction() {
		t.Fatal("first acquire should succeed")
	}
	if o.tryAcquireCompaction() {
		t.Fatal("second acquire should fail while held")
	}
	o.releaseCompaction()
	if !o.tryAcquireCompaction() {
		t.Fatal("acquire after release should succeed")
	}
	o.releaseCompaction()
}

func TestFailedRunRelaysNoticeAndKeepsDraining(t *testing.T) {
	eng := &scriptEngine{err: errors.New("engine exploded")}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}
	key := types.SessionKey("test:1")

	o.HandleInbound(inbound(key, "first"), ch)
	o.HandleInbound(inbound(key, "second"), ch)

	waitFor(t, "both runs attempted", func() bool { return eng.runCount() == 2 })
	waitFor(t, "failure notices", func() bool {
		var n int
		for _, s := range ch.relayed() {
			if s == failureNotice {
				n++
			}
		}
		return n == 2
	})
}

func TestConditionalSendSuppressesSentinel(t *testing.T) {
	eng := &scriptEngine{emit: []harness.Event{{Kind: harness.EventText, Text: noReplySentinel}}}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}

	ev := inbound("test:1", "anything new?")
	ev.Raw = json.RawMessage(`{"conditional_send":true}`)
	o.HandleInbound(ev, ch)

	waitFor(t, "run to finish", func() bool { return eng.runCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := ch.relayed(); len(got) != 0 {
		t.Fatalf("sentinel must not be delivered, got %v", got)
	}
}

func TestConditionalSendSuppressesSentinelInProse(t *testing.T) {
	eng := &scriptEngine{emit: []harness.Event{
		{Kind: harness.EventText, Text: "Nothing new today. " + noReplySentinel},
	}}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}

	ev := inbound("test:1", "anything new?")
	ev.Raw = json.RawMessage(`{"conditional_send":true}`)
	o.HandleInbound(ev, ch)

	waitFor(t, "run to finish", func() bool { return eng.runCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := ch.relayed(); len(got) != 0 {
		t.Fatalf("reply embedding the sentinel must not be delivered, got %v", got)
	}
}

func TestConditionalSendDeliversRealReplies(t *testing.T) {
	eng := &scriptEngine{emit: []harness.Event{{Kind: harness.EventText, Text: "big news"}}}
	o := newTestOrchestrator(t, newMemStore(), eng.factory, settings.Settings{})
	ch := &fakeChannel{name: "test"}

	ev := inbound("test:1", "anything new?")
	ev.Raw = json.RawMessage(`{"conditional_send":true}`)
	o.HandleInbound(ev, ch)

	waitFor(t, "reply delivered", func() bool {
		return contains(ch.relayed(), "big news")
	})
}
