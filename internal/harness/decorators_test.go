package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/types"
)

// fakeHandler records everything relayed through it and implements every
// optional capability.
type fakeHandler struct {
	mu           sync.Mutex
	relayed      []string
	ends         int
	toolEvents   []types.ToolEvent
	typingStarts int
	typingStops  int
}

func (f *fakeHandler) Relay(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayed = append(f.relayed, text)
	return nil
}

func (f *fakeHandler) EndMessage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
}

func (f *fakeHandler) RelayEvent(_ context.Context, ev types.ToolEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolEvents = append(f.toolEvents, ev)
	return nil
}

func (f *fakeHandler) StartTyping() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStarts++
}

func (f *fakeHandler) StopTyping() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingStops++
}

// fakeStore records inserted rows; the other Store methods are unused by the
// decorators under test.
type fakeStore struct {
	mu       sync.Mutex
	inserted []*types.Message
}

func (f *fakeStore) InsertMessage(_ context.Context, msg *types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, msg)
	return nil
}

func (f *fakeStore) ResolveSession(context.Context, types.SessionKey) (*types.Session, error) {
	return nil, nil
}
func (f *fakeStore) ListSessions(context.Context) ([]*types.Session, error) { return nil, nil }
func (f *fakeStore) SessionConfig(context.Context, types.SessionKey) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeStore) SetSessionConfig(context.Context, types.SessionKey, json.RawMessage) error {
	return nil
}
func (f *fakeStore) RecentMessages(context.Context, types.SessionKey, types.HistoryQuery) ([]*types.Message, error) {
	return nil, nil
}
func (f *fakeStore) RecentAcrossSessions(context.Context, types.SessionKey, types.HistoryQuery) ([]*types.Message, error) {
	return nil, nil
}
func (f *fakeStore) CountUncompacted(context.Context, types.SessionKey, []string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) CountUnarchived(context.Context, types.SessionKey) (int64, error) {
	return 0, nil
}
func (f *fakeStore) MarkArchived(context.Context, types.SessionKey) error  { return nil }
func (f *fakeStore) MarkCompacted(context.Context, types.SessionKey) error { return nil }
func (f *fakeStore) MarkOldestCompacted(context.Context, types.SessionKey, int64) error {
	return nil
}

func newRequest(mode string) *Request {
	req := &Request{
		SessionKey:   types.NewSessionKey("test", "1"),
		RunID:        types.NewRunID(),
		Author:       "alice",
		SystemPrompt: "be helpful",
		UserMessage:  "hi",
	}
	req.Settings = settings.Resolve(&settings.Settings{StreamMode: &mode})
	return req
}

// scripted emits a fixed event sequence and returns err.
func scripted(events []Event, err error) Harness {
	return Func(func(_ context.Context, _ *Request, sink Sink) error {
		for _, ev := range events {
			sink.Emit(ev)
		}
		return err
	})
}

func threeMessages() []Event {
	return []Event{
		{Kind: EventTextDelta, Text: "fir"},
		{Kind: EventTextDelta, Text: "st"},
		{Kind: EventText, Text: "first"},
		{Kind: EventText, Text: "second"},
		{Kind: EventText, Text: "third"},
	}
}

func TestRelayStreamForwardsIncrements(t *testing.T) {
	handler := &fakeHandler{}
	events := append(threeMessages(),
		Event{Kind: EventToolStart, Tool: "read_url", CallID: "c1"},
		Event{Kind: EventToolEnd, Tool: "read_url", CallID: "c1", Success: true},
	)
	h := WithRelay(scripted(events, nil), handler, settings.ModeStream)

	if err := h.Run(context.Background(), newRequest(settings.ModeStream), NopSink{}); err != nil {
		t.Fatal(err)
	}

	if len(handler.relayed) != 2 || handler.relayed[0] != "fir" || handler.relayed[1] != "st" {
		t.Errorf("relayed = %v, want the two increments", handler.relayed)
	}
	if handler.ends != 3 {
		t.Errorf("end-message boundaries = %d, want 3", handler.ends)
	}
	if len(handler.toolEvents) != 2 {
		t.Errorf("tool events = %d, want 2", len(handler.toolEvents))
	}
}

func TestRelayFinalSendsOnlyLastMessage(t *testing.T) {
	handler := &fakeHandler{}
	h := WithRelay(scripted(threeMessages(), nil), handler, settings.ModeFinal)

	if err := h.Run(context.Background(), newRequest(settings.ModeFinal), NopSink{}); err != nil {
		t.Fatal(err)
	}

	if len(handler.relayed) != 1 || handler.relayed[0] != "third" {
		t.Errorf("relayed = %v, want exactly [third]", handler.relayed)
	}
}

func TestRelayBundledConcatenates(t *testing.T) {
	handler := &fakeHandler{}
	h := WithRelay(scripted(threeMessages(), nil), handler, settings.ModeBundled)

	if err := h.Run(context.Background(), newRequest(settings.ModeBundled), NopSink{}); err != nil {
		t.Fatal(err)
	}

	if len(handler.relayed) != 1 || handler.relayed[0] != "first\n\nsecond\n\nthird" {
		t.Errorf("relayed = %v", handler.relayed)
	}
}

func TestRelayFlushesNothingOnFailure(t *testing.T) {
	handler := &fakeHandler{}
	h := WithRelay(scripted(threeMessages(), errors.New("engine down")), handler, settings.ModeFinal)

	if err := h.Run(context.Background(), newRequest(settings.ModeFinal), NopSink{}); err == nil {
		t.Fatal("expected error")
	}
	if len(handler.relayed) != 0 {
		t.Errorf("relayed = %v after failed run, want nothing", handler.relayed)
	}
}

func TestTypingStoppedOnAllExitPaths(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"success", nil},
		{"failure", errors.New("boom")},
		{"cancellation", context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := &fakeHandler{}
			h := WithTyping(scripted(nil, tc.err), handler)
			_ = h.Run(context.Background(), newRequest(settings.ModeStream), NopSink{})

			if handler.typingStarts != 1 || handler.typingStops != 1 {
				t.Errorf("typing starts/stops = %d/%d, want 1/1",
					handler.typingStarts, handler.typingStops)
			}
		})
	}
}

func TestPersistenceStoresDiscreteRows(t *testing.T) {
	store := &fakeStore{}
	events := []Event{
		{Kind: EventTextDelta, Text: "ignored"},
		{Kind: EventToolStart, Tool: "read_url", CallID: "c1", Args: json.RawMessage(`{"url":"x"}`)},
		{Kind: EventToolEnd, Tool: "read_url", CallID: "c1", Result: "ok", Success: true},
		{Kind: EventText, Text: "answer"},
	}
	h := WithPersistence(scripted(events, nil), store)

	if err := h.Run(context.Background(), newRequest(settings.ModeStream), NopSink{}); err != nil {
		t.Fatal(err)
	}

	kinds := make([]string, len(store.inserted))
	for i, m := range store.inserted {
		kinds[i] = m.Kind
	}
	want := []string{types.MessageUser, types.MessageToolStart, types.MessageToolEnd, types.MessageAssistant}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("row kinds = %v, want %v", kinds, want)
	}
	if store.inserted[0].Content != "hi" {
		t.Errorf("user row content = %q", store.inserted[0].Content)
	}
	if store.inserted[3].Content != "answer" {
		t.Errorf("assistant row content = %q", store.inserted[3].Content)
	}
}

func TestPersistenceMarksInterrupted(t *testing.T) {
	store := &fakeStore{}
	h := WithPersistence(scripted(nil, context.Canceled), store)

	err := h.Run(context.Background(), newRequest(settings.ModeStream), NopSink{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	last := store.inserted[len(store.inserted)-1]
	if last.Kind != types.MessageSystem || last.Content != "interrupted" {
		t.Errorf("last row = %s %q, want interrupted marker", last.Kind, last.Content)
	}
}
