package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/switchboard/internal/config"
	"github.com/user/switchboard/internal/scheduler"
	"github.com/user/switchboard/internal/types"
)

type fakeStore struct {
	sessions map[types.SessionKey]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[types.SessionKey]json.RawMessage{}}
}

func (f *fakeStore) ResolveSession(_ context.Context, key types.SessionKey) (*types.Session, error) {
	return &types.Session{Key: key}, nil
}

func (f *fakeStore) ListSessions(context.Context) ([]*types.Session, error) {
	var out []*types.Session
	for key := range f.sessions {
		out = append(out, &types.Session{Key: key})
	}
	return out, nil
}

func (f *fakeStore) SessionConfig(_ context.Context, key types.SessionKey) (json.RawMessage, error) {
	return f.sessions[key], nil
}

func (f *fakeStore) SetSessionConfig(_ context.Context, key types.SessionKey, cfg json.RawMessage) error {
	f.sessions[key] = cfg
	return nil
}

func (f *fakeStore) InsertMessage(context.Context, *types.Message) error { return nil }
func (f *fakeStore) RecentMessages(context.Context, types.SessionKey, types.HistoryQuery) ([]*types.Message, error) {
	return nil, nil
}
func (f *fakeStore) RecentAcrossSessions(context.Context, types.SessionKey, types.HistoryQuery) ([]*types.Message, error) {
	return nil, nil
}
func (f *fakeStore) CountUncompacted(context.Context, types.SessionKey, []string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) CountUnarchived(context.Context, types.SessionKey) (int64, error) { return 0, nil }
func (f *fakeStore) MarkArchived(context.Context, types.SessionKey) error             { return nil }
func (f *fakeStore) MarkCompacted(context.Context, types.SessionKey) error            { return nil }
func (f *fakeStore) MarkOldestCompacted(context.Context, types.SessionKey, int64) error {
	return nil
}

type nopDispatcher struct{}

func (nopDispatcher) HandleInbound(*types.InboundEvent, types.Channel) {}

func setupServer(t *testing.T, store *fakeStore) *Server {
	t.Helper()
	dir := t.TempDir()
	tasks := scheduler.NewTaskStore(filepath.Join(dir, "tasks.json"))
	cfg := &config.Config{}
	cfg.LLM.APIKey = "sk-test-1234"
	return NewServer(filepath.Join(dir, "config.json"), cfg, store, tasks, nil, nopDispatcher{})
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupServer(t, newFakeStore())
	w := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestConfigListMasksSecrets(t *testing.T) {
	srv := setupServer(t, newFakeStore())
	w := do(t, srv, http.MethodGet, "/api/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var values map[string]any
	if err := json.NewDecoder(w.Body).Decode(&values); err != nil {
		t.Fatal(err)
	}
	key, ok := values["llm.api_key"].(string)
	if !ok {
		t.Fatal("llm.api_key missing from config listing")
	}
	if strings.Contains(key, "sk-test") {
		t.Errorf("secret leaked in listing: %q", key)
	}
	if !strings.HasSuffix(key, "1234") {
		t.Errorf("masked value should keep last 4 chars: %q", key)
	}
}

func TestSessionConfigRoundTrip(t *testing.T) {
	store := newFakeStore()
	srv := setupServer(t, store)

	w := do(t, srv, http.MethodPut, "/api/sessions/telegram:42/config", `{"stream_mode":"final"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put failed: %d %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/api/sessions/telegram:42/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get failed: %d", w.Code)
	}
	var blob map[string]any
	if err := json.NewDecoder(w.Body).Decode(&blob); err != nil {
		t.Fatal(err)
	}
	if blob["stream_mode"] != "final" {
		t.Errorf("round trip lost value: %v", blob)
	}
}

func TestSessionConfigGetEmptyDefaultsToObject(t *testing.T) {
	srv := setupServer(t, newFakeStore())
	w := do(t, srv, http.MethodGet, "/api/sessions/telegram:42/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "{}" {
		t.Errorf("expected empty object, got %q", got)
	}
}

func TestTaskLifecycle(t *testing.T) {
	srv := setupServer(t, newFakeStore())

	w := do(t, srv, http.MethodPost, "/api/tasks",
		`{"name":"daily","prompt":"summarize","schedule":"@daily","session_key":"discord:1","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodPost, "/api/tasks",
		`{"name":"daily","prompt":"again","schedule":"@daily","session_key":"discord:1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate should conflict, got %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks", "")
	var tasks []scheduler.Task
	if err := json.NewDecoder(w.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Name != "daily" {
		t.Fatalf("unexpected task list: %+v", tasks)
	}

	w = do(t, srv, http.MethodDelete, "/api/tasks/daily", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", w.Code)
	}
	w = do(t, srv, http.MethodDelete, "/api/tasks/daily", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete should 404, got %d", w.Code)
	}
}

func TestTaskAddValidation(t *testing.T) {
	srv := setupServer(t, newFakeStore())
	w := do(t, srv, http.MethodPost, "/api/tasks", `{"name":"incomplete"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/api/tasks",
		`{"name":"broken","prompt":"p","schedule":"whenever","session_key":"discord:1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad schedule should 400, got %d", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/api/tasks",
		`{"name":"noschedule","prompt":"p","session_key":"discord:1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing schedule should 400, got %d", w.Code)
	}
}
