package dashboard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/user/switchboard/internal/config"
	"github.com/user/switchboard/internal/scheduler"
	"github.com/user/switchboard/internal/types"
)

// Dispatcher accepts inbound events, normally the orchestrator.
type Dispatcher interface {
	HandleInbound(event *types.InboundEvent, ch types.Channel)
}

// Server is the local control surface: config and session inspection, task
// management, and a websocket chat channel. It binds to loopback by default
// and carries no auth of its own.
type Server struct {
	cfgPath  string
	cfg      *config.Config
	store    types.Store
	tasks    *scheduler.TaskStore
	sched    *scheduler.Scheduler
	dispatch Dispatcher
	router   chi.Router

	connMu sync.Mutex
	conns  map[string]*wsConn
}

func NewServer(cfgPath string, cfg *config.Config, store types.Store, tasks *scheduler.TaskStore, sched *scheduler.Scheduler, dispatch Dispatcher) *Server {
	s := &Server{
		cfgPath:  cfgPath,
		cfg:      cfg,
		store:    store,
		tasks:    tasks,
		sched:    sched,
		dispatch: dispatch,
		conns:    make(map[string]*wsConn),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.handleConfigList)
		r.Put("/config/{key}", s.handleConfigSet)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{key}/config", s.handleSessionConfigGet)
		r.Put("/sessions/{key}/config", s.handleSessionConfigSet)
		r.Get("/tasks", s.handleTaskList)
		r.Post("/tasks", s.handleTaskAdd)
		r.Delete("/tasks/{name}", s.handleTaskRemove)
	})
	r.Get("/ws", s.handleChat)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfigList returns the flattened config with secrets masked.
func (s *Server) handleConfigList(w http.ResponseWriter, _ *http.Request) {
	values, err := config.ListValues(s.cfg, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read config")
		return
	}
	writeJSON(w, http.StatusOK, values)
}

type configSetRequest struct {
	Value string `json:"value"`
}

// handleConfigSet writes one dotted key back to the config file. The running
// process keeps its loaded values until restart.
func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req configSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := config.SetValue(s.cfgPath, key, req.Value); err != nil {
		slog.Error("config update failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "could not update config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "saved"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionConfigGet(w http.ResponseWriter, r *http.Request) {
	key := types.SessionKey(chi.URLParam(r, "key"))
	raw, err := s.store.SessionConfig(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) handleSessionConfigSet(w http.ResponseWriter, r *http.Request) {
	key := types.SessionKey(chi.URLParam(r, "key"))
	var blob json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&blob); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.store.SetSessionConfig(r.Context(), key, blob); err != nil {
		slog.Error("session config update failed", "session", key, "error", err)
		writeError(w, http.StatusInternalServerError, "could not update session config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": string(key), "status": "saved"})
}

func (s *Server) handleTaskList(w http.ResponseWriter, _ *http.Request) {
	tasks, err := s.tasks.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskAdd(w http.ResponseWriter, r *http.Request) {
	var task scheduler.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if task.Name == "" || task.Prompt == "" || task.SessionKey == "" {
		writeError(w, http.StatusBadRequest, "name, prompt and session_key are required")
		return
	}
	if err := scheduler.ValidateSpec(task.Schedule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid schedule %q", task.Schedule))
		return
	}
	if err := s.tasks.Add(&task); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.reloadScheduler()
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskRemove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.tasks.Remove(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.reloadScheduler()
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "removed"})
}

func (s *Server) reloadScheduler() {
	if s.sched == nil {
		return
	}
	if err := s.sched.Reload(); err != nil {
		slog.Error("scheduler reload failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
