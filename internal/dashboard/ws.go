package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/switchboard/internal/types"
)

// The server binds to loopback; the browser origin check would only reject
// legitimate local clients.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type chatInbound struct {
	Content string `json:"content"`
}

type chatOutbound struct {
	Type string `json:"type"` // "text", "tool", "end"
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
}

// handleChat upgrades to a websocket and runs one chat session per
// connection. Each connection gets its own session key, so parallel browser
// tabs do not interleave.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()[:8]
	c := &wsConn{conn: conn}
	s.connMu.Lock()
	s.conns[id] = c
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, id)
		s.connMu.Unlock()
		conn.Close()
	}()

	for {
		var in chatInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "conn", id, "error", err)
			}
			return
		}
		if in.Content == "" {
			continue
		}
		s.dispatch.HandleInbound(&types.InboundEvent{
			SessionKey: types.NewSessionKey("dashboard", id),
			Channel:    "dashboard",
			Target:     id,
			Author:     "dashboard",
			At:         time.Now(),
			Content:    in.Content,
		}, s)
	}
}

// Name makes the dashboard a chat channel in its own right.
func (s *Server) Name() string { return "dashboard" }

// CreateHandler routes a run's output back to the websocket it came from.
// Output for a connection that has since closed is dropped.
func (s *Server) CreateHandler(event *types.InboundEvent) types.OutputHandler {
	s.connMu.Lock()
	c := s.conns[event.Target]
	s.connMu.Unlock()
	return &wsHandler{conn: c}
}

type wsHandler struct {
	conn *wsConn
}

func (h *wsHandler) Relay(_ context.Context, text string) error {
	if h.conn == nil {
		return nil
	}
	return h.conn.writeJSON(chatOutbound{Type: "text", Text: text})
}

func (h *wsHandler) EndMessage() {
	if h.conn == nil {
		return
	}
	if err := h.conn.writeJSON(chatOutbound{Type: "end"}); err != nil {
		slog.Debug("websocket end marker failed", "error", err)
	}
}

func (h *wsHandler) RelayEvent(_ context.Context, ev types.ToolEvent) error {
	if h.conn == nil || ev.Phase != "start" {
		return nil
	}
	return h.conn.writeJSON(chatOutbound{Type: "tool", Tool: ev.Tool})
}
