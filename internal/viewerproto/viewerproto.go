// Package viewerproto implements C5, the Viewer Protocol Handler: the
// framed JSON protocol spoken over each browser's WebSocket. It parses
// one frame at a time, enforces that input/resize/disconnect reference
// a session_id previously established by a connect on the same socket,
// and dispatches everything else to the router (C6).
//
// Shares the same gorilla/websocket JSON-text-frame discipline as C4;
// see DESIGN.md.
package viewerproto

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gastown-labs/termgateway/internal/wsconn"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// Router is the subset of C6 the viewer handler dispatches into. It is
// declared here (rather than imported from internal/gateway) so C5 has
// no dependency on the router's concrete type — only gateway.Router
// implements it.
type Router interface {
	// Connect handles terminal:connect and reports whether an
	// ActiveSession was established; false means a terminal:error was
	// already sent to viewer and no session should be considered known.
	Connect(viewer *wsconn.Conn, sessionID, projectID string, cols, rows int) bool
	Input(viewer *wsconn.Conn, sessionID, data string)
	Resize(viewer *wsconn.Conn, sessionID string, cols, rows int)
	Disconnect(viewer *wsconn.Conn, sessionID string)
	// ViewerClosed runs Cleanup for every session this viewer held,
	// called once the socket's read loop exits for any reason.
	ViewerClosed(viewer *wsconn.Conn)
}

type envelope struct {
	Type string `json:"type"`
}

type connectMsg struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type inputMsg struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type resizeMsg struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type disconnectMsg struct {
	SessionID string `json:"session_id"`
}

// Handler is C5: it upgrades viewer HTTP connections to WebSocket and
// drives the viewer-side protocol for the lifetime of the connection.
type Handler struct {
	Router        Router
	Logger        *slog.Logger
	HighWaterMark int64

	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. logger may be nil to use slog's
// default logger. highWaterMark is the viewer-socket write backlog
// cutoff from §6 (0 disables it).
func NewHandler(router Router, highWaterMark int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Router:        router,
		Logger:        logger,
		HighWaterMark: highWaterMark,
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the viewer's
// read loop for the lifetime of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("viewer websocket upgrade failed", "error", err)
		return
	}
	conn := wsconn.New(uuid.NewString(), ws, h.HighWaterMark)
	h.Serve(conn)
}

// Serve runs the per-connection read loop. Exported so tests can drive
// a *wsconn.Conn without an HTTP round-trip.
func (h *Handler) Serve(conn *wsconn.Conn) {
	known := make(map[string]struct{})
	defer func() {
		conn.Close()
		h.Router.ViewerClosed(conn)
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.Logger.Warn("malformed viewer frame", "error", err)
			continue
		}

		switch env.Type {
		case "terminal:connect":
			h.handleConnect(conn, known, data)
		case "terminal:input":
			h.handleInput(conn, known, data)
		case "terminal:resize":
			h.handleResize(conn, known, data)
		case "terminal:disconnect":
			h.handleDisconnect(conn, known, data)
		default:
			h.Logger.Warn("unknown viewer frame type", "type", env.Type)
		}
	}
}

func (h *Handler) handleConnect(conn *wsconn.Conn, known map[string]struct{}, data []byte) {
	var msg connectMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
		h.Logger.Warn("malformed terminal:connect")
		return
	}
	cols, rows := msg.Cols, msg.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	if h.Router.Connect(conn, msg.SessionID, msg.ProjectID, cols, rows) {
		known[msg.SessionID] = struct{}{}
	}
}

func (h *Handler) handleInput(conn *wsconn.Conn, known map[string]struct{}, data []byte) {
	var msg inputMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.Logger.Warn("malformed terminal:input")
		return
	}
	if _, ok := known[msg.SessionID]; !ok {
		h.Logger.Warn("terminal:input for unknown session", "session_id", msg.SessionID)
		return
	}
	h.Router.Input(conn, msg.SessionID, msg.Data)
}

func (h *Handler) handleResize(conn *wsconn.Conn, known map[string]struct{}, data []byte) {
	var msg resizeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.Logger.Warn("malformed terminal:resize")
		return
	}
	if _, ok := known[msg.SessionID]; !ok {
		h.Logger.Warn("terminal:resize for unknown session", "session_id", msg.SessionID)
		return
	}
	h.Router.Resize(conn, msg.SessionID, msg.Cols, msg.Rows)
}

func (h *Handler) handleDisconnect(conn *wsconn.Conn, known map[string]struct{}, data []byte) {
	var msg disconnectMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.Logger.Warn("malformed terminal:disconnect")
		return
	}
	if _, ok := known[msg.SessionID]; !ok {
		h.Logger.Warn("terminal:disconnect for unknown session", "session_id", msg.SessionID)
		return
	}
	delete(known, msg.SessionID)
	h.Router.Disconnect(conn, msg.SessionID)
}
