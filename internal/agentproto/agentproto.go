// Package agentproto implements C4, the Agent Protocol Handler: the
// framed JSON protocol spoken over each agent's WebSocket, covering
// registration, heartbeat, session lifecycle, and the command frames
// the router (C6) uses to drive a reverse-tunnel session.
//
// The read-loop/dispatch shape is grounded on the teacher pack's
// AgentHub connection handling (register-then-dispatch, unregister on
// read error) and steveyegge-gastown's coop_ws.go dial/read pattern;
// see DESIGN.md.
package agentproto

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gastown-labs/termgateway/internal/agents"
	"github.com/gastown-labs/termgateway/internal/config"
	"github.com/gastown-labs/termgateway/internal/location"
	"github.com/gastown-labs/termgateway/internal/wsconn"
)

// jsonSender is the subset of *wsconn.Conn the output/error fan-out
// needs; viewers are stored in C2 as bare agents.Socket values, so this
// interface lets the fan-out stay decoupled from the concrete type.
type jsonSender interface {
	SendJSON(v interface{}) error
}

func nowMS() int64 { return time.Now().UnixMilli() }

// --- inbound (agent -> gateway) message shapes ---

type envelope struct {
	Type string `json:"type"`
}

type registerMsg struct {
	AgentID     string `json:"agent_id"`
	AgentSecret string `json:"agent_secret"`
	Hostname    string `json:"hostname,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
}

type heartbeatMsg struct {
	AgentID        string          `json:"agent_id"`
	ActiveSessions []string        `json:"active_sessions"`
	SystemInfo     json.RawMessage `json:"system_info,omitempty"`
}

type sessionStartMsg struct {
	SessionID       string `json:"session_id"`
	ProjectID       string `json:"project_id"`
	TmuxSessionName string `json:"tmux_session_name,omitempty"`
	TmuxWindowName  string `json:"tmux_window_name,omitempty"`
}

type sessionEndMsg struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type sessionOutputMsg struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type sessionErrorMsg struct {
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type ackMsg struct {
	CommandType string `json:"command_type"`
	SessionID   string `json:"session_id,omitempty"`
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
}

// --- outbound (gateway -> agent) message shapes ---

type registeredMsg struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type pongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type gatewayErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type commandConnectMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type commandInputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type commandResizeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type commandDisconnectMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type commandPingMsg struct {
	Type string `json:"type"`
}

// terminal frames forwarded to viewers — mirrors viewerproto's outbound
// shapes so C4 can fan agent output straight out without importing C5.
type terminalOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type terminalErrorMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Handler is C4: it upgrades agent HTTP connections to WebSocket,
// authenticates registration, and drives the agent-side protocol.
type Handler struct {
	Agents    *agents.Registry
	Locations *location.Store
	Config    *config.Config
	Logger    *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. logger may be nil to use slog's
// default logger.
func NewHandler(reg *agents.Registry, locs *location.Store, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Agents:    reg,
		Locations: locs,
		Config:    cfg,
		Logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the agent's
// read loop for the lifetime of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	conn := wsconn.New(uuid.NewString(), ws, 0) // no backpressure cutoff for agent sockets (§5)
	h.Serve(conn)
}

// Serve runs the per-connection read loop. Exported so tests (and an
// in-process agent harness) can drive a *wsconn.Conn without an HTTP
// round-trip.
func (h *Handler) Serve(conn *wsconn.Conn) {
	var agentID string
	registered := false
	defer func() {
		conn.Close()
		if registered {
			h.Agents.UnregisterAgent(agentID)
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.Logger.Warn("malformed agent frame", "error", err)
			continue
		}

		if !registered {
			if env.Type != "agent:register" {
				_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "must register first")
				return
			}
			id, ok := h.handleRegister(conn, data)
			if !ok {
				return
			}
			agentID, registered = id, true
			continue
		}

		h.dispatch(agentID, env.Type, data)
	}
}

func (h *Handler) handleRegister(conn *wsconn.Conn, data []byte) (string, bool) {
	var msg registerMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.AgentID == "" {
		h.sendGatewayError(conn, "Invalid agent credentials")
		_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "invalid registration")
		return "", false
	}

	if !h.authenticate(msg.AgentID, msg.AgentSecret) {
		h.sendGatewayError(conn, "Invalid agent credentials")
		_ = conn.CloseWithCode(websocket.ClosePolicyViolation, "invalid agent credentials")
		return "", false
	}

	h.Agents.RegisterAgent(msg.AgentID, conn)
	_ = conn.SendJSON(registeredMsg{
		Type:    "agent:registered",
		AgentID: msg.AgentID,
		Message: "registered",
	})
	h.Logger.Info("agent registered", "agent_id", msg.AgentID, "hostname", msg.Hostname, "platform", msg.Platform)
	return msg.AgentID, true
}

// authenticate implements §4.4/§6: a per-agent secret overrides the
// global accepted-secrets list; if neither is configured, the agent is
// admitted with a development warning.
func (h *Handler) authenticate(agentID, secret string) bool {
	secrets, _, configured := h.Config.AgentSecret(agentID)
	if !configured {
		h.Logger.Warn("admitting agent with no configured secret (development mode)", "agent_id", agentID)
		return true
	}
	for _, s := range secrets {
		if s == secret {
			return true
		}
	}
	return false
}

func (h *Handler) sendGatewayError(conn *wsconn.Conn, message string) {
	_ = conn.SendJSON(gatewayErrorMsg{Type: "gateway:error", Error: message})
}

func (h *Handler) dispatch(agentID, msgType string, data []byte) {
	switch msgType {
	case "agent:session:start":
		h.handleSessionStart(agentID, data)
	case "agent:session:end":
		h.handleSessionEnd(agentID, data)
	case "agent:session:output":
		h.handleSessionOutput(agentID, data)
	case "agent:session:error":
		h.handleSessionError(agentID, data)
	case "agent:heartbeat":
		h.handleHeartbeat(agentID, data)
	case "agent:ack":
		h.handleAck(agentID, data)
	default:
		h.Logger.Warn("unknown agent frame type", "agent_id", agentID, "type", msgType)
	}
}

// tmuxTarget computes sess:win when both are given, else whichever is
// non-empty, else falls back to sessionID (§4.4).
func tmuxTarget(sessionID, sessionName, windowName string) string {
	switch {
	case sessionName != "" && windowName != "":
		return sessionName + ":" + windowName
	case sessionName != "":
		return sessionName
	case windowName != "":
		return windowName
	default:
		return sessionID
	}
}

func (h *Handler) handleSessionStart(agentID string, data []byte) {
	var msg sessionStartMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
		h.Logger.Warn("malformed agent:session:start", "agent_id", agentID)
		return
	}

	target := tmuxTarget(msg.SessionID, msg.TmuxSessionName, msg.TmuxWindowName)
	if !h.Agents.RegisterSession(agentID, msg.SessionID, target, msg.ProjectID) {
		h.Logger.Warn("session:start for unregistered agent", "agent_id", agentID, "session_id", msg.SessionID)
		return
	}

	if existing := h.Locations.Get(msg.SessionID); existing == nil {
		if _, err := h.Locations.Create(location.CreateParams{
			SessionID:          msg.SessionID,
			ProjectID:          msg.ProjectID,
			ConnectionType:     location.ConnectionReverse,
			Status:             location.StatusActive,
			ReverseAgentID:     agentID,
			TmuxSessionName:    msg.TmuxSessionName,
			TmuxWindowName:     msg.TmuxWindowName,
			ReverseAgentSecret: "",
		}); err != nil {
			h.Logger.Error("create session location failed", "session_id", msg.SessionID, "error", err)
		}
		return
	}

	active := location.StatusActive
	if _, err := h.Locations.Update(msg.SessionID, location.Patch{
		Status:          &active,
		ReverseAgentID:  &agentID,
		TmuxSessionName: &msg.TmuxSessionName,
		TmuxWindowName:  &msg.TmuxWindowName,
	}); err != nil {
		h.Logger.Error("update session location failed", "session_id", msg.SessionID, "error", err)
	}
}

func (h *Handler) handleSessionEnd(agentID string, data []byte) {
	var msg sessionEndMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
		h.Logger.Warn("malformed agent:session:end", "agent_id", agentID)
		return
	}
	h.Agents.UnregisterSession(agentID, msg.SessionID)

	inactive := location.StatusInactive
	if _, err := h.Locations.Update(msg.SessionID, location.Patch{Status: &inactive}); err != nil {
		h.Logger.Error("patch session location inactive failed", "session_id", msg.SessionID, "error", err)
	}
}

func (h *Handler) handleSessionOutput(agentID string, data []byte) {
	var msg sessionOutputMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
		h.Logger.Warn("malformed agent:session:output", "agent_id", agentID)
		return
	}
	if owner, ok := h.Agents.SessionOwner(msg.SessionID); !ok || owner != agentID {
		h.Logger.Warn("session:output for unknown session", "agent_id", agentID, "session_id", msg.SessionID)
		return
	}

	frame := terminalOutputMsg{
		Type:      "terminal:output",
		SessionID: msg.SessionID,
		Data:      msg.Data,
		Timestamp: nowMS(),
	}
	for _, v := range h.Agents.AttachedViewers(msg.SessionID) {
		if sender, ok := v.(jsonSender); ok {
			_ = sender.SendJSON(frame) // drop-on-closed is silent (§4.4)
		}
	}
}

func (h *Handler) handleSessionError(agentID string, data []byte) {
	var msg sessionErrorMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.Logger.Warn("malformed agent:session:error", "agent_id", agentID)
		return
	}
	h.Logger.Warn("agent reported session error", "agent_id", agentID, "session_id", msg.SessionID, "error", msg.Error)

	if msg.SessionID == "" {
		return
	}
	if owner, ok := h.Agents.SessionOwner(msg.SessionID); !ok || owner != agentID {
		return
	}
	frame := terminalErrorMsg{
		Type:      "terminal:error",
		SessionID: msg.SessionID,
		Error:     msg.Error,
		Details:   msg.Details,
		Timestamp: nowMS(),
	}
	for _, v := range h.Agents.AttachedViewers(msg.SessionID) {
		if sender, ok := v.(jsonSender); ok {
			_ = sender.SendJSON(frame)
		}
	}
}

func (h *Handler) handleHeartbeat(agentID string, data []byte) {
	var msg heartbeatMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.Logger.Warn("malformed agent:heartbeat", "agent_id", agentID)
		return
	}
	h.Agents.UpdateHeartbeat(agentID)
	if err := h.Locations.TouchHeartbeat(agentID); err != nil {
		h.Logger.Error("touch heartbeat failed", "agent_id", agentID, "error", err)
	}

	sock := h.Agents.AgentSocket(agentID)
	if conn, ok := sock.(*wsconn.Conn); ok {
		_ = conn.SendJSON(pongMsg{Type: "agent:pong", Timestamp: nowMS()})
	}
}

func (h *Handler) handleAck(agentID string, data []byte) {
	var msg ackMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.Logger.Warn("malformed agent:ack", "agent_id", agentID)
		return
	}
	h.Logger.Info("agent ack", "agent_id", agentID, "command_type", msg.CommandType, "session_id", msg.SessionID, "success", msg.Success)
}

// --- commands the router (C6) sends to an agent ---

func (h *Handler) agentConn(agentID string) (*wsconn.Conn, bool) {
	sock := h.Agents.AgentSocket(agentID)
	if sock == nil {
		return nil, false
	}
	conn, ok := sock.(*wsconn.Conn)
	if !ok || conn.Closed() {
		return nil, false
	}
	return conn, true
}

// CommandConnect sends agent:command:connect. Returns false if the
// agent is not present or its socket is not open (§4.4).
func (h *Handler) CommandConnect(agentID, sessionID string, cols, rows int) bool {
	conn, ok := h.agentConn(agentID)
	if !ok {
		return false
	}
	return conn.SendJSON(commandConnectMsg{Type: "agent:command:connect", SessionID: sessionID, Cols: cols, Rows: rows}) == nil
}

// CommandInput sends agent:command:input.
func (h *Handler) CommandInput(agentID, sessionID, data string) bool {
	conn, ok := h.agentConn(agentID)
	if !ok {
		return false
	}
	return conn.SendJSON(commandInputMsg{Type: "agent:command:input", SessionID: sessionID, Data: data}) == nil
}

// CommandResize sends agent:command:resize.
func (h *Handler) CommandResize(agentID, sessionID string, cols, rows int) bool {
	conn, ok := h.agentConn(agentID)
	if !ok {
		return false
	}
	return conn.SendJSON(commandResizeMsg{Type: "agent:command:resize", SessionID: sessionID, Cols: cols, Rows: rows}) == nil
}

// CommandDisconnect sends agent:command:disconnect. Cleanup calls this
// best-effort and ignores a false return (§4.6).
func (h *Handler) CommandDisconnect(agentID, sessionID string) bool {
	conn, ok := h.agentConn(agentID)
	if !ok {
		return false
	}
	return conn.SendJSON(commandDisconnectMsg{Type: "agent:command:disconnect", SessionID: sessionID}) == nil
}

// CommandPing sends agent:command:ping.
func (h *Handler) CommandPing(agentID string) bool {
	conn, ok := h.agentConn(agentID)
	if !ok {
		return false
	}
	return conn.SendJSON(commandPingMsg{Type: "agent:command:ping"}) == nil
}
