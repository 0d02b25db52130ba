// Package gateway implements C6, the Gateway Router: the top-level
// coordinator that couples a viewer to either a direct transport (C3)
// or a reverse tunnel (C2+C4), pumps bytes and events between them, and
// runs the janitor that reaps stale agents.
//
// The ActiveSession table and janitor loop are grounded on
// steveyegge-gastown/internal/terminal/server.go's Server (a connection
// map plus a ticking health-monitor reaper); see DESIGN.md.
package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gastown-labs/termgateway/internal/agentproto"
	"github.com/gastown-labs/termgateway/internal/agents"
	"github.com/gastown-labs/termgateway/internal/config"
	"github.com/gastown-labs/termgateway/internal/location"
	"github.com/gastown-labs/termgateway/internal/transport"
	"github.com/gastown-labs/termgateway/internal/viewerproto"
	"github.com/gastown-labs/termgateway/internal/wsconn"
)

// compile-time assertion that Router satisfies what C5 dispatches into.
var _ viewerproto.Router = (*Router)(nil)

func nowMS() int64 { return time.Now().UnixMilli() }

// --- outbound viewer frame shapes (§6) ---

type terminalOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type terminalStatusMsg struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type terminalErrorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// ActiveSession is a single viewer's live binding to a session (§3).
type ActiveSession struct {
	SessionID      string
	ProjectID      string
	Viewer         *wsconn.Conn
	ConnectionType location.ConnectionType
	AgentID        string                       // set for connection_type=reverse
	Transport      transport.TerminalConnection // set for direct connection types
	CreatedAt      time.Time
	LastActivity   time.Time
}

type sessionKey struct {
	viewer    *wsconn.Conn
	sessionID string
}

// Router is C6.
type Router struct {
	mu       sync.Mutex
	sessions map[sessionKey]*ActiveSession
	byViewer map[*wsconn.Conn]map[string]struct{}
	byAgent  map[string]map[sessionKey]struct{}

	locations  *location.Store
	agentsReg  *agents.Registry
	agentProto *agentproto.Handler
	cfg        *config.Config
	logger     *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New constructs a Router. Call Start to begin the janitor and the
// agent-event watcher.
func New(cfg *config.Config, locations *location.Store, agentsReg *agents.Registry, agentProto *agentproto.Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions:   make(map[sessionKey]*ActiveSession),
		byViewer:   make(map[*wsconn.Conn]map[string]struct{}),
		byAgent:    make(map[string]map[sessionKey]struct{}),
		locations:  locations,
		agentsReg:  agentsReg,
		agentProto: agentProto,
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the janitor ticker and the agent-disconnect watcher.
// Both run until Stop is called.
func (r *Router) Start() {
	go r.watchAgentEvents()
	go r.janitorLoop()
}

// Stop halts the janitor and watcher goroutines.
func (r *Router) Stop() {
	close(r.stop)
	<-r.done
}

// watchAgentEvents reacts to C2's agent:disconnected events by
// notifying and cleaning up every viewer that was bound to one of the
// departed agent's sessions (§4.4 "Disconnect", §4.6 "Failure
// semantics").
func (r *Router) watchAgentEvents() {
	events := r.agentsReg.Events()
	for {
		select {
		case <-r.stop:
			return
		case evt := <-events:
			if evt.Type != agents.EventAgentDisconnected {
				continue
			}
			r.handleAgentGone(evt.AgentID, evt.Reason)
		}
	}
}

func reasonMessage(reason string) string {
	switch reason {
	case "agent timed out":
		return "Agent timed out"
	case "agent reconnected":
		return "Agent reconnected"
	default:
		return "Agent disconnected"
	}
}

func (r *Router) handleAgentGone(agentID, reason string) {
	r.mu.Lock()
	keys := make([]sessionKey, 0, len(r.byAgent[agentID]))
	for k := range r.byAgent[agentID] {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	msg := reasonMessage(reason)
	for _, k := range keys {
		r.sendError(k.viewer, k.sessionID, msg)
		r.cleanup(k.viewer, k.sessionID)
	}
}

// janitorLoop periodically reaps stale agents and patches orphaned
// location rows (§4.6 "Janitor").
func (r *Router) janitorLoop() {
	defer close(r.done)
	interval := r.cfg.JanitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.janitorTick()
		}
	}
}

func (r *Router) janitorTick() {
	// Cleanup emits agent:disconnected events that watchAgentEvents
	// turns into viewer notifications + ActiveSession teardown; the
	// returned ids are only used here for logging.
	reaped := r.agentsReg.Cleanup(r.cfg.HeartbeatTimeout)
	if len(reaped) > 0 {
		r.logger.Info("janitor reaped stale agents", "agent_ids", reaped)
	}

	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout).UnixMilli()
	stale := r.locations.ListStale(location.ConnectionReverse, location.StatusActive, cutoff)
	for _, row := range stale {
		inactive := location.StatusInactive
		if _, err := r.locations.Update(row.SessionID, location.Patch{Status: &inactive}); err != nil {
			r.logger.Error("janitor: patch stale location failed", "session_id", row.SessionID, "error", err)
		}
	}
}

// Connect implements viewerproto.Router (§4.6 "Connect").
func (r *Router) Connect(viewer *wsconn.Conn, sessionID, projectID string, cols, rows int) bool {
	loc := r.locations.Get(sessionID)
	if loc == nil {
		r.sendError(viewer, sessionID, "Session location not found")
		return false
	}

	var ok bool
	switch loc.ConnectionType {
	case location.ConnectionReverse:
		ok = r.connectReverse(viewer, loc, sessionID, projectID, cols, rows)
	case location.ConnectionLocal, location.ConnectionSSH, location.ConnectionDocker:
		ok = r.connectDirect(viewer, loc, sessionID, projectID, cols, rows)
	default:
		r.sendError(viewer, sessionID, "Unknown connection type")
		return false
	}
	if !ok {
		return false
	}

	active := location.StatusActive
	verifiedAt := nowMS()
	if _, err := r.locations.Update(sessionID, location.Patch{Status: &active, LastVerifiedAt: &verifiedAt}); err != nil {
		r.logger.Error("connect: mark location active failed", "session_id", sessionID, "error", err)
	}
	return true
}

func (r *Router) connectReverse(viewer *wsconn.Conn, loc *location.SessionLocation, sessionID, projectID string, cols, rows int) bool {
	if !r.agentsReg.AgentOnline(loc.ReverseAgentID) {
		r.sendError(viewer, sessionID, "Agent is not currently online")
		return false
	}
	if !r.agentsReg.AttachViewer(sessionID, viewer) {
		r.sendError(viewer, sessionID, "Agent is not currently online")
		return false
	}

	now := time.Now()
	as := &ActiveSession{
		SessionID:      sessionID,
		ProjectID:      projectID,
		Viewer:         viewer,
		ConnectionType: location.ConnectionReverse,
		AgentID:        loc.ReverseAgentID,
		CreatedAt:      now,
		LastActivity:   now,
	}
	r.addSession(as)

	if !r.agentProto.CommandConnect(loc.ReverseAgentID, sessionID, cols, rows) {
		r.cleanup(viewer, sessionID)
		r.sendError(viewer, sessionID, "Agent is not currently online")
		return false
	}

	r.sendStatus(viewer, sessionID, "connected", "", string(location.ConnectionReverse), loc.ReverseAgentID)
	return true
}

func (r *Router) connectDirect(viewer *wsconn.Conn, loc *location.SessionLocation, sessionID, projectID string, cols, rows int) bool {
	obs := transport.Observer{
		OnData: func(data []byte) {
			r.touch(viewer, sessionID)
			r.sendOutput(viewer, sessionID, data)
		},
		OnClose: func() {
			r.sendStatus(viewer, sessionID, "disconnected", "", "", "")
			r.cleanup(viewer, sessionID)
		},
		OnError: func(err error) {
			r.sendError(viewer, sessionID, err.Error())
		},
	}

	conn, err := transport.Connect(loc, cols, rows, obs, r.cfg.UsePTY)
	if err != nil {
		r.sendError(viewer, sessionID, err.Error())
		return false
	}

	now := time.Now()
	as := &ActiveSession{
		SessionID:      sessionID,
		ProjectID:      projectID,
		Viewer:         viewer,
		ConnectionType: loc.ConnectionType,
		Transport:      conn,
		CreatedAt:      now,
		LastActivity:   now,
	}
	r.addSession(as)
	r.sendStatus(viewer, sessionID, "connected", "", string(loc.ConnectionType), "")
	return true
}

// Input implements viewerproto.Router.
func (r *Router) Input(viewer *wsconn.Conn, sessionID, data string) {
	as := r.getSession(viewer, sessionID)
	if as == nil {
		r.logger.Warn("input for unknown active session", "session_id", sessionID)
		return
	}
	r.touch(viewer, sessionID)
	if as.ConnectionType == location.ConnectionReverse {
		r.agentProto.CommandInput(as.AgentID, sessionID, data)
		return
	}
	if err := as.Transport.Write([]byte(data)); err != nil {
		r.sendError(viewer, sessionID, err.Error())
	}
}

// Resize implements viewerproto.Router.
func (r *Router) Resize(viewer *wsconn.Conn, sessionID string, cols, rows int) {
	as := r.getSession(viewer, sessionID)
	if as == nil {
		r.logger.Warn("resize for unknown active session", "session_id", sessionID)
		return
	}
	r.touch(viewer, sessionID)
	if as.ConnectionType == location.ConnectionReverse {
		r.agentProto.CommandResize(as.AgentID, sessionID, cols, rows)
		return
	}
	if err := as.Transport.Resize(cols, rows); err != nil {
		r.sendError(viewer, sessionID, err.Error())
	}
}

// Disconnect implements viewerproto.Router.
func (r *Router) Disconnect(viewer *wsconn.Conn, sessionID string) {
	r.cleanup(viewer, sessionID)
}

// ViewerClosed implements viewerproto.Router: it cleans up every
// session this viewer held, in response to its socket's read loop
// exiting (§5 "Cancellation and timeouts").
func (r *Router) ViewerClosed(viewer *wsconn.Conn) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byViewer[viewer]))
	for id := range r.byViewer[viewer] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.cleanup(viewer, id)
	}
}

// cleanup implements §4.6 "Cleanup(session_id)". Idempotent: a second
// call for a key that is no longer present is a no-op.
func (r *Router) cleanup(viewer *wsconn.Conn, sessionID string) {
	r.mu.Lock()
	key := sessionKey{viewer, sessionID}
	as, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	if set := r.byViewer[viewer]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byViewer, viewer)
		}
	}
	if as.ConnectionType == location.ConnectionReverse {
		if set := r.byAgent[as.AgentID]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(r.byAgent, as.AgentID)
			}
		}
	}
	r.mu.Unlock()

	if as.ConnectionType == location.ConnectionReverse {
		r.agentsReg.DetachViewer(sessionID, viewer)
		r.agentProto.CommandDisconnect(as.AgentID, sessionID) // best-effort (§4.6)
	} else if as.Transport != nil {
		_ = as.Transport.Close()
	}

	inactive := location.StatusInactive
	if _, err := r.locations.Update(sessionID, location.Patch{Status: &inactive}); err != nil {
		r.logger.Error("cleanup: patch location inactive failed", "session_id", sessionID, "error", err)
	}
}

func (r *Router) addSession(as *ActiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{as.Viewer, as.SessionID}
	r.sessions[key] = as
	if r.byViewer[as.Viewer] == nil {
		r.byViewer[as.Viewer] = make(map[string]struct{})
	}
	r.byViewer[as.Viewer][as.SessionID] = struct{}{}
	if as.ConnectionType == location.ConnectionReverse {
		if r.byAgent[as.AgentID] == nil {
			r.byAgent[as.AgentID] = make(map[sessionKey]struct{})
		}
		r.byAgent[as.AgentID][key] = struct{}{}
	}
}

func (r *Router) getSession(viewer *wsconn.Conn, sessionID string) *ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionKey{viewer, sessionID}]
}

func (r *Router) touch(viewer *wsconn.Conn, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if as, ok := r.sessions[sessionKey{viewer, sessionID}]; ok {
		as.LastActivity = time.Now()
	}
}

func (r *Router) sendStatus(viewer *wsconn.Conn, sessionID, status, message, connectionType, agentID string) {
	_ = viewer.SendJSON(terminalStatusMsg{
		Type: "terminal:status", SessionID: sessionID, Status: status,
		Message: message, ConnectionType: connectionType, AgentID: agentID,
		Timestamp: nowMS(),
	})
}

func (r *Router) sendError(viewer *wsconn.Conn, sessionID, errMsg string) {
	_ = viewer.SendJSON(terminalErrorMsg{Type: "terminal:error", SessionID: sessionID, Error: errMsg, Timestamp: nowMS()})
}

func (r *Router) sendOutput(viewer *wsconn.Conn, sessionID string, data []byte) {
	_ = viewer.SendJSON(terminalOutputMsg{Type: "terminal:output", SessionID: sessionID, Data: string(data), Timestamp: nowMS()})
}

// --- stats snapshot (§4.6 "Stats", §11 viewer_id addition) ---

// SessionStat is one ActiveSession's row in the stats snapshot.
type SessionStat struct {
	SessionID      string `json:"session_id"`
	ProjectID      string `json:"project_id"`
	ConnectionType string `json:"connection_type"`
	AgentID        string `json:"agent_id,omitempty"`
	ViewerID       string `json:"viewer_id"`
	CreatedAt      int64  `json:"created_at"`
	LastActivity   int64  `json:"last_activity"`
}

// Stats is the full snapshot C6 exposes and the admin RPC surface serves.
type Stats struct {
	Total            int            `json:"total"`
	ByConnectionType map[string]int `json:"by_connection_type"`
	Sessions         []SessionStat  `json:"sessions"`
}

// Stats returns a point-in-time snapshot of every ActiveSession.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{ByConnectionType: make(map[string]int), Sessions: make([]SessionStat, 0, len(r.sessions))}
	for _, as := range r.sessions {
		out.Total++
		out.ByConnectionType[string(as.ConnectionType)]++
		out.Sessions = append(out.Sessions, SessionStat{
			SessionID:      as.SessionID,
			ProjectID:      as.ProjectID,
			ConnectionType: string(as.ConnectionType),
			AgentID:        as.AgentID,
			ViewerID:       as.Viewer.ID,
			CreatedAt:      as.CreatedAt.UnixMilli(),
			LastActivity:   as.LastActivity.UnixMilli(),
		})
	}
	return out
}
