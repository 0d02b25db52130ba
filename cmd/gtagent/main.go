// Command gtagent is a reference implementation of the agent side of
// the C4 protocol: it registers with a gateway, starts one session
// backed by a local tmux target, and forwards terminal I/O over the
// reverse tunnel.
//
// The dial/reconnect/read-loop/dispatch shape is grounded on
// internal/terminal/coop_ws.go's CoopStateWatcher; see DESIGN.md.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/gastown-labs/termgateway/internal/location"
	"github.com/gastown-labs/termgateway/internal/transport"
)

var flags struct {
	server      string
	agentID     string
	agentSecret string
	sessionID   string
	projectID   string
	tmuxSession string
	tmuxWindow  string
	usePTY      bool
	reconnect   time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "gtagent",
	Short: "Reference agent client for the terminal gateway's reverse tunnel",
	RunE:  runAgent,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.server, "server", "ws://localhost:7682/agent/v1/connect", "Agent WebSocket URL")
	f.StringVar(&flags.agentID, "agent-id", "", "Agent id to register as (required)")
	f.StringVar(&flags.agentSecret, "agent-secret", "", "Agent shared secret")
	f.StringVar(&flags.sessionID, "session", "", "Session id to host (required)")
	f.StringVar(&flags.projectID, "project", "", "Project id for the session")
	f.StringVar(&flags.tmuxSession, "tmux-session", "", "tmux session name to attach")
	f.StringVar(&flags.tmuxWindow, "tmux-window", "", "tmux window name within the session")
	f.BoolVar(&flags.usePTY, "use-pty", false, "Attach tmux under a real PTY instead of stdio pipes")
	f.DurationVar(&flags.reconnect, "reconnect-delay", 2*time.Second, "Delay between reconnect attempts")
	rootCmd.MarkFlagRequired("agent-id")
	rootCmd.MarkFlagRequired("session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// --- wire shapes, mirroring internal/agentproto's inbound/outbound frames ---

type registerMsg struct {
	Type        string `json:"type"`
	AgentID     string `json:"agent_id"`
	AgentSecret string `json:"agent_secret,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

type sessionStartMsg struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	ProjectID       string `json:"project_id,omitempty"`
	TmuxSessionName string `json:"tmux_session_name,omitempty"`
	TmuxWindowName  string `json:"tmux_window_name,omitempty"`
}

type sessionEndMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type sessionOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type sessionErrorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

type heartbeatMsg struct {
	Type           string   `json:"type"`
	AgentID        string   `json:"agent_id"`
	ActiveSessions []string `json:"active_sessions"`
}

type ackMsg struct {
	Type        string `json:"type"`
	CommandType string `json:"command_type"`
	SessionID   string `json:"session_id,omitempty"`
	Success     bool   `json:"success"`
}

type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Error     string `json:"error"`
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	for {
		err := connectAndServe(logger)
		if err != nil {
			logger.Error("agent session ended", "error", err)
		}
		time.Sleep(flags.reconnect)
	}
}

func connectAndServe(logger *slog.Logger) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(flags.server, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	hostname, _ := os.Hostname()
	if err := ws.WriteJSON(registerMsg{
		Type: "agent:register", AgentID: flags.agentID, AgentSecret: flags.agentSecret,
		Hostname: hostname, Platform: runtime.GOOS,
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	var resp struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := ws.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read registration response: %w", err)
	}
	if resp.Type != "agent:registered" {
		return fmt.Errorf("registration rejected: %s", resp.Error)
	}
	logger.Info("agent registered", "agent_id", flags.agentID)

	if err := ws.WriteJSON(sessionStartMsg{
		Type: "agent:session:start", SessionID: flags.sessionID, ProjectID: flags.projectID,
		TmuxSessionName: flags.tmuxSession, TmuxWindowName: flags.tmuxWindow,
	}); err != nil {
		return fmt.Errorf("send session:start: %w", err)
	}

	loc := &location.SessionLocation{
		SessionID:       flags.sessionID,
		ConnectionType:  location.ConnectionLocal,
		TmuxSessionName: flags.tmuxSession,
		TmuxWindowName:  flags.tmuxWindow,
	}

	session := &agentSession{ws: ws, sessionID: flags.sessionID, logger: logger}
	obs := transport.Observer{
		OnData:  session.forwardOutput,
		OnClose: session.forwardClose,
		OnError: session.forwardError,
	}
	conn, err := transport.Connect(loc, 80, 24, obs, flags.usePTY)
	if err != nil {
		_ = ws.WriteJSON(sessionErrorMsg{Type: "agent:session:error", SessionID: flags.sessionID, Error: err.Error()})
		return fmt.Errorf("attach local transport: %w", err)
	}
	session.conn = conn
	defer conn.Close()

	return session.readLoop()
}

// agentSession bridges one local tmux attach to its gateway WebSocket.
type agentSession struct {
	ws        *websocket.Conn
	sessionID string
	conn      transport.TerminalConnection
	logger    *slog.Logger
}

func (s *agentSession) forwardOutput(data []byte) {
	_ = s.ws.WriteJSON(sessionOutputMsg{Type: "agent:session:output", SessionID: s.sessionID, Data: string(data)})
}

func (s *agentSession) forwardClose() {
	_ = s.ws.WriteJSON(sessionEndMsg{Type: "agent:session:end", SessionID: s.sessionID, Reason: "transport closed"})
}

func (s *agentSession) forwardError(err error) {
	_ = s.ws.WriteJSON(sessionErrorMsg{Type: "agent:session:error", SessionID: s.sessionID, Error: err.Error()})
}

// readLoop handles agent:command:* frames and periodic heartbeats until
// the socket closes.
func (s *agentSession) readLoop() error {
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	msgCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := s.ws.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- data
		}
	}()

	for {
		select {
		case <-heartbeat.C:
			_ = s.ws.WriteJSON(heartbeatMsg{Type: "agent:heartbeat", AgentID: flags.agentID, ActiveSessions: []string{s.sessionID}})
		case err := <-errCh:
			return err
		case data := <-msgCh:
			s.dispatch(data)
		}
	}
}

func (s *agentSession) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("malformed command frame", "error", err)
		return
	}

	switch env.Type {
	case "agent:command:connect":
		_ = s.ws.WriteJSON(ackMsg{Type: "agent:ack", CommandType: "connect", SessionID: env.SessionID, Success: true})
	case "agent:command:input":
		if s.conn != nil {
			_ = s.conn.Write([]byte(env.Data))
		}
	case "agent:command:resize":
		if s.conn != nil {
			_ = s.conn.Resize(env.Cols, env.Rows)
		}
	case "agent:command:disconnect":
		if s.conn != nil {
			_ = s.conn.Close()
		}
		_ = s.ws.WriteJSON(ackMsg{Type: "agent:ack", CommandType: "disconnect", SessionID: env.SessionID, Success: true})
	case "agent:command:ping":
		_ = s.ws.WriteJSON(ackMsg{Type: "agent:ack", CommandType: "ping", Success: true})
	default:
		s.logger.Warn("unknown command frame", "type", env.Type)
	}
}
