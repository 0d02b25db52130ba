// Package transport implements C3, the Connection Manager: it turns a
// location.SessionLocation into a live byte-duplex TerminalConnection.
//
// The Backend/TerminalConnection split is grounded on
// internal/terminal/backend.go's Backend interface (capture/nudge/
// send-keys), generalized here to the spec's write/resize/close plus
// onData/onClose/onError observer triad; see DESIGN.md.
package transport

import (
	"github.com/gastown-labs/termgateway/internal/gwerr"
	"github.com/gastown-labs/termgateway/internal/location"
)

// Observer carries the three callbacks a TerminalConnection drives.
// OnData fires once per chunk read from the backend; OnClose fires
// exactly once, after which no further callbacks fire; OnError may fire
// zero or more times before OnClose.
type Observer struct {
	OnData  func([]byte)
	OnClose func()
	OnError func(error)
}

// TerminalConnection is a live duplex to a remote or local terminal.
type TerminalConnection interface {
	Write(data []byte) error
	Resize(cols, rows int) error
	Close() error
}

// Connect dispatches on loc.ConnectionType and returns a live
// TerminalConnection. usePTY selects the PTY-backed local transport
// variant (§12) over the subprocess-stdio baseline; it has no effect on
// the other connection types.
func Connect(loc *location.SessionLocation, cols, rows int, obs Observer, usePTY bool) (TerminalConnection, error) {
	switch loc.ConnectionType {
	case location.ConnectionLocal:
		return newLocalConnection(loc, cols, rows, obs, usePTY)
	case location.ConnectionSSH:
		return nil, gwerr.Unsupported("ssh transport")
	case location.ConnectionDocker:
		return nil, gwerr.Unsupported("docker transport")
	case location.ConnectionReverse:
		return nil, gwerr.BadRequest("reverse-tunnel sessions are not handled by the connection manager")
	default:
		return nil, gwerr.BadRequest("unknown connection_type %q", loc.ConnectionType)
	}
}

// tmuxTarget computes the attach target tmux_session_name[:window_name]
// from a location row. Unlike C4's tmux_target computation (§4.4), it
// does not fall back to the window name alone or to the session id:
// without a tmux_session_name it returns "".
func tmuxTarget(loc *location.SessionLocation) string {
	if loc.TmuxSessionName == "" {
		return ""
	}
	if loc.TmuxWindowName != "" {
		return loc.TmuxSessionName + ":" + loc.TmuxWindowName
	}
	return loc.TmuxSessionName
}
