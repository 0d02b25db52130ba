package transport

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/gastown-labs/termgateway/internal/gwerr"
	"github.com/gastown-labs/termgateway/internal/location"
	"github.com/gastown-labs/termgateway/internal/tmux"
)

// localConnection attaches the host's tmux client to a session, either
// over plain stdio pipes or a real pseudo-terminal (§12). Grounded on
// internal/terminal/tmux_shim.go's exec.CommandContext + timeout pattern.
type localConnection struct {
	cmd *exec.Cmd

	usePTY bool
	ptyFd  *os.File // non-nil when usePTY
	stdin  io.WriteCloser

	mu     sync.Mutex
	closed bool
}

func newLocalConnection(loc *location.SessionLocation, cols, rows int, obs Observer, usePTY bool) (TerminalConnection, error) {
	target := tmuxTarget(loc)
	if target == "" {
		return nil, gwerr.BadRequest("local connection requires a tmux_session_name")
	}

	cmd := exec.Command("tmux", "attach-session", "-d", "-t", target)
	cmd.Env = append(cmd.Env,
		"TERM=xterm-256color",
		fmt.Sprintf("COLUMNS=%d", cols),
		fmt.Sprintf("LINES=%d", rows),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	lc := &localConnection{cmd: cmd, usePTY: usePTY}

	if usePTY {
		// pty.StartWithSize adds Setsid, which already makes the child its
		// own process group leader; Setpgid on a session leader fails with
		// EPERM, so it is dropped here.
		cmd.SysProcAttr = nil
		f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
		if err != nil {
			return nil, gwerr.TransportError("start local tmux attach under pty", err)
		}
		lc.ptyFd = f
		lc.stdin = f
		go lc.pumpReader(f, obs)
		go lc.waitAndNotify(obs)
		return lc, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, gwerr.TransportError("open tmux attach stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, gwerr.TransportError("open tmux attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, gwerr.TransportError("open tmux attach stderr", err)
	}
	lc.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, gwerr.TransportError("start tmux attach", err)
	}

	go lc.pumpReader(stdout, obs)
	go lc.pumpStderr(stderr, obs)
	go lc.waitAndNotify(obs)

	return lc, nil
}

func (lc *localConnection) pumpReader(r io.Reader, obs Observer) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && obs.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			obs.OnData(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (lc *localConnection) pumpStderr(r io.Reader, obs Observer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if obs.OnError != nil {
			obs.OnError(gwerr.TransportError("tmux stderr", fmt.Errorf("%s", scanner.Text())))
		}
	}
}

func (lc *localConnection) waitAndNotify(obs Observer) {
	err := lc.cmd.Wait()
	lc.mu.Lock()
	already := lc.closed
	lc.mu.Unlock()
	if err != nil && !already {
		slog.Warn("local tmux attach exited non-zero", "error", err)
		if obs.OnError != nil {
			obs.OnError(gwerr.TransportError("tmux attach exited", err))
		}
	}
	if obs.OnClose != nil {
		obs.OnClose()
	}
}

// Write sends raw input bytes to the attached session.
func (lc *localConnection) Write(data []byte) error {
	if lc.stdin == nil {
		return gwerr.TransportError("write to closed local connection", nil)
	}
	_, err := lc.stdin.Write(data)
	if err != nil {
		return gwerr.TransportError("write to local tmux attach", err)
	}
	return nil
}

// Resize is best-effort (§4.3). Under a real PTY this sets the kernel
// window size directly; otherwise it writes a stty invocation into
// stdin for the shell to pick up.
func (lc *localConnection) Resize(cols, rows int) error {
	if lc.usePTY && lc.ptyFd != nil {
		return pty.Setsize(lc.ptyFd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	}
	cmdLine := fmt.Sprintf("stty cols %d rows %d\n", cols, rows)
	return lc.Write([]byte(cmdLine))
}

// Close is idempotent: it ends stdin and kills the process group.
func (lc *localConnection) Close() error {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return nil
	}
	lc.closed = true
	lc.mu.Unlock()

	if lc.stdin != nil {
		_ = lc.stdin.Close()
	}
	if lc.cmd.Process != nil {
		tmux.KillProcessGroup(lc.cmd.Process.Pid)
	}
	return nil
}
