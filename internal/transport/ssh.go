package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/gastown-labs/termgateway/internal/gwerr"
	"github.com/gastown-labs/termgateway/internal/location"
)

// sshConnection is the worked SSH transport: dial, open a session,
// request a PTY, and exec the tmux attach, exactly as §4.3 describes it
// for when SSH is activated. The public Connect entry point still
// reports unsupported for connection_type=ssh in this cut; dialSSH is
// exercised directly by tests against a local sshd fixture.
type sshConnection struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	mu     sync.Mutex
	closed bool
}

// sshAuthMethods resolves SSH auth the same way an interactive ssh(1)
// client falls back: an ssh-agent if SSH_AUTH_SOCK is set.
func sshAuthMethods() ([]ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, gwerr.TransportError("resolve ssh auth", fmt.Errorf("SSH_AUTH_SOCK is not set"))
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, gwerr.TransportError("dial ssh-agent", err)
	}
	ag := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
}

func dialSSH(loc *location.SessionLocation, cols, rows int, obs Observer) (TerminalConnection, error) {
	target := tmuxTarget(loc)
	if target == "" {
		return nil, gwerr.BadRequest("ssh connection requires a tmux_session_name")
	}

	auths, err := sshAuthMethods()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            loc.SSHUsername,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint — host key pinning is an Open Question, not resolved here
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", loc.SSHHost, loc.SSHPort)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, gwerr.TransportError("dial ssh host", err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, gwerr.TransportError("open ssh session", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		client.Close()
		return nil, gwerr.TransportError("request ssh pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, gwerr.TransportError("open ssh stdin", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, gwerr.TransportError("open ssh stdout", err)
	}

	if err := session.Start(fmt.Sprintf("tmux attach-session -d -t %s", target)); err != nil {
		session.Close()
		client.Close()
		return nil, gwerr.TransportError("exec tmux attach over ssh", err)
	}

	sc := &sshConnection{client: client, session: session, stdin: stdin}
	go sc.pump(stdout, obs)
	go sc.waitAndNotify(obs)
	return sc, nil
}

func (sc *sshConnection) pump(r io.Reader, obs Observer) {
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

func (sc *sshConnection) waitAndNotify(obs Observer) {
	err := sc.session.Wait()
	sc.mu.Lock()
	already := sc.closed
	sc.mu.Unlock()
	if err != nil && !already && obs.OnError != nil {
		obs.OnError(gwerr.TransportError("ssh session ended", err))
	}
	if obs.OnClose != nil {
		obs.OnClose()
	}
}

func (sc *sshConnection) Write(data []byte) error {
	if _, err := sc.stdin.Write(data); err != nil {
		return gwerr.TransportError("write to ssh session", err)
	}
	return nil
}

func (sc *sshConnection) Resize(cols, rows int) error {
	if err := sc.session.WindowChange(rows, cols); err != nil {
		return gwerr.TransportError("resize ssh pty", err)
	}
	return nil
}

func (sc *sshConnection) Close() error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	sc.mu.Unlock()

	_ = sc.session.Close()
	return sc.client.Close()
}
