// Package wsconn wraps a gorilla/websocket connection with a serialized
// writer and a bounded outbound queue, shared by the agent protocol
// handler (C4) and the viewer protocol handler (C5). gorilla/websocket
// connections do not support concurrent writes; every outbound frame
// goes through a single writer goroutine fed by a channel, the same
// Send/Receive-channel shape as the teacher's AgentHub connection.
package wsconn

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gastown-labs/termgateway/internal/gwerr"
)

const outboundQueueSize = 256

// Conn is a duplex JSON-frame connection. It satisfies agents.Socket
// (Close() error) so C2 can hold it as a bare handle without importing
// gorilla/websocket itself.
type Conn struct {
	ID string

	ws *websocket.Conn

	writeMu sync.Mutex // serializes ws.WriteMessage calls made outside the queue (close frames)

	out  chan []byte
	done chan struct{}

	highWaterMark int64 // 0 disables the check
	pendingBytes  int64

	closeOnce sync.Once
	closed    atomic.Bool

	// OnOverflow, if set, is invoked from Send, on the sending goroutine,
	// when an enqueued frame would push pendingBytes past
	// highWaterMark. The connection is closed immediately after.
	OnOverflow func()
}

// New wraps ws. highWaterMark of 0 disables backpressure-triggered
// disconnects (used for agent sockets, per §5: agent backpressure is a
// liveness concern handled by the heartbeat timeout, not a hard cutoff).
func New(id string, ws *websocket.Conn, highWaterMark int64) *Conn {
	c := &Conn{
		ID:            id,
		ws:            ws,
		out:           make(chan []byte, outboundQueueSize),
		done:          make(chan struct{}),
		highWaterMark: highWaterMark,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			c.writeMu.Lock()
			err := c.ws.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			atomic.AddInt64(&c.pendingBytes, -int64(len(data)))
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// SendJSON marshals v and enqueues it for delivery. It returns an error
// if the connection is closed or if the enqueue would exceed the
// configured high-water mark — in the latter case the connection is
// also closed, matching §5's "drop that viewer with a disconnect rather
// than unbound buffering".
func (c *Conn) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return gwerr.BadRequest("marshal outbound frame: %v", err)
	}
	return c.Send(data)
}

// Send enqueues a raw frame, subject to the same backpressure rule as
// SendJSON.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return gwerr.PeerGone("connection closed")
	}

	pending := atomic.AddInt64(&c.pendingBytes, int64(len(data)))
	if c.highWaterMark > 0 && pending > c.highWaterMark {
		atomic.AddInt64(&c.pendingBytes, -int64(len(data)))
		if c.OnOverflow != nil {
			c.OnOverflow()
		}
		c.Close()
		return gwerr.New(gwerr.KindTransportError, "viewer write backlog exceeded high-water mark")
	}

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		atomic.AddInt64(&c.pendingBytes, -int64(len(data)))
		return gwerr.PeerGone("connection closed")
	}
}

// ReadMessage blocks for the next text frame. Callers run this in their
// own per-socket read loop goroutine (§5).
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// CloseWithCode sends a close frame carrying code and reason before
// tearing the connection down — used for the protocol-level close code
// 1008 on auth failure (§4.4).
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(2*time.Second),
	)
	c.writeMu.Unlock()
	return c.Close()
}

// Close is idempotent: it stops the writer goroutine and closes the
// underlying socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}
