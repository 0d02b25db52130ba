package wsconn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newPair(t *testing.T, highWaterMark int64) (client *websocket.Conn, server *Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srvCh := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		srvCh <- conn
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + ts.URL[len("http"):]
	cl, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cl.Close() })

	srv := <-srvCh
	return cl, New("test", srv, highWaterMark)
}

func TestSendJSONDeliversFrame(t *testing.T) {
	client, server := newPair(t, 0)
	t.Cleanup(func() { server.Close() })

	if err := server.SendJSON(map[string]string{"type": "hello"}); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != `{"type":"hello"}` {
		t.Errorf("got %q", data)
	}
}

func TestSendAfterCloseErrors(t *testing.T) {
	_, server := newPair(t, 0)
	server.Close()

	if err := server.SendJSON(map[string]string{"type": "x"}); err == nil {
		t.Error("expected error sending on closed connection")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, server := newPair(t, 0)
	if err := server.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestHighWaterMarkClosesConnection(t *testing.T) {
	_, server := newPair(t, 8)
	t.Cleanup(func() { server.Close() })

	if err := server.Send(make([]byte, 100)); err == nil {
		t.Error("expected backpressure error")
	}
	if !server.Closed() {
		t.Error("connection should be closed after exceeding high-water mark")
	}
}
