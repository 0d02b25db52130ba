package viewerproto

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gastown-labs/termgateway/internal/wsconn"
)

type fakeRouter struct {
	mu          sync.Mutex
	connectOK   map[string]bool
	connects    []string
	inputs      []string
	resizes     []string
	disconnects []string
	closed      int
}

func (f *fakeRouter) Connect(viewer *wsconn.Conn, sessionID, projectID string, cols, rows int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, sessionID)
	return f.connectOK[sessionID]
}
func (f *fakeRouter) Input(viewer *wsconn.Conn, sessionID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, sessionID)
}
func (f *fakeRouter) Resize(viewer *wsconn.Conn, sessionID string, cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, sessionID)
}
func (f *fakeRouter) Disconnect(viewer *wsconn.Conn, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, sessionID)
}
func (f *fakeRouter) ViewerClosed(viewer *wsconn.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeRouter) snapshot() (connects, inputs, resizes, disconnects []string, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.connects...), append([]string{}, f.inputs...),
		append([]string{}, f.resizes...), append([]string{}, f.disconnects...), f.closed
}

func dialViewer(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(ts.Close)
	wsURL := "ws" + ts.URL[len("http"):]
	cl, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestInputBeforeConnectIsDropped(t *testing.T) {
	router := &fakeRouter{connectOK: map[string]bool{}}
	h := NewHandler(router, 0, nil)
	cl := dialViewer(t, h)

	cl.WriteJSON(map[string]interface{}{"type": "terminal:input", "session_id": "S1", "data": "q"})
	time.Sleep(50 * time.Millisecond)

	_, _, _, _, _ = router.snapshot()
	if inputs := router.inputs; len(inputs) != 0 {
		t.Errorf("expected no inputs dispatched, got %v", inputs)
	}
}

func TestConnectThenInputDispatches(t *testing.T) {
	router := &fakeRouter{connectOK: map[string]bool{"S1": true}}
	h := NewHandler(router, 0, nil)
	cl := dialViewer(t, h)

	cl.WriteJSON(map[string]interface{}{"type": "terminal:connect", "session_id": "S1", "project_id": "P1"})
	time.Sleep(30 * time.Millisecond)
	cl.WriteJSON(map[string]interface{}{"type": "terminal:input", "session_id": "S1", "data": "q"})
	time.Sleep(30 * time.Millisecond)

	connects, inputs, _, _, _ := router.snapshot()
	if len(connects) != 1 || connects[0] != "S1" {
		t.Errorf("connects = %v", connects)
	}
	if len(inputs) != 1 || inputs[0] != "S1" {
		t.Errorf("inputs = %v", inputs)
	}
}

func TestFailedConnectDoesNotEstablishSession(t *testing.T) {
	router := &fakeRouter{connectOK: map[string]bool{}}
	h := NewHandler(router, 0, nil)
	cl := dialViewer(t, h)

	cl.WriteJSON(map[string]interface{}{"type": "terminal:connect", "session_id": "S-missing", "project_id": "P1"})
	time.Sleep(30 * time.Millisecond)
	cl.WriteJSON(map[string]interface{}{"type": "terminal:resize", "session_id": "S-missing", "cols": 100, "rows": 40})
	time.Sleep(30 * time.Millisecond)

	_, _, resizes, _, _ := router.snapshot()
	if len(resizes) != 0 {
		t.Errorf("expected resize to be dropped for failed connect, got %v", resizes)
	}
}

func TestSocketCloseNotifiesViewerClosed(t *testing.T) {
	router := &fakeRouter{connectOK: map[string]bool{}}
	h := NewHandler(router, 0, nil)
	cl := dialViewer(t, h)
	cl.Close()

	time.Sleep(100 * time.Millisecond)
	_, _, _, _, closed := router.snapshot()
	if closed != 1 {
		t.Errorf("ViewerClosed called %d times, want 1", closed)
	}
}
