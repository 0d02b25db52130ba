package agentproto

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gastown-labs/termgateway/internal/agents"
	"github.com/gastown-labs/termgateway/internal/config"
	"github.com/gastown-labs/termgateway/internal/location"
)

func newTestHandler(t *testing.T, cfg *config.Config) (*Handler, *agents.Registry, *location.Store) {
	t.Helper()
	reg := agents.New()
	locs, err := location.New("")
	if err != nil {
		t.Fatalf("location.New: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return NewHandler(reg, locs, cfg, nil), reg, locs
}

func dialAgent(t *testing.T, h *Handler) *websocket.Conn {
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

func readJSON(t *testing.T, cl *websocket.Conn, v interface{}) {
	t.Helper()
	cl.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := cl.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func TestRegisterNoSecretsConfiguredAdmits(t *testing.T) {
	h, reg, _ := newTestHandler(t, nil)
	cl := dialAgent(t, h)

	cl.WriteJSON(struct {
		Type string `json:"type"`
		registerMsg
	}{Type: "agent:register", registerMsg: registerMsg{AgentID: "A1", AgentSecret: "whatever"}})

	var resp registeredMsg
	readJSON(t, cl, &resp)
	if resp.Type != "agent:registered" || resp.AgentID != "A1" {
		t.Fatalf("resp = %+v", resp)
	}

	time.Sleep(50 * time.Millisecond)
	if !reg.AgentOnline("A1") {
		t.Error("agent not registered in C2")
	}
}

func TestRegisterBadSecretRejected(t *testing.T) {
	h, reg, _ := newTestHandler(t, &config.Config{AgentSecrets: []string{"good"}})
	cl := dialAgent(t, h)

	cl.WriteJSON(struct {
		Type string `json:"type"`
		registerMsg
	}{Type: "agent:register", registerMsg: registerMsg{AgentID: "A2", AgentSecret: "bad"}})

	var resp gatewayErrorMsg
	readJSON(t, cl, &resp)
	if resp.Type != "gateway:error" || resp.Error != "Invalid agent credentials" {
		t.Fatalf("resp = %+v", resp)
	}

	cl.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := cl.ReadMessage()
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected close code 1008, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if reg.AgentOnline("A2") {
		t.Error("agent should not be registered after bad secret")
	}
}

func TestNonRegisterFirstMessageCloses(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	cl := dialAgent(t, h)

	cl.WriteJSON(map[string]string{"type": "agent:heartbeat"})

	cl.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := cl.ReadMessage()
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected close code 1008, got %v", err)
	}
}

func TestSessionStartCreatesLocationAndCommandConnectDelivers(t *testing.T) {
	h, reg, locs := newTestHandler(t, nil)
	cl := dialAgent(t, h)

	cl.WriteJSON(struct {
		Type string `json:"type"`
		registerMsg
	}{Type: "agent:register", registerMsg: registerMsg{AgentID: "A1"}})
	var resp registeredMsg
	readJSON(t, cl, &resp)

	cl.WriteJSON(struct {
		Type string `json:"type"`
		sessionStartMsg
	}{Type: "agent:session:start", sessionStartMsg: sessionStartMsg{
		SessionID: "S1", ProjectID: "P1", TmuxSessionName: "ccc-A", TmuxWindowName: "w0",
	}})

	time.Sleep(50 * time.Millisecond)
	loc := locs.Get("S1")
	if loc == nil || loc.ConnectionType != location.ConnectionReverse || loc.Status != location.StatusActive {
		t.Fatalf("location = %+v", loc)
	}
	if owner, ok := reg.SessionOwner("S1"); !ok || owner != "A1" {
		t.Fatalf("SessionOwner = %v, %v", owner, ok)
	}

	if !h.CommandConnect("A1", "S1", 80, 24) {
		t.Fatal("CommandConnect returned false for online agent")
	}
	var cmd commandConnectMsg
	readJSON(t, cl, &cmd)
	if cmd.Type != "agent:command:connect" || cmd.SessionID != "S1" || cmd.Cols != 80 || cmd.Rows != 24 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestCommandConnectFalseForOfflineAgent(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	if h.CommandConnect("ghost", "S1", 80, 24) {
		t.Error("expected false for offline agent")
	}
}

func TestSessionOutputFansOutToAttachedViewers(t *testing.T) {
	h, reg, _ := newTestHandler(t, nil)
	cl := dialAgent(t, h)
	cl.WriteJSON(struct {
		Type string `json:"type"`
		registerMsg
	}{Type: "agent:register", registerMsg: registerMsg{AgentID: "A1"}})
	var resp registeredMsg
	readJSON(t, cl, &resp)

	cl.WriteJSON(struct {
		Type string `json:"type"`
		sessionStartMsg
	}{Type: "agent:session:start", sessionStartMsg: sessionStartMsg{SessionID: "S1", ProjectID: "P1"}})
	time.Sleep(50 * time.Millisecond)

	viewer := &recordingSocket{}
	if !reg.AttachViewer("S1", viewer) {
		t.Fatal("AttachViewer failed")
	}

	cl.WriteJSON(struct {
		Type string `json:"type"`
		sessionOutputMsg
	}{Type: "agent:session:output", sessionOutputMsg: sessionOutputMsg{SessionID: "S1", Data: "hello"}})

	time.Sleep(50 * time.Millisecond)
	if len(viewer.sent) != 1 {
		t.Fatalf("viewer received %d frames, want 1", len(viewer.sent))
	}
	var out terminalOutputMsg
	if err := json.Unmarshal(viewer.sent[0], &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "terminal:output" || out.SessionID != "S1" || out.Data != "hello" {
		t.Errorf("out = %+v", out)
	}
}

type recordingSocket struct {
	sent [][]byte
}

func (r *recordingSocket) Close() error { return nil }
func (r *recordingSocket) SendJSON(v interface{}) error {
	data, _ := json.Marshal(v)
	r.sent = append(r.sent, data)
	return nil
}
