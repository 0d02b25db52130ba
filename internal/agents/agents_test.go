package agents

import (
	"testing"
	"time"
)

type fakeSocket struct {
	id     string
	closed bool
}

func (f *fakeSocket) Close() error {
	f.closed = true
	return nil
}

func drainEvents(r *Registry) []Event {
	var out []Event
	for {
		select {
		case e := <-r.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRegisterAgentAndSession(t *testing.T) {
	r := New()
	sock := &fakeSocket{id: "A1"}
	r.RegisterAgent("A1", sock)

	if !r.AgentOnline("A1") {
		t.Fatal("agent not online after register")
	}
	if !r.RegisterSession("A1", "S1", "ccc-A:w0", "P1") {
		t.Fatal("RegisterSession failed for known agent")
	}
	owner, ok := r.SessionOwner("S1")
	if !ok || owner != "A1" {
		t.Errorf("SessionOwner = %v, %v", owner, ok)
	}
	if !r.CheckInvariants() {
		t.Error("invariants violated after register")
	}

	events := drainEvents(r)
	if len(events) != 2 || events[0].Type != EventAgentConnected || events[1].Type != EventSessionStarted {
		t.Errorf("events = %+v", events)
	}
}

func TestRegisterSessionUnknownAgent(t *testing.T) {
	r := New()
	if r.RegisterSession("ghost", "S1", "t", "p") {
		t.Error("RegisterSession succeeded for unknown agent")
	}
}

func TestUnregisterSessionIdempotent(t *testing.T) {
	r := New()
	r.RegisterAgent("A1", &fakeSocket{})
	r.RegisterSession("A1", "S1", "t", "p")
	drainEvents(r)

	r.UnregisterSession("A1", "S1")
	r.UnregisterSession("A1", "S1") // second call must be a no-op, not panic

	if _, ok := r.SessionOwner("S1"); ok {
		t.Error("session still owned after unregister")
	}
	events := drainEvents(r)
	if len(events) != 1 {
		t.Errorf("expected exactly one session:ended event, got %v", events)
	}
}

func TestAttachDetachViewer(t *testing.T) {
	r := New()
	r.RegisterAgent("A1", &fakeSocket{})
	r.RegisterSession("A1", "S1", "t", "p")
	viewer := &fakeSocket{id: "viewer1"}

	if !r.AttachViewer("S1", viewer) {
		t.Fatal("AttachViewer failed")
	}
	viewers := r.AttachedViewers("S1")
	if len(viewers) != 1 || viewers[0] != viewer {
		t.Errorf("AttachedViewers = %v", viewers)
	}

	r.DetachViewer("S1", viewer)
	if len(r.AttachedViewers("S1")) != 0 {
		t.Error("viewer still attached after detach")
	}
}

func TestAttachViewerUnknownSession(t *testing.T) {
	r := New()
	if r.AttachViewer("ghost", &fakeSocket{}) {
		t.Error("AttachViewer succeeded for unknown session")
	}
}

func TestUnregisterAgentDropsSessionsAndViewers(t *testing.T) {
	r := New()
	r.RegisterAgent("A1", &fakeSocket{})
	r.RegisterSession("A1", "S1", "t", "p")
	r.RegisterSession("A1", "S2", "t2", "p")
	viewer := &fakeSocket{id: "v1"}
	r.AttachViewer("S1", viewer)
	drainEvents(r)

	r.UnregisterAgent("A1")

	if r.AgentOnline("A1") {
		t.Error("agent still online after unregister")
	}
	if _, ok := r.SessionOwner("S1"); ok {
		t.Error("S1 still owned after agent unregister")
	}
	if _, ok := r.SessionOwner("S2"); ok {
		t.Error("S2 still owned after agent unregister")
	}
	if !r.CheckInvariants() {
		t.Error("invariants violated after unregister")
	}

	events := drainEvents(r)
	if len(events) != 1 || events[0].Type != EventAgentDisconnected {
		t.Fatalf("events = %+v", events)
	}
	if len(events[0].DroppedViewers) != 1 || events[0].DroppedViewers[0] != viewer {
		t.Errorf("DroppedViewers = %v", events[0].DroppedViewers)
	}
}

func TestRegisterAgentDuplicateIDDropsOld(t *testing.T) {
	r := New()
	oldSock := &fakeSocket{id: "old"}
	r.RegisterAgent("A1", oldSock)
	r.RegisterSession("A1", "S1", "t", "p")
	r.RegisterSession("A1", "S2", "t2", "p")
	drainEvents(r)

	newSock := &fakeSocket{id: "new"}
	r.RegisterAgent("A1", newSock)

	if r.AgentSocket("A1") != newSock {
		t.Error("socket not replaced")
	}
	if len(r.AttachedViewers("S1")) != 0 {
		t.Error("old session S1 still attached to anything")
	}
	if _, ok := r.SessionOwner("S1"); ok {
		t.Error("old session S1 still registered")
	}

	events := drainEvents(r)
	if len(events) != 2 || events[0].Type != EventAgentDisconnected || events[1].Type != EventAgentConnected {
		t.Fatalf("events = %+v", events)
	}
}

func TestCleanupReapsStaleAgents(t *testing.T) {
	r := New()
	r.RegisterAgent("A1", &fakeSocket{})
	r.mu.Lock()
	r.agents["A1"].LastHeartbeat = time.Now().Add(-time.Hour)
	r.mu.Unlock()
	r.RegisterAgent("A2", &fakeSocket{})
	drainEvents(r)

	reaped := r.Cleanup(30 * time.Second)
	if len(reaped) != 1 || reaped[0] != "A1" {
		t.Errorf("Cleanup() = %v, want [A1]", reaped)
	}
	if r.AgentOnline("A1") {
		t.Error("A1 still online after cleanup")
	}
	if !r.AgentOnline("A2") {
		t.Error("A2 reaped but should still be alive")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	r := New()
	r.RegisterAgent("A1", &fakeSocket{})
	r.mu.Lock()
	r.agents["A1"].LastHeartbeat = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	first := r.Cleanup(30 * time.Second)
	second := r.Cleanup(30 * time.Second)
	if len(first) != 1 {
		t.Fatalf("first Cleanup() = %v", first)
	}
	if len(second) != 0 {
		t.Fatalf("second Cleanup() = %v, want empty", second)
	}
}

func TestUpdateHeartbeatUnknownAgentNoPanic(t *testing.T) {
	r := New()
	r.UpdateHeartbeat("ghost") // must not panic
}
