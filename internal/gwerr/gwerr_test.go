package gwerr

import (
	"errors"
	"fmt"
	"testing"

	"connectrpc.com/connect"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"no cause", New(KindNotFound, "session missing"), "not-found: session missing"},
		{"with cause", Wrap(KindTransportError, "tmux exited", errors.New("exit status 1")),
			"transport-error: tmux exited: exit status 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFoundDetails(t *testing.T) {
	err := NotFound("session", "S-missing")
	if err.Kind != KindNotFound {
		t.Fatalf("Kind = %v, want %v", err.Kind, KindNotFound)
	}
	if err.Details["resource"] != "session" || err.Details["id"] != "S-missing" {
		t.Errorf("Details = %v", err.Details)
	}
}

func TestConnectErrorMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want connect.Code
	}{
		{KindBadRequest, connect.CodeInvalidArgument},
		{KindAuthFailed, connect.CodePermissionDenied},
		{KindNotFound, connect.CodeNotFound},
		{KindTransportError, connect.CodeUnavailable},
		{KindPeerGone, connect.CodeUnavailable},
		{KindStorageError, connect.CodeInternal},
		{KindUnsupported, connect.CodeUnimplemented},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			ce := ConnectError(New(tt.kind, "boom"))
			if connect.CodeOf(ce) != tt.want {
				t.Errorf("code = %v, want %v", connect.CodeOf(ce), tt.want)
			}
		})
	}
}

func TestConnectErrorDetails(t *testing.T) {
	err := NotFound("agent", "A9")
	ce := ConnectError(err)
	if len(ce.Details()) != 1 {
		t.Fatalf("expected one attached detail, got %d", len(ce.Details()))
	}
}

func TestAs(t *testing.T) {
	base := NotFound("session", "S1")
	wrapped := fmt.Errorf("connect failed: %w", base)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("As() = false, want true")
	}
	if got.Kind != KindNotFound {
		t.Errorf("Kind = %v, want %v", got.Kind, KindNotFound)
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Error("As() on plain error = true, want false")
	}
	if _, ok := As(nil); ok {
		t.Error("As(nil) = true, want false")
	}
}
