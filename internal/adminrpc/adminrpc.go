// Package adminrpc exposes C6's stats snapshot and a liveness probe for
// operators, as plain JSON over net/http rather than protoc-generated
// Connect stubs: connectrpc.com/connect's code/error machinery is
// already genuinely exercised by internal/gwerr, which this package
// uses to shape its error responses, but a real Connect *service*
// requires .proto-generated client/server stubs this module cannot
// generate without running buf/protoc. See DESIGN.md.
//
// Routing and JSON-response shape follow the teacher's rpcserver
// handlers (one handler per route, errors translated through a single
// helper rather than bespoke per-handler error writing).
package adminrpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/gastown-labs/termgateway/internal/agents"
	"github.com/gastown-labs/termgateway/internal/gateway"
	"github.com/gastown-labs/termgateway/internal/gwerr"
)

// StatsSource is the subset of C6 this surface reads from.
type StatsSource interface {
	Stats() gateway.Stats
}

type checkResponse struct {
	Status          string `json:"status"`
	ConnectedAgents int    `json:"connected_agents"`
	ActiveSessions  int    `json:"active_sessions"`
}

// Handler serves GetStats and Check.
type Handler struct {
	Stats  StatsSource
	Agents *agents.Registry
	Logger *slog.Logger
}

// NewHandler constructs a Handler. logger may be nil to use slog's
// default logger.
func NewHandler(stats StatsSource, reg *agents.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Stats: stats, Agents: reg, Logger: logger}
}

// Register mounts the admin routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/stats", h.handleGetStats)
	mux.HandleFunc("/admin/v1/check", h.handleCheck)
}

// handleGetStats implements GetStats (§4.6, §11).
func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, gwerr.BadRequest("GetStats only accepts GET"))
		return
	}
	writeJSON(w, http.StatusOK, h.Stats.Stats())
}

// handleCheck implements Check (§11): a liveness probe reporting
// connected-agent and active-session counts.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, gwerr.BadRequest("Check only accepts GET"))
		return
	}
	stats := h.Stats.Stats()
	writeJSON(w, http.StatusOK, checkResponse{
		Status:          "ok",
		ConnectedAgents: h.Agents.Count(),
		ActiveSessions:  stats.Total,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// connectCodeStatus maps a connect.Code to the HTTP status line the admin
// surface reports it under, the same canonical gRPC-code-to-HTTP mapping
// connect-go's own HTTP handlers use.
func connectCodeStatus(code connect.Code) int {
	switch code {
	case connect.CodeInvalidArgument:
		return http.StatusBadRequest
	case connect.CodePermissionDenied:
		return http.StatusForbidden
	case connect.CodeNotFound:
		return http.StatusNotFound
	case connect.CodeUnavailable:
		return http.StatusServiceUnavailable
	case connect.CodeUnimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError converts err to a *connect.Error via gwerr — the same
// conversion a real Connect service would perform — and writes its code
// and message as JSON, so this surface carries the taxonomy even though
// it speaks plain HTTP.
func writeError(w http.ResponseWriter, err error) {
	ge, ok := gwerr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	cerr := gwerr.ConnectError(ge)
	writeJSON(w, connectCodeStatus(cerr.Code()), map[string]string{"error": cerr.Message()})
}
