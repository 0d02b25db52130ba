// Package location implements C1, the Location Registry: the persisted
// record of where and how each session is reachable. The store is an
// in-memory map snapshotted to a JSON file on every mutation, in the
// style of the teacher's MachineRegistry (load/save via os.ReadFile and
// os.WriteFile, no external database engine required).
package location

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gastown-labs/termgateway/internal/gwerr"
)

// ConnectionType is one of the four transport kinds a session can be
// reached through.
type ConnectionType string

const (
	ConnectionLocal   ConnectionType = "local"
	ConnectionSSH     ConnectionType = "ssh"
	ConnectionDocker  ConnectionType = "docker"
	ConnectionReverse ConnectionType = "reverse"
)

// Status is the lifecycle state of a SessionLocation row.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive      Status = "active"
	StatusInactive   Status = "inactive"
	StatusError      Status = "error"
)

// SessionLocation is the persisted description of a single session (§3).
type SessionLocation struct {
	SessionID      string         `json:"session_id"`
	ProjectID      string         `json:"project_id"`
	ConnectionType ConnectionType `json:"connection_type"`

	SSHHost     string `json:"ssh_host,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty"`
	SSHUsername string `json:"ssh_username,omitempty"`

	DockerContainerID string `json:"docker_container_id,omitempty"`

	TmuxSessionName string `json:"tmux_session_name,omitempty"`
	TmuxWindowName  string `json:"tmux_window_name,omitempty"`

	ReverseAgentID     string `json:"reverse_agent_id,omitempty"`
	ReverseAgentSecret string `json:"reverse_agent_secret,omitempty"`

	Status Status `json:"status"`

	LastHeartbeatAt int64 `json:"last_heartbeat_at,omitempty"`
	LastVerifiedAt  int64 `json:"last_verified_at,omitempty"`
	CreatedAt       int64 `json:"created_at"`
	UpdatedAt       int64 `json:"updated_at"`
}

// Patch describes a partial update accepted by Update: only status,
// verification/heartbeat timestamps, and transport parameters may be set.
type Patch struct {
	Status          *Status
	LastHeartbeatAt *int64
	LastVerifiedAt  *int64

	SSHHost     *string
	SSHPort     *int
	SSHUsername *string

	DockerContainerID *string

	TmuxSessionName *string
	TmuxWindowName  *string

	ReverseAgentID     *string
	ReverseAgentSecret *string
}

// Filter narrows List results.
type Filter struct {
	ConnectionType ConnectionType // empty means any
	Status         Status         // empty means any
}

// nowMS returns the current time in milliseconds since epoch. It is a
// package variable so the clock can be replaced.
var nowMS = func() int64 { return time.Now().UnixMilli() }

// Store is C1's in-memory, JSON-file-backed table of SessionLocations.
type Store struct {
	mu       sync.RWMutex
	rows     map[string]*SessionLocation
	filePath string // empty disables persistence
}

// New creates a Store. If filePath is non-empty, any existing snapshot is
// loaded immediately and every mutation re-saves the whole table.
func New(filePath string) (*Store, error) {
	s := &Store{rows: make(map[string]*SessionLocation), filePath: filePath}
	if filePath == "" {
		return s, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, gwerr.StorageError("load location snapshot", err)
	}
	var rows map[string]*SessionLocation
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, gwerr.StorageError("parse location snapshot", err)
	}
	s.rows = rows
	return s, nil
}

func (s *Store) saveLocked() error {
	if s.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.rows, "", "  ")
	if err != nil {
		return gwerr.StorageError("marshal location snapshot", err)
	}
	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return gwerr.StorageError("create location snapshot dir", err)
		}
	}
	if err := os.WriteFile(s.filePath, data, 0o644); err != nil {
		return gwerr.StorageError("write location snapshot", err)
	}
	return nil
}

// CreateParams carries the fields needed to create a new row.
type CreateParams struct {
	SessionID      string
	ProjectID      string
	ConnectionType ConnectionType
	Status         Status

	SSHHost     string
	SSHPort     int
	SSHUsername string

	DockerContainerID string

	TmuxSessionName string
	TmuxWindowName  string

	ReverseAgentID     string
	ReverseAgentSecret string
}

// Create inserts a new SessionLocation, overwriting any existing row with
// the same session_id.
func (s *Store) Create(params CreateParams) (*SessionLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMS()
	status := params.Status
	if status == "" {
		status = StatusConnecting
	}
	row := &SessionLocation{
		SessionID:          params.SessionID,
		ProjectID:          params.ProjectID,
		ConnectionType:     params.ConnectionType,
		SSHHost:            params.SSHHost,
		SSHPort:            params.SSHPort,
		SSHUsername:        params.SSHUsername,
		DockerContainerID:  params.DockerContainerID,
		TmuxSessionName:    params.TmuxSessionName,
		TmuxWindowName:     params.TmuxWindowName,
		ReverseAgentID:     params.ReverseAgentID,
		ReverseAgentSecret: params.ReverseAgentSecret,
		Status:             status,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.rows[params.SessionID] = row
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	copy := *row
	return &copy, nil
}

// Get returns the row for session_id, or nil if absent. Never errors on a
// missing row (§4.1).
func (s *Store) Get(sessionID string) *SessionLocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return nil
	}
	copy := *row
	return &copy
}

// Update applies patch to the row for session_id. Returns nil if the row
// does not exist.
func (s *Store) Update(sessionID string, patch Patch) (*SessionLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[sessionID]
	if !ok {
		return nil, nil
	}
	if patch.Status != nil {
		row.Status = *patch.Status
	}
	if patch.LastHeartbeatAt != nil {
		row.LastHeartbeatAt = *patch.LastHeartbeatAt
	}
	if patch.LastVerifiedAt != nil {
		row.LastVerifiedAt = *patch.LastVerifiedAt
	}
	if patch.SSHHost != nil {
		row.SSHHost = *patch.SSHHost
	}
	if patch.SSHPort != nil {
		row.SSHPort = *patch.SSHPort
	}
	if patch.SSHUsername != nil {
		row.SSHUsername = *patch.SSHUsername
	}
	if patch.DockerContainerID != nil {
		row.DockerContainerID = *patch.DockerContainerID
	}
	if patch.TmuxSessionName != nil {
		row.TmuxSessionName = *patch.TmuxSessionName
	}
	if patch.TmuxWindowName != nil {
		row.TmuxWindowName = *patch.TmuxWindowName
	}
	if patch.ReverseAgentID != nil {
		row.ReverseAgentID = *patch.ReverseAgentID
	}
	if patch.ReverseAgentSecret != nil {
		row.ReverseAgentSecret = *patch.ReverseAgentSecret
	}
	row.UpdatedAt = nowMS()

	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	copy := *row
	return &copy, nil
}

// Delete removes the row for session_id, returning whether it existed.
func (s *Store) Delete(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[sessionID]; !ok {
		return false, nil
	}
	delete(s.rows, sessionID)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// List returns rows matching filter, in no particular order.
func (s *Store) List(filter Filter) []SessionLocation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionLocation, 0, len(s.rows))
	for _, row := range s.rows {
		if filter.ConnectionType != "" && row.ConnectionType != filter.ConnectionType {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		out = append(out, *row)
	}
	return out
}

// TouchHeartbeat bulk-updates last_heartbeat_at for every reverse-tunnel
// row belonging to agentID.
func (s *Store) TouchHeartbeat(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMS()
	touched := false
	for _, row := range s.rows {
		if row.ConnectionType == ConnectionReverse && row.ReverseAgentID == agentID {
			row.LastHeartbeatAt = now
			row.UpdatedAt = now
			touched = true
		}
	}
	if !touched {
		return nil
	}
	return s.saveLocked()
}

// ListStale returns reverse-tunnel rows in the given status whose last
// heartbeat is older than cutoffMS (or null/zero).
func (s *Store) ListStale(connectionType ConnectionType, status Status, cutoffMS int64) []SessionLocation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SessionLocation
	for _, row := range s.rows {
		if row.ConnectionType != connectionType || row.Status != status {
			continue
		}
		if row.LastHeartbeatAt == 0 || row.LastHeartbeatAt < cutoffMS {
			out = append(out, *row)
		}
	}
	return out
}
