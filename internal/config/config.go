// Package config resolves gateway configuration from environment variables,
// layered over defaults from an optional TOML file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every recognized gateway setting (§6 of SPEC_FULL.md).
type Config struct {
	AgentSecrets        []string
	HeartbeatTimeout    time.Duration
	JanitorInterval     time.Duration
	ViewerHighWaterMark int64
	UsePTY              bool
	ViewerAddr          string
	AgentAddr           string
	AdminAddr           string
	LocationStorePath   string
}

// fileConfig mirrors Config's fields as they appear in an optional TOML
// file, loaded as defaults beneath the environment (§10).
type fileConfig struct {
	AgentSecrets        []string `toml:"agent_secrets"`
	HeartbeatTimeoutMS  int64    `toml:"heartbeat_timeout_ms"`
	JanitorIntervalMS   int64    `toml:"janitor_interval_ms"`
	ViewerHighWaterMark int64    `toml:"viewer_high_water_mark"`
	UsePTY              bool     `toml:"use_pty"`
	ViewerAddr          string   `toml:"viewer_addr"`
	AgentAddr           string   `toml:"agent_addr"`
	AdminAddr           string   `toml:"admin_addr"`
	LocationStorePath   string   `toml:"location_store_path"`
}

const (
	defaultHeartbeatTimeout    = 30 * time.Second
	defaultJanitorInterval     = 30 * time.Second
	defaultViewerHighWaterMark = 1 << 20 // 1 MiB
	defaultViewerAddr          = ":7681"
	defaultAgentAddr           = ":7682"
	defaultAdminAddr           = ":7683"
	defaultLocationStorePath   = "termgateway-locations.json"
)

// Load resolves configuration from TERMGW_CONFIG_FILE (if set) layered
// under the environment, which always takes precedence.
func Load() (*Config, error) {
	cfg := &Config{
		HeartbeatTimeout:    defaultHeartbeatTimeout,
		JanitorInterval:     defaultJanitorInterval,
		ViewerHighWaterMark: defaultViewerHighWaterMark,
		ViewerAddr:          defaultViewerAddr,
		AgentAddr:           defaultAgentAddr,
		AdminAddr:           defaultAdminAddr,
		LocationStorePath:   defaultLocationStorePath,
	}

	if path := os.Getenv("TERMGW_CONFIG_FILE"); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, err
		}
		applyFileConfig(cfg, fc)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if len(fc.AgentSecrets) > 0 {
		cfg.AgentSecrets = fc.AgentSecrets
	}
	if fc.HeartbeatTimeoutMS > 0 {
		cfg.HeartbeatTimeout = time.Duration(fc.HeartbeatTimeoutMS) * time.Millisecond
	}
	if fc.JanitorIntervalMS > 0 {
		cfg.JanitorInterval = time.Duration(fc.JanitorIntervalMS) * time.Millisecond
	}
	if fc.ViewerHighWaterMark > 0 {
		cfg.ViewerHighWaterMark = fc.ViewerHighWaterMark
	}
	cfg.UsePTY = fc.UsePTY
	if fc.ViewerAddr != "" {
		cfg.ViewerAddr = fc.ViewerAddr
	}
	if fc.AgentAddr != "" {
		cfg.AgentAddr = fc.AgentAddr
	}
	if fc.AdminAddr != "" {
		cfg.AdminAddr = fc.AdminAddr
	}
	if fc.LocationStorePath != "" {
		cfg.LocationStorePath = fc.LocationStorePath
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENT_SECRETS"); v != "" {
		cfg.AgentSecrets = strings.Split(v, ",")
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HeartbeatTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("JANITOR_INTERVAL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.JanitorInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TERMGW_USE_PTY"); v != "" {
		cfg.UsePTY = isTruthy(v)
	}
	if v := os.Getenv("TERMGW_VIEWER_ADDR"); v != "" {
		cfg.ViewerAddr = v
	}
	if v := os.Getenv("TERMGW_AGENT_ADDR"); v != "" {
		cfg.AgentAddr = v
	}
	if v := os.Getenv("TERMGW_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("TERMGW_LOCATION_STORE_PATH"); v != "" {
		cfg.LocationStorePath = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// NormalizeAgentID applies the per-agent secret env-var normalization from
// §6: uppercase, then replace '-' and '.' with '_'.
func NormalizeAgentID(agentID string) string {
	s := strings.ToUpper(agentID)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

// AgentSecret resolves the secret to check a registering agent against.
// Per-agent env var takes precedence over the global AgentSecrets list;
// configured is false only when neither is configured (development mode).
func (c *Config) AgentSecret(agentID string) (secrets []string, perAgent bool, configured bool) {
	envKey := "AGENT_SECRET_" + NormalizeAgentID(agentID)
	if v := os.Getenv(envKey); v != "" {
		return []string{v}, true, true
	}
	if len(c.AgentSecrets) > 0 {
		return c.AgentSecrets, false, true
	}
	return nil, false, false
}
