// Package config loads the bridge's static and per-deployment settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig holds everything the bridge needs at startup. Zero-value
// fields are filled in by Default() before Load returns.
type BridgeConfig struct {
	// Name, Description, Version are served verbatim by GET /config and
	// echoed into the MCP initialize response's serverInfo.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`

	// ListenAddr is the single TCP address the bridge listens on.
	ListenAddr string `yaml:"listen_addr"`

	// AgentURL is where Query creations are forwarded (C7). Empty disables
	// query forwarding; creation still succeeds but the agent never receives
	// the PUT.
	AgentURL string `yaml:"agent_url"`

	// PendingCallDefaultDeadline and the bounds below govern C3 (Pending-Call
	// Table). Default 30s, bounded to [1s, 5m].
	PendingCallDefaultDeadline time.Duration `yaml:"pending_call_default_deadline"`
	PendingCallMinDeadline     time.Duration `yaml:"pending_call_min_deadline"`
	PendingCallMaxDeadline     time.Duration `yaml:"pending_call_max_deadline"`

	// QueryRetention is how long a terminal Query is kept around before
	// pruning. Must be positive.
	QueryRetention time.Duration `yaml:"query_retention"`

	// SSEKeepalive is the interval between ":keepalive" SSE comments.
	SSEKeepalive time.Duration `yaml:"sse_keepalive"`

	// ShutdownGrace bounds how long graceful shutdown waits for in-flight
	// requests before forcibly closing connections.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Default returns the configuration used when no file is supplied and no
// environment override is present.
func Default() BridgeConfig {
	return BridgeConfig{
		Name:                       "mcp-bridge",
		Description:                "Bridges browser frontends and MCP consumers",
		Version:                    "dev",
		ListenAddr:                 ":8080",
		PendingCallDefaultDeadline: 30 * time.Second,
		PendingCallMinDeadline:     1 * time.Second,
		PendingCallMaxDeadline:     5 * time.Minute,
		QueryRetention:             5 * time.Minute,
		SSEKeepalive:               30 * time.Second,
		ShutdownGrace:              2 * time.Second,
	}
}

// Load reads a YAML config file at path, overlaying it onto Default(). An
// empty path returns Default() unchanged. Environment variables named
// BRIDGE_LISTEN_ADDR and BRIDGE_AGENT_URL, when set, take precedence over
// both the file and the default.
func Load(path string) (BridgeConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return BridgeConfig{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return BridgeConfig{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("BRIDGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BRIDGE_AGENT_URL"); v != "" {
		cfg.AgentURL = v
	}
	if err := cfg.validate(); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func (c BridgeConfig) validate() error {
	if c.PendingCallMinDeadline <= 0 || c.PendingCallMaxDeadline < c.PendingCallMinDeadline {
		return fmt.Errorf("invalid pending-call deadline bounds [%s, %s]", c.PendingCallMinDeadline, c.PendingCallMaxDeadline)
	}
	if c.PendingCallDefaultDeadline < c.PendingCallMinDeadline || c.PendingCallDefaultDeadline > c.PendingCallMaxDeadline {
		return fmt.Errorf("pending-call default deadline %s out of bounds [%s, %s]", c.PendingCallDefaultDeadline, c.PendingCallMinDeadline, c.PendingCallMaxDeadline)
	}
	if c.QueryRetention <= 0 {
		return fmt.Errorf("query retention must be > 0")
	}
	return nil
}

// ClampDeadline bounds a caller-requested deadline to [Min, Max], applying
// the default when d is zero.
func (c BridgeConfig) ClampDeadline(d time.Duration) time.Duration {
	if d <= 0 {
		return c.PendingCallDefaultDeadline
	}
	if d < c.PendingCallMinDeadline {
		return c.PendingCallMinDeadline
	}
	if d > c.PendingCallMaxDeadline {
		return c.PendingCallMaxDeadline
	}
	return d
}
