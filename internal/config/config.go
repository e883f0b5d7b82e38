// Package config loads the YAML configuration files consumed by the
// tunnel-server and tunnel-client commands (spec §1: "configuration
// file loading and defaults" is explicitly a collaborator outside the
// core, consumed already-parsed).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBufSize           = 32768
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultLiveness          = 5

	// DefaultMaxSessionsPerPeer bounds concurrent public sessions per
	// connected peer (spec §9's "dynamic per-key task creation" note);
	// accepts past this cap are refused rather than queued.
	DefaultMaxSessionsPerPeer = 1024

	// TransportTCP and TransportWebSocket are the recognized values of
	// ServerConfig.Transport / ClientConfig.Transport. They mirror
	// internal/tunnel's constants of the same name; duplicated here so
	// this package stays independent of internal/tunnel.
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Heartbeat holds the interval/liveness pair shared by both roles
// (spec §9 defaults table).
type Heartbeat struct {
	IntervalSeconds int `yaml:"interval"`
	Liveness        int `yaml:"liveness"`
}

func (h Heartbeat) Interval() time.Duration {
	if h.IntervalSeconds <= 0 {
		return DefaultHeartbeatInterval
	}
	return time.Duration(h.IntervalSeconds) * time.Second
}

func (h Heartbeat) LivenessMax() int {
	if h.Liveness <= 0 {
		return DefaultLiveness
	}
	return h.Liveness
}

// Identity holds the on-disk paths a keystore.FileStore is built from.
type Identity struct {
	SelfKeyFile       string `yaml:"self_key_file"`
	ClientKeysDir     string `yaml:"client_keys_dir"`
	PeersDir          string `yaml:"peers_dir"`
}

// ServerConfig is the tunnel-server process configuration.
type ServerConfig struct {
	Port               int       `yaml:"port"`
	BufSize            int       `yaml:"bufsize"`
	Heartbeat          Heartbeat `yaml:"heartbeat"`
	Identity           Identity  `yaml:"identity"`
	AdminAddr          string    `yaml:"admin_addr"`
	AuditDB            string    `yaml:"audit_db"`
	MaxSessionsPerPeer int       `yaml:"max_sessions_per_peer"`

	// Transport selects how peers reach the tunnel port: "tcp"
	// (default) or "websocket". In websocket mode Port is an HTTP
	// listen port and WebSocketPath is the upgrade route (default
	// "/tunnel") — useful when only HTTP egress reaches the server
	// (spec §4.2's "any transport satisfying these contracts is
	// acceptable").
	Transport     string `yaml:"transport"`
	WebSocketPath string `yaml:"websocket_path"`
}

func (c ServerConfig) ResolvedWebSocketPath() string {
	if c.WebSocketPath == "" {
		return "/tunnel"
	}
	return c.WebSocketPath
}

func (c ServerConfig) ResolvedBufSize() int {
	if c.BufSize <= 0 {
		return DefaultBufSize
	}
	return c.BufSize
}

func (c ServerConfig) ResolvedMaxSessionsPerPeer() int {
	if c.MaxSessionsPerPeer <= 0 {
		return DefaultMaxSessionsPerPeer
	}
	return c.MaxSessionsPerPeer
}

// ServiceEntry is one `{addr, port, bind_port}` entry in a client's
// `services` list (spec §9).
type ServiceEntry struct {
	OriginAddr string `yaml:"addr"`
	OriginPort int    `yaml:"port"`
	BindPort   int    `yaml:"bind_port"`
}

// ClientConfig is the tunnel-client process configuration.
type ClientConfig struct {
	ServerAddr string         `yaml:"server_addr"`
	ServerPort int            `yaml:"server_port"`
	BufSize    int            `yaml:"bufsize"`
	Heartbeat  Heartbeat      `yaml:"heartbeat"`
	Identity   Identity       `yaml:"identity"`
	Services   []ServiceEntry `yaml:"services"`

	// Transport selects how the client reaches the server: "tcp"
	// (default, dials server_addr:server_port directly) or "websocket"
	// (dials ServerURL, a ws:// or wss:// address). See
	// ServerConfig.Transport.
	Transport string `yaml:"transport"`
	ServerURL string `yaml:"server_url"`
}

func (c ClientConfig) ResolvedBufSize() int {
	if c.BufSize <= 0 {
		return DefaultBufSize
	}
	return c.BufSize
}

// LoadServerConfig reads and validates a tunnel-server YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var c ServerConfig
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.Port == 0 {
		return nil, fmt.Errorf("config: %s: \"port\" is required", path)
	}
	if c.Identity.SelfKeyFile == "" {
		return nil, fmt.Errorf("config: %s: \"identity.self_key_file\" is required", path)
	}
	return &c, nil
}

// LoadClientConfig reads and validates a tunnel-client YAML file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var c ClientConfig
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.Transport == TransportWebSocket {
		if c.ServerURL == "" {
			return nil, fmt.Errorf("config: %s: \"server_url\" is required when transport is %q", path, TransportWebSocket)
		}
	} else if c.ServerAddr == "" || c.ServerPort == 0 {
		return nil, fmt.Errorf("config: %s: \"server_addr\"/\"server_port\" are required", path)
	}
	if len(c.Services) == 0 {
		return nil, fmt.Errorf("config: %s: \"services\" must list at least one entry", path)
	}
	if c.Identity.SelfKeyFile == "" {
		return nil, fmt.Errorf("config: %s: \"identity.self_key_file\" is required", path)
	}
	return &c, nil
}

func loadYAML(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
