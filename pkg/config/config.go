// Package config provides YAML-based configuration loading for arxlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for persistent data
	DataDir string `mapstructure:"data_dir"`

	// NodeID is the local canonical node identifier used in message routing
	NodeID string `mapstructure:"node_id"`

	// Address is the advertised transport address of this node; empty means
	// use the transport's bound address
	Address string `mapstructure:"address"`

	// Capabilities advertised during discovery
	Capabilities []string `mapstructure:"capabilities"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transport selects and configures the wire transport
	Transport TransportConfig `mapstructure:"transport"`

	// Protocol holds the sync protocol timings and limits
	Protocol ProtocolConfig `mapstructure:"protocol"`

	// Security holds the shared network key used to derive session keys
	Security SecurityConfig `mapstructure:"security"`

	// PeerCache controls the warm-start peer address store
	PeerCache PeerCacheConfig `mapstructure:"peer_cache"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs. Rotation
// applies to each file path listed in Outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// TransportConfig selects the wire transport.
type TransportConfig struct {
	// Kind: mem, udp, or quic
	Kind string `mapstructure:"kind"`
	// Listen local bind address for udp/quic
	Listen string `mapstructure:"listen"`
	// Broadcast destination address for udp broadcast frames
	Broadcast string `mapstructure:"broadcast"`
	// Peers static peer addresses for quic fan-out
	Peers []string `mapstructure:"peers"`
}

// ProtocolConfig tunes the sync state machine. Zero values fall back to the
// protocol defaults.
type ProtocolConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	DiscoveryWindow   time.Duration `mapstructure:"discovery_window"`
	ResponseTimeout   time.Duration `mapstructure:"response_timeout"`
	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	RouteTimeout      time.Duration `mapstructure:"route_timeout"`
	MaxHops           int           `mapstructure:"max_hops"`
	ChildCapacity     int           `mapstructure:"child_capacity"`
	MessageTTL        int           `mapstructure:"message_ttl"`

	// Codec selects the wire format: cbor (default) or json.
	Codec string `mapstructure:"codec"`
}

// SecurityConfig holds message authentication settings.
type SecurityConfig struct {
	// NetworkKey shared secret; empty disables signing (bootstrap mode)
	NetworkKey string `mapstructure:"network_key"`
}

// PeerCacheConfig controls the persistent peer address cache.
type PeerCacheConfig struct {
	Enable bool `mapstructure:"enable"`
	// Path db file path; empty derives <data_dir>/peers.db
	Path   string        `mapstructure:"path"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "arxlink-node",
		DataDir: "./data",
		NodeID:  "node-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:   "udp",
			Listen: ":7878",
		},
		Protocol: ProtocolConfig{
			HeartbeatInterval: 10 * time.Second,
			SyncInterval:      30 * time.Second,
			CleanupInterval:   60 * time.Second,
			DiscoveryWindow:   60 * time.Second,
			ResponseTimeout:   5 * time.Second,
			StaleTimeout:      5 * time.Minute,
			RouteTimeout:      5 * time.Minute,
			MaxHops:           15,
			ChildCapacity:     8,
			MessageTTL:        10,
			Codec:             "cbor",
		},
		PeerCache: PeerCacheConfig{
			Enable: true,
			MaxAge: 24 * time.Hour,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix ARXLINK and `.`/`-` are replaced with `_`.
// Example: ARXLINK_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ARXLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("address", cfg.Address)
	v.SetDefault("capabilities", cfg.Capabilities)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.listen", cfg.Transport.Listen)
	v.SetDefault("transport.broadcast", cfg.Transport.Broadcast)
	v.SetDefault("transport.peers", cfg.Transport.Peers)
	v.SetDefault("protocol.heartbeat_interval", cfg.Protocol.HeartbeatInterval)
	v.SetDefault("protocol.sync_interval", cfg.Protocol.SyncInterval)
	v.SetDefault("protocol.cleanup_interval", cfg.Protocol.CleanupInterval)
	v.SetDefault("protocol.discovery_window", cfg.Protocol.DiscoveryWindow)
	v.SetDefault("protocol.response_timeout", cfg.Protocol.ResponseTimeout)
	v.SetDefault("protocol.stale_timeout", cfg.Protocol.StaleTimeout)
	v.SetDefault("protocol.route_timeout", cfg.Protocol.RouteTimeout)
	v.SetDefault("protocol.max_hops", cfg.Protocol.MaxHops)
	v.SetDefault("protocol.child_capacity", cfg.Protocol.ChildCapacity)
	v.SetDefault("protocol.message_ttl", cfg.Protocol.MessageTTL)
	v.SetDefault("protocol.codec", cfg.Protocol.Codec)
	v.SetDefault("security.network_key", cfg.Security.NetworkKey)
	v.SetDefault("peer_cache.enable", cfg.PeerCache.Enable)
	v.SetDefault("peer_cache.path", cfg.PeerCache.Path)
	v.SetDefault("peer_cache.max_age", cfg.PeerCache.MaxAge)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("ARXLINK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `arxlink`
		v.SetConfigName("arxlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".arxlink"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node-1"
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "mem", "udp", "quic":
		// ok
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}

	c.Protocol.Codec = strings.ToLower(strings.TrimSpace(c.Protocol.Codec))
	switch c.Protocol.Codec {
	case "":
		c.Protocol.Codec = "cbor"
	case "cbor", "json":
		// ok
	default:
		return fmt.Errorf("invalid protocol.codec: %q", c.Protocol.Codec)
	}

	if c.PeerCache.Enable && strings.TrimSpace(c.PeerCache.Path) == "" {
		c.PeerCache.Path = filepath.Join(c.DataDir, "peers.db")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
