// Package config loads the relay node's configuration from the environment
// (MESHPATH_* variables) with an optional config file, and derives the ICE
// server list advertised on /ice.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr    = "127.0.0.1:8765"
	DefaultShutdown      = 15 * time.Second
	DefaultPoolDir       = "./message_pool"
	DefaultPoolTTL       = 24 * time.Hour
	DefaultSweepInterval = 1 * time.Hour
	DefaultChallengeTTL  = 2 * time.Minute

	DefaultMaxSignalingMessageBytes = 64 * 1024
	DefaultMaxPoolDataBytes         = 1 << 20 // 1MiB

	DefaultPollInterval = 4 * time.Second

	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultTURNRestTTL                   = 1 * time.Hour
)

type Config struct {
	// ListenAddr is the TCP address the HTTP/WebSocket server binds to.
	ListenAddr string
	// PublicHost is the externally advertised host. When set it overrides the
	// request host in the currentOrigin hint returned on /ice.
	PublicHost string

	LogFormat string // json, text, or pretty
	LogLevel  string // debug, info, warn, error

	ShutdownTimeout time.Duration

	// Message pool store.
	PoolDir          string
	PoolTTL          time.Duration
	PoolSweepEvery   time.Duration
	PeerRelays       []string
	MaxPoolDataBytes int

	// Signaling.
	ChallengeTTL                  time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int64

	// TURN REST credentials. When TURNRestSecret is set, /ice mints
	// short-lived coturn-compatible credentials for TURNRestURLs instead
	// of advertising static TURN credentials.
	TURNRestSecret string
	TURNRestURLs   []string
	TURNRestTTL    time.Duration

	// ICE servers advertised to clients. The embedded STUN/TURN relay is an
	// external collaborator; the core only advertises its address.
	ICEServers []webrtc.ICEServer

	// UDP port range advertised for the media transport.
	UDPPortMin uint16
	UDPPortMax uint16
}

func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESHPATH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("public_host", "")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", DefaultShutdown)
	v.SetDefault("pool_dir", DefaultPoolDir)
	v.SetDefault("pool_ttl", DefaultPoolTTL)
	v.SetDefault("pool_sweep_interval", DefaultSweepInterval)
	v.SetDefault("peer_relays", "")
	v.SetDefault("challenge_ttl", DefaultChallengeTTL)
	v.SetDefault("max_signaling_message_bytes", DefaultMaxSignalingMessageBytes)
	v.SetDefault("max_signaling_messages_per_second", DefaultMaxSignalingMessagesPerSecond)
	v.SetDefault("turn_rest_secret", "")
	v.SetDefault("turn_rest_urls", "")
	v.SetDefault("turn_rest_ttl", DefaultTURNRestTTL)
	v.SetDefault("ice_servers_json", "")
	v.SetDefault("stun_urls", "")
	v.SetDefault("turn_urls", "")
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_credential", "")
	v.SetDefault("udp_port_min", 0)
	v.SetDefault("udp_port_max", 0)

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		ListenAddr:      v.GetString("listen_addr"),
		PublicHost:      v.GetString("public_host"),
		LogFormat:       v.GetString("log_format"),
		LogLevel:        v.GetString("log_level"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),

		PoolDir:          v.GetString("pool_dir"),
		PoolTTL:          v.GetDuration("pool_ttl"),
		PoolSweepEvery:   v.GetDuration("pool_sweep_interval"),
		PeerRelays:       splitCommaSeparated(v.GetString("peer_relays")),
		MaxPoolDataBytes: DefaultMaxPoolDataBytes,

		ChallengeTTL:                  v.GetDuration("challenge_ttl"),
		MaxSignalingMessageBytes:      v.GetInt64("max_signaling_message_bytes"),
		MaxSignalingMessagesPerSecond: v.GetInt64("max_signaling_messages_per_second"),

		TURNRestSecret: v.GetString("turn_rest_secret"),
		TURNRestURLs:   splitCommaSeparated(v.GetString("turn_rest_urls")),
		TURNRestTTL:    v.GetDuration("turn_rest_ttl"),

		UDPPortMin: uint16(v.GetUint32("udp_port_min")),
		UDPPortMax: uint16(v.GetUint32("udp_port_max")),
	}

	iceServers, err := parseICEServersFromValues(
		v.GetString("ice_servers_json"),
		v.GetString("stun_urls"),
		v.GetString("turn_urls"),
		v.GetString("turn_username"),
		v.GetString("turn_credential"),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr must not be empty")
	}
	if c.PoolDir == "" {
		return errors.New("pool dir must not be empty")
	}
	if c.PoolTTL <= 0 {
		return errors.New("pool ttl must be positive")
	}
	if c.PoolSweepEvery <= 0 {
		return errors.New("pool sweep interval must be positive")
	}
	if c.ChallengeTTL <= 0 {
		return errors.New("challenge ttl must be positive")
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return errors.New("max signaling message bytes must be positive")
	}
	if c.MaxSignalingMessagesPerSecond < 0 {
		return errors.New("max signaling messages per second must not be negative")
	}
	if c.TURNRestSecret != "" {
		if len(c.TURNRestURLs) == 0 {
			return errors.New("turn rest secret set but no turn rest urls")
		}
		if c.TURNRestTTL <= 0 {
			return errors.New("turn rest ttl must be positive")
		}
	}
	if c.UDPPortMin > c.UDPPortMax {
		return fmt.Errorf("udp port range inverted: %d > %d", c.UDPPortMin, c.UDPPortMax)
	}
	for _, peer := range c.PeerRelays {
		u, err := url.Parse(peer)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("peer relay %q is not an http(s) url", peer)
		}
	}
	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	return nil
}

// LocalOrigin is the development origin hint reported on /ice.
func (c Config) LocalOrigin() string {
	_, port, ok := strings.Cut(c.ListenAddr, ":")
	if !ok || port == "" {
		return "http://localhost"
	}
	return "http://localhost:" + port
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSuffix(strings.TrimSpace(part), "/")
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
