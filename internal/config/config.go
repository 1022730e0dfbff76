package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/js8net/internal/protocol/session"
)

var ErrInvalid = errors.New("config invalid")

// Config is the resolved daemon configuration.
type Config struct {
	Station StationConfig
	Peer    PeerConfig
	Relay   RelayConfig
	Inbound InboundConfig
	Metrics MetricsConfig
	Log     LogConfig
}

type StationConfig struct {
	Call string
	Grid string
	Info string
}

type PeerConfig struct {
	Enabled    bool
	ID         string
	Server     string
	Port       uint16
	Interfaces []string
	TTL        int
	Inbound    bool
	Heartbeat  time.Duration
	Blocked    []string
}

type RelayConfig struct {
	Enabled         bool
	Host            string
	Port            uint16
	Incoming        bool
	SkipPercent     int
	Passcode        string
	RequireLoginAck bool
	FlushInterval   time.Duration
	PacketTimeout   time.Duration
	ReconnectDelay  time.Duration
	ConnectTimeout  time.Duration
}

type InboundConfig struct {
	Enabled bool
	Aging   time.Duration
	// Stations are always treated as heard.
	Stations []string
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level string
	JSON  bool
}

func Default() Config {
	s := session.DefaultConfig()
	return Config{
		Peer: PeerConfig{
			Enabled:    true,
			ID:         "JS8Call",
			Server:     "127.0.0.1",
			Port:       2237,
			Interfaces: []string{},
			TTL:        1,
			Inbound:    true,
			Heartbeat:  s.HeartbeatInterval,
			Blocked:    []string{},
		},
		Relay: RelayConfig{
			Host:           "rotate.aprs2.net",
			Port:           14580,
			FlushInterval:  s.FlushInterval,
			PacketTimeout:  s.PacketTimeout,
			ReconnectDelay: s.ReconnectDelay,
			ConnectTimeout: s.ConnectTimeout,
		},
		Inbound: InboundConfig{
			Aging:    2 * time.Hour,
			Stations: []string{},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// fileConfig mirrors the TOML layout. Durations are strings.
type fileConfig struct {
	Station fileStation `toml:"station"`
	Peer    filePeer    `toml:"peer"`
	Relay   fileRelay   `toml:"relay"`
	Inbound fileInbound `toml:"inbound"`
	Metrics fileMetrics `toml:"metrics"`
	Log     fileLog     `toml:"log"`
}

type fileStation struct {
	Call string `toml:"call"`
	Grid string `toml:"grid"`
	Info string `toml:"info"`
}

type filePeer struct {
	Enabled    bool     `toml:"enabled"`
	ID         string   `toml:"id"`
	Server     string   `toml:"server"`
	Port       int      `toml:"port"`
	Interfaces []string `toml:"interfaces"`
	TTL        int      `toml:"ttl"`
	Inbound    bool     `toml:"inbound"`
	Heartbeat  string   `toml:"heartbeat"`
	Blocked    []string `toml:"blocked"`
}

type fileRelay struct {
	Enabled         bool   `toml:"enabled"`
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	Incoming        bool   `toml:"incoming"`
	SkipPercent     int    `toml:"skip_percent"`
	Passcode        string `toml:"passcode"`
	RequireLoginAck bool   `toml:"require_login_ack"`
	FlushInterval   string `toml:"flush_interval"`
	PacketTimeout   string `toml:"packet_timeout"`
	ReconnectDelay  string `toml:"reconnect_delay"`
	ConnectTimeout  string `toml:"connect_timeout"`
}

type fileInbound struct {
	Enabled      bool     `toml:"enabled"`
	AgingMinutes int      `toml:"aging_minutes"`
	Stations     []string `toml:"stations"`
}

type fileMetrics struct {
	Addr string `toml:"addr"`
}

type fileLog struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Load reads path over Default. Keys missing from the file keep their
// defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	return cfg, nil
}

// Decode parses TOML text over Default.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	return cfg, Validate(cfg)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("station", "call") {
		cfg.Station.Call = strings.ToUpper(strings.TrimSpace(raw.Station.Call))
	}
	if meta.IsDefined("station", "grid") {
		cfg.Station.Grid = strings.TrimSpace(raw.Station.Grid)
	}
	if meta.IsDefined("station", "info") {
		cfg.Station.Info = strings.TrimSpace(raw.Station.Info)
	}

	if meta.IsDefined("peer", "enabled") {
		cfg.Peer.Enabled = raw.Peer.Enabled
	}
	if meta.IsDefined("peer", "id") {
		cfg.Peer.ID = strings.TrimSpace(raw.Peer.ID)
	}
	if meta.IsDefined("peer", "server") {
		cfg.Peer.Server = strings.TrimSpace(raw.Peer.Server)
	}
	if meta.IsDefined("peer", "port") {
		port, err := parsePort("peer.port", raw.Peer.Port)
		if err != nil {
			return Config{}, err
		}
		cfg.Peer.Port = port
	}
	if meta.IsDefined("peer", "interfaces") {
		cfg.Peer.Interfaces = normalizeList(raw.Peer.Interfaces)
	}
	if meta.IsDefined("peer", "ttl") {
		cfg.Peer.TTL = raw.Peer.TTL
	}
	if meta.IsDefined("peer", "inbound") {
		cfg.Peer.Inbound = raw.Peer.Inbound
	}
	if meta.IsDefined("peer", "heartbeat") {
		d, err := parseDuration("peer.heartbeat", raw.Peer.Heartbeat)
		if err != nil {
			return Config{}, err
		}
		cfg.Peer.Heartbeat = d
	}
	if meta.IsDefined("peer", "blocked") {
		cfg.Peer.Blocked = normalizeList(raw.Peer.Blocked)
	}

	if meta.IsDefined("relay", "enabled") {
		cfg.Relay.Enabled = raw.Relay.Enabled
	}
	if meta.IsDefined("relay", "host") {
		cfg.Relay.Host = strings.TrimSpace(raw.Relay.Host)
	}
	if meta.IsDefined("relay", "port") {
		port, err := parsePort("relay.port", raw.Relay.Port)
		if err != nil {
			return Config{}, err
		}
		cfg.Relay.Port = port
	}
	if meta.IsDefined("relay", "incoming") {
		cfg.Relay.Incoming = raw.Relay.Incoming
	}
	if meta.IsDefined("relay", "skip_percent") {
		cfg.Relay.SkipPercent = raw.Relay.SkipPercent
	}
	if meta.IsDefined("relay", "passcode") {
		cfg.Relay.Passcode = strings.TrimSpace(raw.Relay.Passcode)
	}
	if meta.IsDefined("relay", "require_login_ack") {
		cfg.Relay.RequireLoginAck = raw.Relay.RequireLoginAck
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"flush_interval", raw.Relay.FlushInterval, &cfg.Relay.FlushInterval},
		{"packet_timeout", raw.Relay.PacketTimeout, &cfg.Relay.PacketTimeout},
		{"reconnect_delay", raw.Relay.ReconnectDelay, &cfg.Relay.ReconnectDelay},
		{"connect_timeout", raw.Relay.ConnectTimeout, &cfg.Relay.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("relay", d.key) {
			continue
		}
		v, err := parseDuration("relay."+d.key, d.raw)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	if meta.IsDefined("inbound", "enabled") {
		cfg.Inbound.Enabled = raw.Inbound.Enabled
	}
	if meta.IsDefined("inbound", "aging_minutes") {
		cfg.Inbound.Aging = time.Duration(raw.Inbound.AgingMinutes) * time.Minute
	}
	if meta.IsDefined("inbound", "stations") {
		cfg.Inbound.Stations = normalizeList(raw.Inbound.Stations)
		for i, call := range cfg.Inbound.Stations {
			cfg.Inbound.Stations[i] = strings.ToUpper(call)
		}
	}

	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Peer.Enabled && cfg.Peer.Port == 0 {
		return fmt.Errorf("%w: peer.port required when peer is enabled", ErrInvalid)
	}
	if cfg.Peer.TTL < 0 || cfg.Peer.TTL > 255 {
		return fmt.Errorf("%w: peer.ttl %d out of range", ErrInvalid, cfg.Peer.TTL)
	}
	if cfg.Relay.Enabled {
		if cfg.Station.Call == "" {
			return fmt.Errorf("%w: station.call required when relay is enabled", ErrInvalid)
		}
		if cfg.Relay.Host == "" || cfg.Relay.Port == 0 {
			return fmt.Errorf("%w: relay.host and relay.port required when relay is enabled", ErrInvalid)
		}
	}
	if cfg.Relay.SkipPercent < 0 || cfg.Relay.SkipPercent > 100 {
		return fmt.Errorf("%w: relay.skip_percent %d not in 0-100", ErrInvalid, cfg.Relay.SkipPercent)
	}
	if cfg.Relay.Passcode != "" {
		if _, err := strconv.ParseUint(cfg.Relay.Passcode, 10, 16); err != nil {
			return fmt.Errorf("%w: relay.passcode %q is not a number", ErrInvalid, cfg.Relay.Passcode)
		}
	}
	if cfg.Inbound.Aging < 0 {
		return fmt.Errorf("%w: inbound.aging_minutes is negative", ErrInvalid)
	}
	return nil
}

func parsePort(key string, v int) (uint16, error) {
	if v < 0 || v > 65535 {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrInvalid, key, v)
	}
	return uint16(v), nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
