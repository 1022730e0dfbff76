package session

import "time"

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session timing defaults.
type Config struct {
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration
	PacketTimeout     time.Duration
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	CommentLimit      int
	Backoff           BackoffConfig
}

// DefaultConfig returns the defaults both clients run with.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		FlushInterval:     60 * time.Second,
		PacketTimeout:     300 * time.Second,
		ReconnectDelay:    5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      10 * time.Second,
		CommentLimit:      42,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// Normalize fills zero durations with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.PacketTimeout <= 0 {
		c.PacketTimeout = d.PacketTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CommentLimit <= 0 {
		c.CommentLimit = d.CommentLimit
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
