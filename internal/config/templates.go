package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders the defaults as a TOML file.
func Template() (string, error) {
	b, err := toml.Marshal(toFile(Default()))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(b), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(c Config) fileConfig {
	return fileConfig{
		Station: fileStation{Call: c.Station.Call, Grid: c.Station.Grid, Info: c.Station.Info},
		Peer: filePeer{
			Enabled:    c.Peer.Enabled,
			ID:         c.Peer.ID,
			Server:     c.Peer.Server,
			Port:       int(c.Peer.Port),
			Interfaces: nonNil(c.Peer.Interfaces),
			TTL:        c.Peer.TTL,
			Inbound:    c.Peer.Inbound,
			Heartbeat:  c.Peer.Heartbeat.String(),
			Blocked:    nonNil(c.Peer.Blocked),
		},
		Relay: fileRelay{
			Enabled:         c.Relay.Enabled,
			Host:            c.Relay.Host,
			Port:            int(c.Relay.Port),
			Incoming:        c.Relay.Incoming,
			SkipPercent:     c.Relay.SkipPercent,
			Passcode:        c.Relay.Passcode,
			RequireLoginAck: c.Relay.RequireLoginAck,
			FlushInterval:   c.Relay.FlushInterval.String(),
			PacketTimeout:   c.Relay.PacketTimeout.String(),
			ReconnectDelay:  c.Relay.ReconnectDelay.String(),
			ConnectTimeout:  c.Relay.ConnectTimeout.String(),
		},
		Inbound: fileInbound{
			Enabled:      c.Inbound.Enabled,
			AgingMinutes: int(c.Inbound.Aging.Minutes()),
			Stations:     nonNil(c.Inbound.Stations),
		},
		Metrics: fileMetrics{Addr: c.Metrics.Addr},
		Log:     fileLog{Level: c.Log.Level, JSON: c.Log.JSON},
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
