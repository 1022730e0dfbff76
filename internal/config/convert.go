package config

import (
	"github.com/danmuck/js8net/internal/bridge"
	"github.com/danmuck/js8net/internal/peer"
	"github.com/danmuck/js8net/internal/relay"
	"github.com/danmuck/js8net/internal/station"
)

func (c Config) Identity() station.Identity {
	return station.Identity{Call: c.Station.Call, Grid: c.Station.Grid, Info: c.Station.Info}
}

// PeerClient builds the peer client configuration. version and revision
// are announced in heartbeats.
func (c Config) PeerClient(version, revision string) peer.Config {
	out := peer.DefaultConfig()
	if c.Peer.ID != "" {
		out.ID = c.Peer.ID
	}
	out.Version = version
	out.Revision = revision
	out.Port = c.Peer.Port
	out.TTL = c.Peer.TTL
	out.Inbound = c.Peer.Inbound
	if c.Peer.Heartbeat > 0 {
		out.HeartbeatInterval = c.Peer.Heartbeat
	}
	out.Blocked = append([]string(nil), c.Peer.Blocked...)
	return out
}

func (c Config) RelayClient() relay.Config {
	out := relay.DefaultConfig()
	out.Host = c.Relay.Host
	out.Port = c.Relay.Port
	out.RelayEnabled = c.Relay.Incoming
	out.SkipPercent = c.Relay.SkipPercent
	out.Passcode = c.Relay.Passcode
	out.RequireLoginAck = c.Relay.RequireLoginAck
	out.FlushInterval = c.Relay.FlushInterval
	out.PacketTimeout = c.Relay.PacketTimeout
	out.ReconnectDelay = c.Relay.ReconnectDelay
	out.ConnectTimeout = c.Relay.ConnectTimeout
	return out
}

func (c Config) InboundRelay() bridge.InboundConfig {
	return bridge.InboundConfig{Enabled: c.Inbound.Enabled, Aging: c.Inbound.Aging}
}
