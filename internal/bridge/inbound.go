// Package bridge connects the protocol clients to the rest of the
// application: relayed APRS-IS messages become outgoing JS8 messages, and
// peer requests become application commands.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/js8net/internal/aprs"
	"github.com/danmuck/js8net/internal/clock"
	"github.com/danmuck/js8net/internal/observability"
	"github.com/danmuck/js8net/internal/relay"
	"github.com/rs/zerolog"
)

// CallActivity is what the heard list knows about a station.
type CallActivity struct {
	Heard     bool
	LastHeard time.Time
}

type InboundConfig struct {
	Enabled bool
	// Aging drops destinations not heard within this window. Zero keeps
	// every heard station.
	Aging time.Duration
}

// InboundRelay forwards APRS-IS messages addressed to recently heard
// stations as "@APRSIS MSG" transmissions.
type InboundRelay struct {
	mu      sync.RWMutex
	cfg     InboundConfig
	clock   clock.Clock
	lookup  func(call string) CallActivity
	notice  func(utc time.Time, text string)
	enqueue func(text string)
	logger  zerolog.Logger
}

var _ relay.Handler = (*InboundRelay)(nil)

// NewInboundRelay wires the heard-list lookup, operator notices and the
// transmit queue. Nil callbacks are skipped.
func NewInboundRelay(cfg InboundConfig, c clock.Clock, lookup func(string) CallActivity, notice func(time.Time, string), enqueue func(string)) *InboundRelay {
	if c == nil {
		c = clock.System{}
	}
	return &InboundRelay{
		cfg:     cfg,
		clock:   c,
		lookup:  lookup,
		notice:  notice,
		enqueue: enqueue,
		logger:  observability.Component("bridge"),
	}
}

func (r *InboundRelay) Message(m aprs.Message) {
	r.Handle(m)
}

func (r *InboundRelay) Error(err error) {
	r.logger.Warn().Err(err).Msg("relay error")
}

func (r *InboundRelay) SetConfig(cfg InboundConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Handle relays m and reports whether it was queued for transmit.
func (r *InboundRelay) Handle(m aprs.Message) bool {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()
	if !cfg.Enabled {
		r.logger.Debug().Str("from", m.From).Msg("inbound relay disabled")
		return false
	}
	var info CallActivity
	if r.lookup != nil {
		info = r.lookup(m.To)
	}
	if !info.Heard {
		r.logger.Debug().Str("to", m.To).Msg("inbound relay destination not heard")
		return false
	}
	now := r.clock.Now()
	if cfg.Aging > 0 && now.Sub(info.LastHeard) > cfg.Aging {
		r.logger.Debug().Str("to", m.To).Time("last_heard", info.LastHeard).Msg("inbound relay destination aged out")
		return false
	}

	text := aprs.StripChecksum(m.Text)
	msg := fmt.Sprintf("@APRSIS MSG to:%s %s DE %s", m.To, text, m.From)
	r.logger.Info().Str("from", m.From).Str("to", m.To).Msg("inbound relay queued")
	if r.notice != nil {
		r.notice(now, fmt.Sprintf("APRS-IS Relay: %s -> %s: %s", m.From, m.To, text))
	}
	if r.enqueue != nil {
		r.enqueue(msg)
	}
	return true
}
