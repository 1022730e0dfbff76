package relay

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/js8net/internal/aprs"
	"github.com/danmuck/js8net/internal/clock"
	"github.com/danmuck/js8net/internal/observability"
	"github.com/danmuck/js8net/internal/protocol/session"
	"github.com/danmuck/js8net/internal/station"
	"github.com/rs/zerolog/log"
)

var (
	ErrDial         = errors.New("relay: dial failed")
	ErrWrite        = errors.New("relay: write failed")
	ErrConnLost     = errors.New("relay: connection lost")
	ErrNotConnected = errors.New("relay: not connected")
	ErrClientClosed = errors.New("relay: client closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedUnauthenticated
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedUnauthenticated:
		return "connected_unauthenticated"
	case StateLoggedIn:
		return "logged_in"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config is the static relay configuration.
type Config struct {
	Host         string
	Port         uint16
	RelayEnabled bool
	// SkipPercent is the chance, 0-100, that a queued line is held back
	// for a later pass.
	SkipPercent int
	// Passcode, when set, must match the passcode derived from the local
	// call before anything is queued.
	Passcode string
	// RequireLoginAck holds the queue until the server answers the login
	// with a "# logresp" line.
	RequireLoginAck bool

	PacketTimeout  time.Duration
	ReconnectDelay time.Duration
	FlushInterval  time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	CommentLimit   int
}

func DefaultConfig() Config {
	s := session.DefaultConfig()
	return Config{
		PacketTimeout:  s.PacketTimeout,
		ReconnectDelay: s.ReconnectDelay,
		FlushInterval:  s.FlushInterval,
		ConnectTimeout: s.ConnectTimeout,
		WriteTimeout:   s.WriteTimeout,
		CommentLimit:   s.CommentLimit,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.PacketTimeout <= 0 {
		c.PacketTimeout = d.PacketTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
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
	c.Host = strings.TrimSpace(c.Host)
	c.Passcode = strings.TrimSpace(c.Passcode)
	c.SkipPercent = clampPercent(c.SkipPercent)
	return c
}

// Event is an input to Machine.Step.
type Event interface{ relayEvent() }

type Enqueue struct{ Text string }

type SetStation struct{ Station station.Identity }

type SetServer struct {
	Host string
	Port uint16
}

type SetRelayEnabled struct{ Enabled bool }

type SetSkipPercent struct{ Percent int }

type Connected struct{ Attempt uint64 }

type DialFailed struct {
	Attempt uint64
	Err     error
}

type Disconnected struct {
	Attempt uint64
	Err     error
}

// WriteFailed returns the entries that did not reach the socket.
type WriteFailed struct {
	Attempt uint64
	Unsent  []session.Entry
	Err     error
}

type Line struct {
	Attempt uint64
	Text    string
}

type Flush struct{}

type Reconnect struct{}

func (Enqueue) relayEvent()         {}
func (SetStation) relayEvent()      {}
func (SetServer) relayEvent()       {}
func (SetRelayEnabled) relayEvent() {}
func (SetSkipPercent) relayEvent()  {}
func (Connected) relayEvent()       {}
func (DialFailed) relayEvent()      {}
func (Disconnected) relayEvent()    {}
func (WriteFailed) relayEvent()     {}
func (Line) relayEvent()            {}
func (Flush) relayEvent()           {}
func (Reconnect) relayEvent()       {}

// Effect is an action the runtime must carry out, in order.
type Effect interface{ relayEffect() }

type Dial struct {
	Attempt uint64
	Host    string
	Port    uint16
}

// Write sends Line on the connection opened by Attempt. Login lines carry
// no queue entry.
type Write struct {
	Attempt uint64
	Line    string
	Entry   session.Entry
	Login   bool
}

type Close struct{ Attempt uint64 }

type ScheduleReconnect struct{ After time.Duration }

type Deliver struct{ Message aprs.Message }

type Report struct{ Err error }

func (Dial) relayEffect()              {}
func (Write) relayEffect()             {}
func (Close) relayEffect()             {}
func (ScheduleReconnect) relayEffect() {}
func (Deliver) relayEffect()           {}
func (Report) relayEffect()            {}

// Machine is the relay session state. It is not safe for concurrent use.
type Machine struct {
	cfg   Config
	clock clock.Clock
	rand  func(n int) int
	queue *session.Queue

	state            State
	station          station.Identity
	host             string
	port             uint16
	relayEnabled     bool
	skip             int
	attempt          uint64
	reconnectPending bool
}

// NewMachine builds a machine. rand returns a value in [0, n).
func NewMachine(cfg Config, c clock.Clock, rand func(n int) int) *Machine {
	cfg = cfg.normalize()
	return &Machine{
		cfg:          cfg,
		clock:        c,
		rand:         rand,
		queue:        session.NewQueue(),
		host:         cfg.Host,
		port:         cfg.Port,
		relayEnabled: cfg.RelayEnabled,
		skip:         cfg.SkipPercent,
	}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) RelayEnabled() bool { return m.relayEnabled }

// Queued returns the pending entries in send order.
func (m *Machine) Queued() []session.Entry { return m.queue.Snapshot() }

// PasscodeValid reports whether the local call may log in.
func (m *Machine) PasscodeValid() bool {
	if station.Root(strings.TrimSpace(m.station.Call)) == "" {
		return false
	}
	if m.cfg.Passcode == "" {
		return true
	}
	code, err := strconv.ParseUint(m.cfg.Passcode, 10, 16)
	if err != nil {
		return false
	}
	return aprs.VerifyPasscode(m.station.Call, uint16(code))
}

func (m *Machine) Step(ev Event) []Effect {
	var out []Effect
	switch e := ev.(type) {
	case Enqueue:
		out = m.enqueue(e.Text)
	case SetStation:
		m.station = e.Station
		// persistent mode connects as soon as there is a call to log in with
		if m.relayEnabled && m.state == StateDisconnected && !m.reconnectPending {
			out = m.processQueue(false)
		}
	case SetServer:
		out = m.setServer(e.Host, e.Port)
	case SetRelayEnabled:
		out = m.setRelayEnabled(e.Enabled)
	case SetSkipPercent:
		m.skip = clampPercent(e.Percent)
	case Connected:
		if e.Attempt != m.attempt || m.state != StateConnecting {
			return nil
		}
		out = m.connected()
	case DialFailed:
		if e.Attempt != m.attempt || m.state != StateConnecting {
			return nil
		}
		m.state = StateDisconnected
		observability.RecordRelaySession(observability.RelaySessionDialFailed)
		out = []Effect{Report{Err: fmt.Errorf("%w: %s: %w", ErrDial, m.addr(), e.Err)}}
	case Disconnected:
		if !m.current(e.Attempt) {
			return nil
		}
		if e.Err != nil {
			out = append(out, Report{Err: fmt.Errorf("%w: %s: %w", ErrConnLost, m.addr(), e.Err)})
		}
		out = append(out, m.disconnected()...)
	case WriteFailed:
		if !m.current(e.Attempt) {
			return nil
		}
		m.queue.PushFront(e.Unsent...)
		out = []Effect{Close{Attempt: m.attempt}, Report{Err: fmt.Errorf("%w: %s: %w", ErrWrite, m.addr(), e.Err)}}
		out = append(out, m.disconnected()...)
	case Line:
		if !m.current(e.Attempt) {
			return nil
		}
		out = m.line(e.Text)
	case Flush:
		if m.queue.Len() > 0 || m.relayEnabled {
			out = m.processQueue(true)
		}
	case Reconnect:
		m.reconnectPending = false
		if m.relayEnabled && !m.open() {
			out = m.processQueue(false)
		}
	}
	observability.SetRelayQueueDepth(m.queue.Len())
	return out
}

func (m *Machine) addr() string {
	return net.JoinHostPort(m.host, strconv.Itoa(int(m.port)))
}

func (m *Machine) open() bool {
	return m.state == StateConnectedUnauthenticated || m.state == StateLoggedIn
}

// current reports whether a connection event belongs to the open session.
func (m *Machine) current(attempt uint64) bool {
	return attempt == m.attempt && m.open()
}

func (m *Machine) enqueue(text string) []Effect {
	if !m.PasscodeValid() {
		log.Debug().Str("component", "relay").Str("call", m.station.Call).Msg("relay enqueue ignored, no valid passcode")
		return nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	m.queue.Push(session.Entry{Text: text, QueuedAt: m.clock.Now()})
	return m.processQueue(true)
}

func (m *Machine) setServer(host string, port uint16) []Effect {
	host = strings.TrimSpace(host)
	if host == m.host && port == m.port {
		return nil
	}
	m.host, m.port = host, port
	if m.state == StateDisconnected {
		return nil
	}
	out := []Effect{m.close()}
	if m.relayEnabled {
		out = append(out, m.processQueue(false)...)
	}
	return out
}

func (m *Machine) setRelayEnabled(enabled bool) []Effect {
	if m.relayEnabled == enabled {
		return nil
	}
	m.relayEnabled = enabled
	if enabled {
		return m.processQueue(false)
	}
	if m.open() && m.queue.Len() == 0 {
		return []Effect{m.close()}
	}
	return nil
}

func (m *Machine) connected() []Effect {
	m.state = StateConnectedUnauthenticated
	observability.RecordRelaySession(observability.RelaySessionConnected)
	filter := ""
	if m.relayEnabled {
		filter = aprs.RelayFilter
	}
	out := []Effect{Write{
		Attempt: m.attempt,
		Line:    aprs.LoginLine(m.station.Call, aprs.Passcode(m.station.Call), filter),
		Login:   true,
	}}
	if m.cfg.RequireLoginAck {
		return out
	}
	return append(out, m.loggedIn()...)
}

func (m *Machine) loggedIn() []Effect {
	m.state = StateLoggedIn
	observability.RecordRelaySession(observability.RelaySessionLoggedIn)
	return m.processQueue(!m.relayEnabled)
}

func (m *Machine) disconnected() []Effect {
	m.state = StateDisconnected
	observability.RecordRelaySession(observability.RelaySessionDisconnected)
	if !m.relayEnabled || m.reconnectPending {
		return nil
	}
	m.reconnectPending = true
	return []Effect{ScheduleReconnect{After: m.cfg.ReconnectDelay}}
}

func (m *Machine) close() Effect {
	c := Close{Attempt: m.attempt}
	m.state = StateDisconnected
	observability.RecordRelaySession(observability.RelaySessionDisconnected)
	return c
}

func (m *Machine) line(text string) []Effect {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if m.state == StateConnectedUnauthenticated && aprs.IsLoginResponse(text) {
		return m.loggedIn()
	}
	if aprs.IsComment(text) {
		return nil
	}
	msg, ok := aprs.ParseMessageLine(text)
	if !ok {
		log.Trace().Str("component", "relay").Str("line", text).Msg("relay line ignored")
		return nil
	}
	observability.RecordRelayInbound()
	return []Effect{Deliver{Message: msg}}
}

// processQueue drains the queue when logged in, or starts whatever the
// session needs first. With disconnect set and relaying off, the session
// is closed once nothing is left.
func (m *Machine) processQueue(disconnect bool) []Effect {
	if strings.TrimSpace(m.station.Call) == "" {
		return nil
	}
	if m.host == "" || m.port == 0 {
		for range m.queue.Len() {
			observability.RecordRelayFrame(observability.RelayFrameDiscarded)
		}
		m.queue.Clear()
		return nil
	}
	switch m.state {
	case StateDisconnected:
		m.attempt++
		m.state = StateConnecting
		return []Effect{Dial{Attempt: m.attempt, Host: m.host, Port: m.port}}
	case StateConnecting, StateConnectedUnauthenticated:
		return nil
	}

	now := m.clock.Now()
	var out []Effect
	var delayed []session.Entry
	for {
		e, ok := m.queue.Pop()
		if !ok {
			break
		}
		if e.Expired(now, m.cfg.PacketTimeout) {
			observability.RecordRelayFrame(observability.RelayFrameExpired)
			continue
		}
		if m.skip > 0 && m.rand(100) < m.skip {
			observability.RecordRelayFrame(observability.RelayFrameThrottled)
			delayed = append(delayed, e)
			continue
		}
		out = append(out, Write{Attempt: m.attempt, Line: e.Text, Entry: e})
	}
	for _, e := range delayed {
		m.queue.Push(e)
	}
	if disconnect && !m.relayEnabled && m.queue.Len() == 0 {
		out = append(out, m.close())
	}
	return out
}

func clampPercent(p int) int {
	return max(0, min(100, p))
}
