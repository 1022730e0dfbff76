package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/danmuck/js8net/internal/clock"
	"github.com/danmuck/js8net/internal/observability"
	"github.com/danmuck/js8net/internal/protocol"
	"github.com/danmuck/js8net/internal/protocol/frame"
	"github.com/danmuck/js8net/internal/protocol/schema"
	"github.com/danmuck/js8net/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrBroadcast    = errors.New("peer: IPv4 broadcast not supported, use loopback, a host address or a multicast group")
	ErrBlocked      = errors.New("peer: server address blocked")
	ErrLookup       = errors.New("peer: server lookup failed")
	ErrClientClosed = errors.New("peer: client closed")
	ErrNoAddresses  = errors.New("peer: lookup returned no addresses")
)

const (
	maxDatagramBytes = 64 * 1024
	// consecutive read errors tolerated before the reader gives up
	maxReadFailures = 64
)

// Config is the static client configuration.
type Config struct {
	ID                string
	Version           string
	Revision          string
	Port              uint16
	TTL               int
	Inbound           bool
	HeartbeatInterval time.Duration
	// Blocked lists server addresses that are refused.
	Blocked []string
	Limits  frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ID:                "JS8Call",
		TTL:               1,
		Inbound:           true,
		HeartbeatInterval: session.DefaultConfig().HeartbeatInterval,
		Limits:            frame.DefaultLimits(),
	}
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func WithResolver(r Resolver) Option {
	return func(cl *Client) { cl.resolver = r }
}

func WithListener(l ListenFunc) Option {
	return func(cl *Client) { cl.listen = l }
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Client is the peer protocol client.
type Client struct {
	cfg      Config
	handler  Handler
	clock    clock.Clock
	resolver Resolver
	listen   ListenFunc
	logger   zerolog.Logger

	ops  chan func()
	done chan struct{}

	// owned by the Run goroutine
	state        State
	server       netip.Addr
	host         string
	port         uint16
	ttl          int
	inbound      bool
	interfaces   []string
	blocked      map[netip.Addr]struct{}
	negotiated   uint32
	lookupID     uint64
	cancelLookup context.CancelFunc
	pending      [][]byte
	last         []byte
	sock         Socket
	sockGen      uint64
	boundNetwork string
	heartbeat    clock.Timer
	stopped      bool
}

func New(cfg Config, h Handler, opts ...Option) *Client {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = DefaultConfig().ID
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.Limits.MaxFieldBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if h == nil {
		h = NopHandler{}
	}
	c := &Client{
		cfg:        cfg,
		handler:    h,
		clock:      clock.System{},
		resolver:   net.DefaultResolver,
		listen:     ListenUDP,
		logger:     observability.Component("peer"),
		ops:        make(chan func(), 64),
		done:       make(chan struct{}),
		port:       cfg.Port,
		ttl:        cfg.TTL,
		inbound:    cfg.Inbound,
		negotiated: schema.Initial,
		blocked:    make(map[netip.Addr]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, raw := range cfg.Blocked {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			c.logger.Warn().Str("address", raw).Err(err).Msg("peer ignoring unparsable blocked address")
			continue
		}
		c.blocked[addr.Unmap()] = struct{}{}
	}
	return c
}

// Run processes client work until ctx ends or Close completes. Either
// way a bound client sends a best-effort Close frame first.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	c.scheduleHeartbeat()
	for {
		select {
		case <-ctx.Done():
			c.teardown(true)
			return ctx.Err()
		case op := <-c.ops:
			op()
			if c.stopped {
				return nil
			}
		}
	}
}

func (c *Client) post(op func()) {
	select {
	case c.ops <- op:
	case <-c.done:
	}
}

// call runs op on the client goroutine and waits for it.
func (c *Client) call(op func()) error {
	ran := make(chan struct{})
	c.post(func() {
		op()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-c.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClientClosed
		}
	}
}

// ConfigureServer points the client at a host name or literal address.
// Literal addresses bind immediately; names are looked up asynchronously
// and sends are queued until the lookup completes. A new call abandons
// any lookup still in flight.
func (c *Client) ConfigureServer(host string, interfaces []string) {
	ifaces := append([]string(nil), interfaces...)
	c.post(func() { c.configureServer(host, ifaces) })
}

func (c *Client) SetPort(port uint16) {
	c.post(func() { c.port = port })
}

func (c *Client) SetMulticastTTL(ttl int) {
	c.post(func() {
		c.ttl = ttl
		if c.sock != nil {
			if err := c.sock.SetMulticastTTL(ttl); err != nil {
				c.logger.Warn().Err(err).Int("ttl", ttl).Msg("peer set multicast ttl failed")
			}
		}
	})
}

// EnableInbound toggles dispatch of received frames. Datagrams are read
// and discarded while disabled.
func (c *Client) EnableInbound(enabled bool) {
	c.post(func() { c.inbound = enabled })
}

func (c *Client) SendHeartbeat() {
	c.post(c.sendHeartbeat)
}

func (c *Client) SendStatus(m protocol.Status) {
	c.post(func() { c.sendMessage(m, true, false) })
}

func (c *Client) SendDecode(m protocol.Decode) {
	c.post(func() { c.sendMessage(m, true, false) })
}

func (c *Client) SendQSOLogged(m protocol.QSOLogged) {
	c.post(func() { c.sendMessage(m, true, false) })
}

// SendLoggedADIF wraps record in the ADIF header WSJT-X listeners expect.
func (c *Client) SendLoggedADIF(record string) {
	m := protocol.WrapADIF(record)
	c.post(func() { c.sendMessage(m, true, false) })
}

func (c *Client) SendDecodesCleared() {
	c.post(func() { c.sendMessage(protocol.Clear{}, true, false) })
}

// Close sends a best-effort Close frame when bound, releases the socket
// and stops Run. It waits for Run to finish, so Run must be running.
func (c *Client) Close() error {
	c.post(func() { c.teardown(true) })
	<-c.done
	return nil
}

func (c *Client) State() State {
	var s State
	if err := c.call(func() { s = c.state }); err != nil {
		return StateInactive
	}
	return s
}

// Schema returns the negotiated schema number.
func (c *Client) Schema() uint32 {
	var s uint32
	_ = c.call(func() { s = c.negotiated })
	return s
}

func (c *Client) configureServer(host string, interfaces []string) {
	c.abandonLookup()
	c.interfaces = interfaces
	c.host = strings.TrimSpace(host)
	c.server = netip.Addr{}

	if c.host == "" {
		c.start()
		return
	}
	if addr, err := netip.ParseAddr(strings.Trim(c.host, "[]")); err == nil {
		c.server = addr.Unmap()
		c.state = StateResolved
		c.start()
		return
	}

	c.lookupID++
	id := c.lookupID
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelLookup = cancel
	c.state = StateResolving
	c.logger.Debug().Str("host", c.host).Uint64("lookup_id", id).Msg("peer lookup started")
	go func(host string) {
		addrs, err := c.resolver.LookupNetIP(ctx, "ip", host)
		c.post(func() { c.lookupDone(id, addrs, err) })
	}(c.host)
}

func (c *Client) abandonLookup() {
	if c.cancelLookup != nil {
		c.cancelLookup()
		c.cancelLookup = nil
	}
	c.lookupID++
}

func (c *Client) lookupDone(id uint64, addrs []netip.Addr, err error) {
	if id != c.lookupID {
		c.logger.Debug().Uint64("lookup_id", id).Msg("peer stale lookup ignored")
		return
	}
	if c.cancelLookup != nil {
		c.cancelLookup()
		c.cancelLookup = nil
	}
	if err == nil && len(addrs) == 0 {
		err = ErrNoAddresses
	}
	if err != nil {
		c.state = StateInactive
		c.dropPending()
		c.handler.Error(fmt.Errorf("%w: %s: %w", ErrLookup, c.host, err))
		return
	}
	c.server = addrs[0].Unmap()
	c.state = StateResolved
	c.start()
}

// start binds for the current server, announces us with a heartbeat and
// flushes anything queued during lookup.
func (c *Client) start() {
	if !c.server.IsValid() {
		c.state = StateInactive
		c.dropPending()
		return
	}
	if isBroadcast(c.server) {
		c.dropPending()
		c.handler.Error(ErrBroadcast)
		return
	}
	if _, ok := c.blocked[c.server]; ok {
		c.dropPending()
		c.handler.Error(fmt.Errorf("%w: %s", ErrBlocked, c.server))
		return
	}
	if err := c.bind(); err != nil {
		c.dropPending()
		c.handler.Error(fmt.Errorf("peer: bind: %w", err))
		return
	}
	c.state = StateBound
	c.logger.Info().Str("server", c.server.String()).Uint16("port", c.port).Msg("peer bound")

	c.sendHeartbeat()
	backlog := c.pending
	c.pending = nil
	for _, b := range backlog {
		c.sendFrame(b, true, false)
	}
}

func (c *Client) bind() error {
	network := networkFor(c.server)
	if c.sock != nil && c.boundNetwork == network {
		return nil
	}
	c.closeSocket()
	sock, err := c.listen(network)
	if err != nil {
		return err
	}
	if err := sock.SetMulticastTTL(c.ttl); err != nil {
		c.logger.Warn().Err(err).Int("ttl", c.ttl).Msg("peer set multicast ttl failed")
	}
	c.sock = sock
	c.sockGen++
	c.boundNetwork = network
	go c.readLoop(sock, c.sockGen)
	return nil
}

func (c *Client) closeSocket() {
	if c.sock == nil {
		return
	}
	_ = c.sock.Close()
	c.sock = nil
	c.boundNetwork = ""
}

// readLoop runs until the socket is closed, which is how a replaced
// socket generation ends it. Other read errors, such as ICMP-driven
// resets, are reported and reading continues.
func (c *Client) readLoop(sock Socket, gen uint64) {
	buf := make([]byte, maxDatagramBytes)
	failures := 0
	for {
		n, from, err := sock.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			c.post(func() {
				if gen == c.sockGen {
					c.handler.Error(fmt.Errorf("peer: read: %w", err))
				}
			})
			if failures >= maxReadFailures {
				c.logger.Error().Err(err).Int("failures", failures).Msg("peer read failing repeatedly, reader stopped")
				return
			}
			continue
		}
		failures = 0
		datagram := bytes.Clone(buf[:n])
		c.post(func() { c.receive(gen, from, datagram) })
	}
}

func (c *Client) dropPending() {
	for _, b := range c.pending {
		observability.RecordPeerDatagram(frameType(b), observability.DatagramDropped)
	}
	c.pending = nil
}

func (c *Client) scheduleHeartbeat() {
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() {
		c.post(func() {
			if c.stopped {
				return
			}
			c.sendHeartbeat()
			c.scheduleHeartbeat()
		})
	})
}

func (c *Client) sendHeartbeat() {
	c.sendMessage(protocol.Heartbeat{
		MaxSchema: schema.Max,
		Version:   c.cfg.Version,
		Revision:  c.cfg.Revision,
	}, false, true)
}

func (c *Client) sendMessage(m protocol.Message, queueIfPending, allowDuplicates bool) {
	b := protocol.Encode(c.cfg.ID, schema.Effective(c.negotiated), m)
	c.sendFrame(b, queueIfPending, allowDuplicates)
}

// sendFrame applies the send gates in order: port, address, broadcast,
// blocked, duplicate, then multicast fan-out.
func (c *Client) sendFrame(b []byte, queueIfPending, allowDuplicates bool) {
	typ := frameType(b)
	if c.port == 0 {
		observability.RecordPeerDatagram(typ, observability.DatagramDropped)
		return
	}
	if !c.server.IsValid() {
		if c.state == StateResolving && queueIfPending {
			c.pending = append(c.pending, b)
			observability.RecordPeerDatagram(typ, observability.DatagramQueued)
			return
		}
		observability.RecordPeerDatagram(typ, observability.DatagramDropped)
		return
	}
	if isBroadcast(c.server) {
		observability.RecordPeerDatagram(typ, observability.DatagramRefused)
		c.handler.Error(ErrBroadcast)
		return
	}
	if _, ok := c.blocked[c.server]; ok {
		observability.RecordPeerDatagram(typ, observability.DatagramRefused)
		c.handler.Error(fmt.Errorf("%w: %s", ErrBlocked, c.server))
		return
	}
	if !allowDuplicates && bytes.Equal(b, c.last) {
		observability.RecordPeerDatagram(typ, observability.DatagramSuppressed)
		return
	}
	if c.sock == nil {
		observability.RecordPeerDatagram(typ, observability.DatagramDropped)
		return
	}

	dst := netip.AddrPortFrom(c.server, c.port)
	if c.server.IsMulticast() {
		// one datagram per selected interface; none selected sends nothing
		if len(c.interfaces) == 0 {
			observability.RecordPeerDatagram(typ, observability.DatagramDropped)
			c.logger.Debug().Str("to", dst.String()).Msg("peer multicast without interfaces, nothing sent")
		}
		for _, name := range c.interfaces {
			if err := c.sock.SetMulticastInterface(name); err != nil {
				c.logger.Warn().Err(err).Str("interface", name).Msg("peer set multicast interface failed")
			}
			c.write(typ, b, dst)
		}
	} else {
		c.write(typ, b, dst)
	}
	c.last = b
}

func (c *Client) write(typ string, b []byte, dst netip.AddrPort) {
	if _, err := c.sock.WriteTo(b, dst); err != nil {
		observability.RecordPeerDatagram(typ, observability.DatagramFailed)
		c.handler.Error(fmt.Errorf("peer: write %s: %w", dst, err))
		return
	}
	observability.RecordPeerDatagram(typ, observability.DatagramSent)
	c.logger.Trace().Str("type", typ).Str("to", dst.String()).Int("bytes", len(b)).Msg("peer datagram sent")
}

func frameType(b []byte) string {
	h, _, st := frame.Decode(b)
	if st != frame.StatusOK {
		return "unknown"
	}
	return h.Type.String()
}

func (c *Client) receive(gen uint64, from netip.AddrPort, b []byte) {
	if gen != c.sockGen {
		return
	}
	env, err := protocol.ParseWithLimits(b, c.cfg.Limits)
	if err != nil {
		status := frame.StatusCorruptData
		if errors.Is(err, frame.ErrShortRead) {
			status = frame.StatusShortRead
		}
		observability.RecordPeerReceived(env.Header.Type.String(), status.String())
		if errors.Is(err, protocol.ErrBody) {
			c.negotiated = schema.Negotiate(c.negotiated, env.Header.Schema)
		}
		if errors.Is(err, protocol.ErrHeader) && errors.Is(err, frame.ErrShortRead) {
			c.logger.Debug().Str("from", from.String()).Msg("peer short header ignored")
			return
		}
		c.handler.Error(err)
		return
	}
	observability.RecordPeerReceived(env.Header.Type.String(), frame.StatusOK.String())
	c.negotiated = schema.Negotiate(c.negotiated, env.Header.Schema)

	if !c.inbound {
		c.logger.Trace().Str("id", env.Header.ID).Msg("peer inbound disabled, frame discarded")
		return
	}
	if err := schema.Validate(env.Header.Type, schema.Inbound); err != nil {
		c.logger.Trace().Err(err).Msg("peer frame ignored")
		return
	}
	switch m := env.Message.(type) {
	case protocol.Reply:
		c.handler.Reply(m)
	case protocol.Clear:
		c.handler.ClearDecodes(m.Window)
	case protocol.Close:
		c.last = nil
		c.handler.Close()
	case protocol.Replay:
		c.last = nil
		c.handler.Replay()
	case protocol.HaltTx:
		c.handler.HaltTx(m.AutoOnly)
	case protocol.FreeText:
		c.handler.FreeText(m.Text, m.Send)
	case protocol.Location:
		c.handler.Location(m.Grid)
	case protocol.Heartbeat:
	}
}

func (c *Client) teardown(sendClose bool) {
	if c.stopped {
		return
	}
	if sendClose && c.state == StateBound {
		c.sendMessage(protocol.Close{}, false, false)
	}
	c.abandonLookup()
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.closeSocket()
	c.pending = nil
	c.stopped = true
}
