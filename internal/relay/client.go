package relay

import (
	"bufio"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/js8net/internal/aprs"
	"github.com/danmuck/js8net/internal/clock"
	"github.com/danmuck/js8net/internal/observability"
	"github.com/danmuck/js8net/internal/protocol/session"
	"github.com/danmuck/js8net/internal/station"
	"github.com/rs/zerolog"
)

const maxLineBytes = 16 * 1024

// Handler receives relayed messages and non-fatal errors on the client
// goroutine.
type Handler interface {
	Message(m aprs.Message)
	Error(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnMessage func(aprs.Message)
	OnError   func(error)
}

func (h HandlerFuncs) Message(m aprs.Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h HandlerFuncs) Error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func WithDialer(d session.Dialer) Option {
	return func(cl *Client) { cl.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithRand replaces the throttle source. f returns a value in [0, n).
func WithRand(f func(n int) int) Option {
	return func(cl *Client) { cl.rand = f }
}

// Client runs a Machine against a TCP connection.
type Client struct {
	cfg     Config
	handler Handler
	clock   clock.Clock
	dialer  session.Dialer
	rand    func(n int) int
	logger  zerolog.Logger

	ops  chan func()
	done chan struct{}

	// owned by the Run goroutine
	m           *Machine
	conn        net.Conn
	connAttempt uint64
	dialAttempt uint64
	cancelDial  context.CancelFunc
	flush       clock.Timer
	reconnect   clock.Timer
	stopped     bool
}

func New(cfg Config, h Handler, opts ...Option) *Client {
	cfg = cfg.normalize()
	if h == nil {
		h = HandlerFuncs{}
	}
	c := &Client{
		cfg:     cfg,
		handler: h,
		clock:   clock.System{},
		dialer:  &net.Dialer{Timeout: cfg.ConnectTimeout},
		rand:    rand.IntN,
		logger:  observability.Component("relay"),
		ops:     make(chan func(), 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.m = NewMachine(cfg, c.clock, c.rand)
	return c
}

// Run processes client work until ctx ends or Close completes.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	c.scheduleFlush()
	if c.m.RelayEnabled() {
		c.step(Reconnect{})
	}
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case op := <-c.ops:
			op()
			if c.stopped {
				return nil
			}
		}
	}
}

func (c *Client) post(op func()) bool {
	select {
	case c.ops <- op:
		return true
	case <-c.done:
		return false
	}
}

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

func (c *Client) SetLocalStation(call, grid, info string) {
	id := station.Identity{Call: call, Grid: grid, Info: info}
	c.post(func() { c.step(SetStation{Station: id}) })
}

func (c *Client) SetServer(host string, port uint16) {
	c.post(func() { c.step(SetServer{Host: host, Port: port}) })
}

// SetIncomingRelayEnabled keeps the session open and asks the server for
// messages addressed to us while enabled.
func (c *Client) SetIncomingRelayEnabled(enabled bool) {
	c.post(func() { c.step(SetRelayEnabled{Enabled: enabled}) })
}

func (c *Client) SetSkipPercent(percent int) {
	c.post(func() { c.step(SetSkipPercent{Percent: percent}) })
}

// EnqueueSpot queues a position report for from, heard by by. Only an
// unusable locator is an error.
func (c *Client) EnqueueSpot(by, from, grid, comment string) error {
	line, err := aprs.SpotLine(by, from, grid, comment, c.cfg.CommentLimit)
	if err != nil {
		return err
	}
	c.EnqueueRaw(line)
	return nil
}

func (c *Client) EnqueueThirdParty(by, from, text string) {
	c.EnqueueRaw(aprs.ThirdPartyLine(by, from, text))
}

// EnqueueRaw queues one APRS-IS line. Without a valid passcode for the
// local station it is dropped.
func (c *Client) EnqueueRaw(text string) {
	c.post(func() { c.step(Enqueue{Text: text}) })
}

// Close drops the session and stops Run. Run must be running.
func (c *Client) Close() error {
	c.post(c.teardown)
	<-c.done
	return nil
}

func (c *Client) State() State {
	var s State
	if err := c.call(func() { s = c.m.State() }); err != nil {
		return StateDisconnected
	}
	return s
}

// Queued returns a copy of the outbound queue.
func (c *Client) Queued() []session.Entry {
	var q []session.Entry
	_ = c.call(func() { q = c.m.Queued() })
	return q
}

func (c *Client) step(ev Event) {
	c.apply(c.m.Step(ev))
}

func (c *Client) apply(effects []Effect) {
	for i, eff := range effects {
		switch e := eff.(type) {
		case Dial:
			c.dial(e)
		case Write:
			if err := c.write(e); err != nil {
				c.step(WriteFailed{Attempt: e.Attempt, Unsent: unsent(effects[i:]), Err: err})
				return
			}
		case Close:
			c.closeAttempt(e.Attempt)
		case ScheduleReconnect:
			c.scheduleReconnect(e.After)
		case Deliver:
			c.logger.Debug().Str("from", e.Message.From).Str("to", e.Message.To).Msg("relay message received")
			c.handler.Message(e.Message)
		case Report:
			c.logger.Warn().Err(e.Err).Msg("relay error")
			c.handler.Error(e.Err)
		}
	}
}

func unsent(effects []Effect) []session.Entry {
	var out []session.Entry
	for _, eff := range effects {
		if w, ok := eff.(Write); ok && !w.Login {
			out = append(out, w.Entry)
		}
	}
	return out
}

func (c *Client) dial(e Dial) {
	if c.cancelDial != nil {
		c.cancelDial()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.cancelDial = cancel
	c.dialAttempt = e.Attempt
	addr := net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
	c.logger.Debug().Str("addr", addr).Uint64("attempt", e.Attempt).Msg("relay connecting")
	go func() {
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		cancel()
		if !c.post(func() { c.dialDone(e.Attempt, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) dialDone(attempt uint64, conn net.Conn, err error) {
	if attempt != c.dialAttempt || c.stopped {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.dialAttempt = 0
	c.cancelDial = nil
	if err != nil {
		c.step(DialFailed{Attempt: attempt, Err: err})
		return
	}
	c.conn = conn
	c.connAttempt = attempt
	c.logger.Info().Str("addr", conn.RemoteAddr().String()).Msg("relay connected")
	go c.readLoop(conn, attempt)
	c.step(Connected{Attempt: attempt})
}

func (c *Client) readLoop(conn net.Conn, attempt uint64) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if !c.post(func() { c.step(Line{Attempt: attempt, Text: line}) }) {
			return
		}
	}
	err := sc.Err()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.post(func() { c.connLost(attempt, err) })
}

func (c *Client) connLost(attempt uint64, err error) {
	if c.conn == nil || attempt != c.connAttempt {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.logger.Info().Err(err).Msg("relay disconnected")
	c.step(Disconnected{Attempt: attempt, Err: err})
}

func (c *Client) write(e Write) error {
	if c.conn == nil || c.connAttempt != e.Attempt {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.conn.Write([]byte(e.Line)); err != nil {
		return err
	}
	if !e.Login {
		observability.RecordRelayFrame(observability.RelayFrameSent)
	}
	c.logger.Trace().Bool("login", e.Login).Int("bytes", len(e.Line)).Msg("relay line written")
	return nil
}

func (c *Client) closeAttempt(attempt uint64) {
	if c.dialAttempt == attempt && c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
		c.dialAttempt = 0
	}
	if c.conn != nil && c.connAttempt == attempt {
		_ = c.conn.Close()
		c.conn = nil
		c.logger.Debug().Uint64("attempt", attempt).Msg("relay session closed")
	}
}

func (c *Client) scheduleFlush() {
	c.flush = c.clock.AfterFunc(c.cfg.FlushInterval, func() {
		c.post(func() {
			if c.stopped {
				return
			}
			c.step(Flush{})
			c.scheduleFlush()
		})
	})
}

func (c *Client) scheduleReconnect(after time.Duration) {
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = c.clock.AfterFunc(after, func() {
		c.post(func() {
			if c.stopped {
				return
			}
			c.step(Reconnect{})
		})
	})
}

func (c *Client) teardown() {
	if c.stopped {
		return
	}
	if c.flush != nil {
		c.flush.Stop()
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.stopped = true
}
