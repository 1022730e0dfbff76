package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStreamHostRequired = errors.New("session: stream host required")
	ErrConnectTimeout     = errors.New("session: connect timeout")
	ErrStreamClosed       = errors.New("session: stream closed")
)

// Dialer opens stream connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stream is a blocking send-and-wait TCP helper. It keeps one connection
// open to the last target and reconnects when the target changes.
//
// Send blocks the caller until the connection is up or the timeout
// expires; it must not be called from a client event loop.
type Stream struct {
	mu     sync.Mutex
	cfg    Config
	dialer Dialer
	rng    *rand.Rand
	logger zerolog.Logger

	conn   net.Conn
	target string
	closed bool
}

type StreamOption func(*Stream)

func WithDialer(d Dialer) StreamOption {
	return func(s *Stream) { s.dialer = d }
}

func WithStreamLogger(l zerolog.Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

func NewStream(cfg Config, opts ...StreamOption) *Stream {
	cfg = cfg.Normalize()
	s := &Stream{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.ConnectTimeout},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send writes payload to host:port, connecting first if needed. When crlf
// is set a CR LF pair terminates the payload. A non-positive timeout uses
// the configured connect timeout.
func (s *Stream) Send(ctx context.Context, host string, port uint16, payload []byte, crlf bool, timeout time.Duration) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return ErrStreamHostRequired
	}
	if timeout <= 0 {
		timeout = s.cfg.ConnectTimeout
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.conn != nil && s.target != target {
		s.logger.Debug().Str("from", s.target).Str("to", target).Msg("session.Stream target changed")
		s.dropLocked()
	}
	if s.conn == nil {
		if err := s.connectLocked(ctx, target, timeout); err != nil {
			return err
		}
	}

	buf := payload
	if crlf {
		buf = make([]byte, 0, len(payload)+2)
		buf = append(buf, payload...)
		buf = append(buf, '\r', '\n')
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := s.conn.Write(buf); err != nil {
		s.logger.Warn().Err(err).Str("target", target).Msg("session.Stream write failed")
		s.dropLocked()
		return fmt.Errorf("session: stream write %s: %w", target, err)
	}
	return nil
}

func (s *Stream) connectLocked(ctx context.Context, target string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var attempt int
	for {
		attempt++
		conn, err := s.dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			s.conn = conn
			s.target = target
			s.logger.Debug().Str("target", target).Int("attempt", attempt).Msg("session.Stream connected")
			return nil
		}
		s.logger.Warn().Err(err).Str("target", target).Int("attempt", attempt).Msg("session.Stream dial failed")
		delay := NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
		if werr := sleepBackoff(ctx, delay); werr != nil {
			if errors.Is(werr, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s: %v", ErrConnectTimeout, target, err)
			}
			return werr
		}
	}
}

func (s *Stream) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.target = ""
}

// Close releases the connection. Later sends fail with ErrStreamClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.conn = nil
	return err
}
