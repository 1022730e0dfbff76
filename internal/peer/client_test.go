package peer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/js8net/internal/clock"
	"github.com/danmuck/js8net/internal/protocol"
	"github.com/danmuck/js8net/internal/protocol/schema"
	"github.com/danmuck/js8net/internal/testutil/testlog"
)

type sentDatagram struct {
	b     []byte
	dst   netip.AddrPort
	iface string
}

type fakeSocket struct {
	mu        sync.Mutex
	network   string
	writes    []sentDatagram
	iface     string
	ttl       int
	in        chan []byte
	readErrs  chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSocket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-s.in:
		n := copy(b, d)
		return n, netip.MustParseAddrPort("127.0.0.1:2237"), nil
	case err := <-s.readErrs:
		return 0, netip.AddrPort{}, err
	case <-s.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (s *fakeSocket) WriteTo(b []byte, dst netip.AddrPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, sentDatagram{b: append([]byte(nil), b...), dst: dst, iface: s.iface})
	return len(b), nil
}

func (s *fakeSocket) SetMulticastTTL(ttl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	return nil
}

func (s *fakeSocket) SetMulticastInterface(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iface = name
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) sent() []sentDatagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentDatagram(nil), s.writes...)
}

type fakeNet struct {
	mu      sync.Mutex
	sockets []*fakeSocket
}

func (n *fakeNet) listen(network string) (Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &fakeSocket{network: network, in: make(chan []byte, 16), readErrs: make(chan error, 4), closed: make(chan struct{})}
	n.sockets = append(n.sockets, s)
	return s, nil
}

func (n *fakeNet) socket(t *testing.T) *fakeSocket {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sockets) == 0 {
		t.Fatalf("no socket bound")
	}
	return n.sockets[len(n.sockets)-1]
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sockets)
}

type lookupResult struct {
	addrs []netip.Addr
	err   error
}

type fakeResolver struct {
	results  chan lookupResult
	canceled chan string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{results: make(chan lookupResult, 1), canceled: make(chan string, 4)}
}

func (r *fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	select {
	case res := <-r.results:
		return res.addrs, res.err
	case <-ctx.Done():
		r.canceled <- host
		return nil, ctx.Err()
	}
}

type recorder struct {
	mu        sync.Mutex
	replies   []protocol.Reply
	clears    []uint8
	closes    int
	replays   int
	halts     []bool
	freeTexts []protocol.FreeText
	locations []string
	errs      []error
}

func (r *recorder) locked(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f()
}

func (r *recorder) Reply(m protocol.Reply) {
	r.locked(func() { r.replies = append(r.replies, m) })
}

func (r *recorder) ClearDecodes(w uint8) {
	r.locked(func() { r.clears = append(r.clears, w) })
}

func (r *recorder) Close() {
	r.locked(func() { r.closes++ })
}

func (r *recorder) Replay() {
	r.locked(func() { r.replays++ })
}

func (r *recorder) HaltTx(autoOnly bool) {
	r.locked(func() { r.halts = append(r.halts, autoOnly) })
}

func (r *recorder) FreeText(text string, send bool) {
	r.locked(func() { r.freeTexts = append(r.freeTexts, protocol.FreeText{Text: text, Send: send}) })
}

func (r *recorder) Location(grid string) {
	r.locked(func() { r.locations = append(r.locations, grid) })
}

func (r *recorder) Error(err error) {
	r.locked(func() { r.errs = append(r.errs, err) })
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type harness struct {
	c     *Client
	rec   *recorder
	net   *fakeNet
	res   *fakeResolver
	clock *clock.Fake
}

func startClient(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		rec:   &recorder{},
		net:   &fakeNet{},
		res:   newFakeResolver(),
		clock: clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.c = New(cfg, h.rec, WithClock(h.clock), WithResolver(h.res), WithListener(h.net.listen))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.c.done
	})
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 2237
	cfg.Version = "2.3.0"
	cfg.Revision = "test"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func decodeSent(t *testing.T, d sentDatagram) protocol.Envelope {
	t.Helper()
	env, err := protocol.Parse(d.b)
	if err != nil {
		t.Fatalf("decode sent datagram: %v", err)
	}
	return env
}

func sampleStatus() protocol.Status {
	return protocol.Status{Frequency: 7078000, Mode: "JS8", DECall: "N0CALL", DEGrid: "FN20"}
}

func TestLiteralServerBindsAndSendsHeartbeat(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("127.0.0.1", nil)
	if st := h.c.State(); st != StateBound {
		t.Fatalf("state=%s want bound", st)
	}
	sent := h.net.socket(t).sent()
	if len(sent) != 1 {
		t.Fatalf("expected one heartbeat, got %d datagrams", len(sent))
	}
	env := decodeSent(t, sent[0])
	hb, ok := env.Message.(protocol.Heartbeat)
	if !ok || hb.MaxSchema != schema.Max || hb.Version != "2.3.0" || hb.Revision != "test" {
		t.Fatalf("unexpected heartbeat: %+v", env)
	}
	if env.Header.Schema != schema.Initial || env.Header.ID != "JS8Call" {
		t.Fatalf("unexpected header: %+v", env.Header)
	}
	if sent[0].dst != netip.MustParseAddrPort("127.0.0.1:2237") {
		t.Fatalf("dst=%s", sent[0].dst)
	}
	if h.net.socket(t).network != "udp4" {
		t.Fatalf("network=%s", h.net.socket(t).network)
	}
}

func TestPendingQueueFlushedInOrderAfterLookup(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("wsjtx.test", nil)
	h.c.SendStatus(sampleStatus())
	h.c.SendHeartbeat()
	h.c.SendDecode(protocol.Decode{New: true, Message: "CQ"})
	if st := h.c.State(); st != StateResolving {
		t.Fatalf("state=%s want resolving", st)
	}
	if h.net.count() != 0 {
		t.Fatalf("socket bound before lookup completed")
	}

	h.res.results <- lookupResult{addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}}
	waitFor(t, "bound", func() bool { return h.c.State() == StateBound })

	sent := h.net.socket(t).sent()
	if len(sent) != 3 {
		t.Fatalf("expected heartbeat+status+decode, got %d", len(sent))
	}
	want := []schema.MessageType{schema.MsgHeartbeat, schema.MsgStatus, schema.MsgDecode}
	for i, d := range sent {
		if got := decodeSent(t, d).Header.Type; got != want[i] {
			t.Fatalf("datagram %d type=%s want %s", i, got, want[i])
		}
	}
}

func TestLookupFailureDiscardsQueue(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("missing.test", nil)
	h.c.SendStatus(sampleStatus())
	h.res.results <- lookupResult{err: errors.New("no such host")}
	waitFor(t, "lookup error", func() bool { return len(h.rec.errors()) == 1 })
	if !errors.Is(h.rec.errors()[0], ErrLookup) {
		t.Fatalf("unexpected error: %v", h.rec.errors()[0])
	}
	h.c.SendStatus(sampleStatus())
	if st := h.c.State(); st != StateInactive {
		t.Fatalf("state=%s want inactive", st)
	}
	if h.net.count() != 0 {
		t.Fatalf("no socket expected after failed lookup")
	}
}

func TestNewServerAbandonsOutstandingLookup(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("slow.test", nil)
	h.c.ConfigureServer("127.0.0.1", nil)
	select {
	case host := <-h.res.canceled:
		if host != "slow.test" {
			t.Fatalf("canceled host=%s", host)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("outstanding lookup was not canceled")
	}
	time.Sleep(20 * time.Millisecond)
	if st := h.c.State(); st != StateBound {
		t.Fatalf("state=%s want bound", st)
	}
	if errs := h.rec.errors(); len(errs) != 0 {
		t.Fatalf("stale lookup surfaced errors: %v", errs)
	}
}

func TestDuplicateSuppressionIsGlobal(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.SendStatus(sampleStatus())
	h.c.SendStatus(sampleStatus())
	h.c.State()
	if n := len(h.net.socket(t).sent()); n != 2 {
		t.Fatalf("identical status should send once, datagrams=%d", n)
	}

	h.c.SendHeartbeat()
	h.c.SendStatus(sampleStatus())
	h.c.State()
	sent := h.net.socket(t).sent()
	if len(sent) != 4 {
		t.Fatalf("status after heartbeat should send, datagrams=%d", len(sent))
	}
	if decodeSent(t, sent[3]).Header.Type != schema.MsgStatus {
		t.Fatalf("last datagram should be status")
	}

	h.c.SendHeartbeat()
	h.c.SendHeartbeat()
	h.c.State()
	if n := len(h.net.socket(t).sent()); n != 6 {
		t.Fatalf("heartbeats are never suppressed, datagrams=%d", n)
	}
}

func TestBroadcastRefused(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("255.255.255.255", nil)
	h.c.SendStatus(sampleStatus())
	h.c.State()
	errs := h.rec.errors()
	if len(errs) != 2 || !errors.Is(errs[0], ErrBroadcast) || !errors.Is(errs[1], ErrBroadcast) {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if h.net.count() != 0 {
		t.Fatalf("broadcast should never bind")
	}
}

func TestBlockedAddressRefused(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Blocked = []string{"127.0.0.2"}
	h := startClient(t, cfg)
	h.c.ConfigureServer("127.0.0.2", nil)
	h.c.State()
	errs := h.rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrBlocked) {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestMulticastWritesPerInterface(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.TTL = 4
	h := startClient(t, cfg)
	h.c.ConfigureServer("239.255.0.1", []string{"eth0", "eth1"})
	h.c.State()
	sock := h.net.socket(t)
	sent := sock.sent()
	if len(sent) != 2 || sent[0].iface != "eth0" || sent[1].iface != "eth1" {
		t.Fatalf("unexpected multicast fan-out: %+v", sent)
	}
	sock.mu.Lock()
	ttl := sock.ttl
	sock.mu.Unlock()
	if ttl != 4 {
		t.Fatalf("ttl=%d", ttl)
	}
}

func TestPortZeroDropsEverything(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Port = 0
	h := startClient(t, cfg)
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.SendStatus(sampleStatus())
	h.c.State()
	if n := len(h.net.socket(t).sent()); n != 0 {
		t.Fatalf("datagrams=%d", n)
	}
	h.c.SetPort(2237)
	h.c.SendStatus(sampleStatus())
	h.c.State()
	if n := len(h.net.socket(t).sent()); n != 1 {
		t.Fatalf("datagrams=%d after port set", n)
	}
}

func TestInboundDispatchLatchesSchemaAndReplayClearsLast(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.State()
	sock := h.net.socket(t)

	sock.in <- protocol.Encode("WSJT-X", 3, protocol.Reply{Time: time.Hour, SNR: -5, Message: "KN4CRD: HI"})
	sock.in <- protocol.Encode("WSJT-X", 3, protocol.Clear{Window: 1, HasWindow: true})
	sock.in <- protocol.Encode("WSJT-X", 3, protocol.HaltTx{AutoOnly: true})
	sock.in <- protocol.Encode("WSJT-X", 3, protocol.FreeText{Text: "HELLO", Send: true})
	sock.in <- protocol.Encode("WSJT-X", 3, protocol.Location{Grid: "EM73"})
	sock.in <- protocol.Encode("WSJT-X", 3, protocol.Heartbeat{MaxSchema: 3})
	waitFor(t, "location", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.locations) == 1
	})
	h.rec.mu.Lock()
	if len(h.rec.replies) != 1 || h.rec.replies[0].SNR != -5 {
		t.Fatalf("replies=%+v", h.rec.replies)
	}
	if len(h.rec.clears) != 1 || h.rec.clears[0] != 1 {
		t.Fatalf("clears=%v", h.rec.clears)
	}
	if len(h.rec.halts) != 1 || !h.rec.halts[0] {
		t.Fatalf("halts=%v", h.rec.halts)
	}
	if len(h.rec.freeTexts) != 1 || h.rec.freeTexts[0].Text != "HELLO" || !h.rec.freeTexts[0].Send {
		t.Fatalf("free texts=%+v", h.rec.freeTexts)
	}
	h.rec.mu.Unlock()

	if got := h.c.Schema(); got != 3 {
		t.Fatalf("schema=%d want 3", got)
	}
	h.c.SendStatus(sampleStatus())
	h.c.SendStatus(sampleStatus())
	h.c.State()
	sent := sock.sent()
	if len(sent) != 2 || decodeSent(t, sent[1]).Header.Schema != 3 {
		t.Fatalf("status should be sent once with schema 3: %d datagrams", len(sent))
	}

	sock.in <- protocol.Encode("WSJT-X", 3, protocol.Replay{})
	waitFor(t, "replay", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.replays == 1
	})
	h.c.SendStatus(sampleStatus())
	h.c.State()
	if n := len(sock.sent()); n != 3 {
		t.Fatalf("replay should clear duplicate record, datagrams=%d", n)
	}
}

func TestInboundDisabledStillLatchesSchema(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Inbound = false
	h := startClient(t, cfg)
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.State()
	h.net.socket(t).in <- protocol.Encode("WSJT-X", 3, protocol.Reply{Message: "x"})
	waitFor(t, "schema latch", func() bool { return h.c.Schema() == 3 })
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.replies) != 0 {
		t.Fatalf("reply dispatched while inbound disabled")
	}
}

func TestCorruptFrameReportedAndSocketKept(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.State()
	sock := h.net.socket(t)

	bad := protocol.Encode("WSJT-X", 3, protocol.Location{Grid: "FN20"})
	bad[0] = 0
	sock.in <- []byte{0xad, 0xbc, 0xcb}
	sock.in <- bad
	sock.in <- protocol.Encode("WSJT-X", 3, protocol.Location{Grid: "FN20"})
	waitFor(t, "location", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.locations) == 1
	})
	errs := h.rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], protocol.ErrHeader) {
		t.Fatalf("expected one header error, got %v", errs)
	}
}

func TestHeartbeatTimer(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.State()
	h.clock.Advance(15 * time.Second)
	h.c.State()
	h.clock.Advance(15 * time.Second)
	h.c.State()
	sent := h.net.socket(t).sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 heartbeats, got %d", len(sent))
	}
}

func TestCloseSendsCloseFrame(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.State()
	sock := h.net.socket(t)
	if err := h.c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	sent := sock.sent()
	if len(sent) != 2 || decodeSent(t, sent[1]).Header.Type != schema.MsgClose {
		t.Fatalf("expected close frame last, got %d datagrams", len(sent))
	}
	select {
	case <-sock.closed:
	default:
		t.Fatalf("socket not closed")
	}
}

func TestContextCancelSendsCloseFrame(t *testing.T) {
	testlog.Start(t)
	fnet := &fakeNet{}
	c := New(testConfig(), &recorder{}, WithClock(clock.NewFake(time.Now())), WithListener(fnet.listen))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.ConfigureServer("127.0.0.1", nil)
	c.State()
	sock := fnet.socket(t)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	sent := sock.sent()
	if len(sent) != 2 || decodeSent(t, sent[1]).Header.Type != schema.MsgClose {
		t.Fatalf("expected heartbeat then close, got %d datagrams", len(sent))
	}
	select {
	case <-sock.closed:
	default:
		t.Fatalf("socket not closed")
	}
}

func TestMulticastWithoutInterfacesSendsNothing(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("239.255.0.1", nil)
	h.c.SendStatus(sampleStatus())
	h.c.State()
	if n := len(h.net.socket(t).sent()); n != 0 {
		t.Fatalf("datagrams=%d want 0", n)
	}
	if errs := h.rec.errors(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestReadErrorReportedAndReadingContinues(t *testing.T) {
	testlog.Start(t)
	h := startClient(t, testConfig())
	h.c.ConfigureServer("127.0.0.1", nil)
	h.c.State()
	sock := h.net.socket(t)

	reset := errors.New("connection reset by peer")
	sock.readErrs <- reset
	waitFor(t, "read error", func() bool { return len(h.rec.errors()) == 1 })
	if errs := h.rec.errors(); !errors.Is(errs[0], reset) {
		t.Fatalf("errs=%v", errs)
	}

	sock.in <- protocol.Encode("WSJT-X", 2, protocol.Location{Grid: "FN20"})
	waitFor(t, "location after read error", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.locations) == 1
	})
	if got := h.c.State(); got != StateBound {
		t.Fatalf("state=%s", got)
	}
}
