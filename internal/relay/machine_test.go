package relay

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/js8net/internal/clock"
	"github.com/danmuck/js8net/internal/protocol/session"
	"github.com/danmuck/js8net/internal/station"
	"github.com/danmuck/js8net/internal/testutil/testlog"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// rolls returns the given values in order, then 99.
func rolls(values ...int) func(int) int {
	return func(int) int {
		if len(values) == 0 {
			return 99
		}
		v := values[0]
		values = values[1:]
		return v
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "rotate.aprs2.net"
	cfg.Port = 14580
	return cfg
}

func newMachine(cfg Config, rnd func(int) int) (*Machine, *clock.Fake) {
	c := clock.NewFake(t0)
	if rnd == nil {
		rnd = rolls()
	}
	m := NewMachine(cfg, c, rnd)
	m.Step(SetStation{Station: station.Identity{Call: "N0CALL", Grid: "FN20"}})
	return m, c
}

func kinds(effects []Effect) string {
	out := make([]string, 0, len(effects))
	for _, e := range effects {
		out = append(out, strings.TrimPrefix(fmt.Sprintf("%T", e), "relay."))
	}
	return strings.Join(out, ",")
}

func writes(effects []Effect) []string {
	var out []string
	for _, e := range effects {
		if w, ok := e.(Write); ok {
			out = append(out, w.Line)
		}
	}
	return out
}

func queuedTexts(m *Machine) []string {
	var out []string
	for _, e := range m.Queued() {
		out = append(out, e.Text)
	}
	return out
}

// loggedIn drives m through dial and login with relaying enabled.
func loggedIn(t *testing.T, m *Machine) {
	t.Helper()
	eff := m.Step(SetRelayEnabled{Enabled: true})
	if kinds(eff) != "Dial" {
		t.Fatalf("enable effects=%s", kinds(eff))
	}
	m.Step(Connected{Attempt: eff[0].(Dial).Attempt})
	if m.State() != StateLoggedIn {
		t.Fatalf("state=%s", m.State())
	}
}

func TestEnqueueDialsThenLogsInWithoutFilter(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(testConfig(), nil)
	eff := m.Step(Enqueue{Text: "N0CALL>APRS:hi"})
	if kinds(eff) != "Dial" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	d := eff[0].(Dial)
	if d.Host != "rotate.aprs2.net" || d.Port != 14580 || d.Attempt != 1 {
		t.Fatalf("dial=%+v", d)
	}
	if m.State() != StateConnecting {
		t.Fatalf("state=%s", m.State())
	}

	eff = m.Step(Connected{Attempt: 1})
	if kinds(eff) != "Write,Write,Close" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	got := writes(eff)
	if got[0] != "user N0CALL pass 13023 ver JS8Call \n" {
		t.Fatalf("login=%q", got[0])
	}
	if !eff[0].(Write).Login {
		t.Fatalf("first write should be the login")
	}
	if got[1] != "N0CALL>APRS:hi\n" {
		t.Fatalf("frame=%q", got[1])
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state=%s", m.State())
	}
}

func TestRelayEnabledLoginCarriesFilterAndStaysOpen(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(testConfig(), nil)
	eff := m.Step(SetRelayEnabled{Enabled: true})
	if kinds(eff) != "Dial" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	eff = m.Step(Connected{Attempt: 1})
	if kinds(eff) != "Write" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	if got := writes(eff)[0]; got != "user N0CALL pass 13023 ver JS8Call filter t/m\n" {
		t.Fatalf("login=%q", got)
	}
	if m.State() != StateLoggedIn {
		t.Fatalf("state=%s", m.State())
	}

	if eff := m.Step(SetRelayEnabled{Enabled: true}); eff != nil {
		t.Fatalf("unchanged toggle effects=%s", kinds(eff))
	}
}

func TestEmptyCallPreservesQueue(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(testConfig(), nil)
	m.Step(Enqueue{Text: "a"})
	eff := m.Step(DialFailed{Attempt: 1, Err: errors.New("refused")})
	if kinds(eff) != "Report" || !errors.Is(eff[0].(Report).Err, ErrDial) {
		t.Fatalf("dial failure effects=%v", eff)
	}

	m.Step(SetStation{})
	if eff := m.Step(Flush{}); eff != nil {
		t.Fatalf("flush effects=%s", kinds(eff))
	}
	if got := queuedTexts(m); len(got) != 1 || got[0] != "a\n" {
		t.Fatalf("queue=%q", got)
	}
	if eff := m.Step(Enqueue{Text: "b"}); eff != nil {
		t.Fatalf("enqueue without call effects=%s", kinds(eff))
	}
	if len(m.Queued()) != 1 {
		t.Fatalf("enqueue without call should be ignored")
	}
}

func TestMissingServerClearsQueue(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(DefaultConfig(), nil)
	if eff := m.Step(Enqueue{Text: "a"}); eff != nil {
		t.Fatalf("effects=%s", kinds(eff))
	}
	if len(m.Queued()) != 0 {
		t.Fatalf("queue=%q", queuedTexts(m))
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state=%s", m.State())
	}
}

func TestExpiredEntriesAreDropped(t *testing.T) {
	testlog.Start(t)

	m, c := newMachine(testConfig(), nil)
	m.Step(Enqueue{Text: "old"})
	c.Advance(time.Second)
	m.Step(Enqueue{Text: "fresh"})
	c.Advance(300 * time.Second)

	eff := m.Step(Connected{Attempt: 1})
	got := writes(eff)
	if len(got) != 2 || got[1] != "fresh\n" {
		t.Fatalf("writes=%q", got)
	}
}

func TestEntriesWithinTimeoutAreSent(t *testing.T) {
	testlog.Start(t)

	m, c := newMachine(testConfig(), nil)
	m.Step(Enqueue{Text: "a"})
	c.Advance(299 * time.Second)

	got := writes(m.Step(Connected{Attempt: 1}))
	if len(got) != 2 || got[1] != "a\n" {
		t.Fatalf("writes=%q", got)
	}
}

func TestThrottledEntriesRequeuedInOrder(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.SkipPercent = 50
	m, _ := newMachine(cfg, rolls(10, 90, 0, 75))
	for _, s := range []string{"a", "b", "c", "d"} {
		m.Step(Enqueue{Text: s})
	}

	eff := m.Step(Connected{Attempt: 1})
	if kinds(eff) != "Write,Write,Write" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	if got := writes(eff); got[1] != "b\n" || got[2] != "d\n" {
		t.Fatalf("writes=%q", got)
	}
	got := queuedTexts(m)
	if len(got) != 2 || got[0] != "a\n" || got[1] != "c\n" {
		t.Fatalf("queue=%q", got)
	}
	if m.State() != StateLoggedIn {
		t.Fatalf("session should stay open while entries remain, state=%s", m.State())
	}

	m.Step(SetSkipPercent{Percent: 0})
	eff = m.Step(Flush{})
	if kinds(eff) != "Write,Write,Close" {
		t.Fatalf("flush effects=%s", kinds(eff))
	}
}

func TestDisconnectSchedulesOneReconnect(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(testConfig(), nil)
	loggedIn(t, m)

	eff := m.Step(Disconnected{Attempt: 1})
	if kinds(eff) != "ScheduleReconnect" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	if eff[0].(ScheduleReconnect).After != 5*time.Second {
		t.Fatalf("after=%v", eff[0].(ScheduleReconnect).After)
	}
	if eff := m.Step(Disconnected{Attempt: 1}); eff != nil {
		t.Fatalf("repeated disconnect effects=%s", kinds(eff))
	}

	eff = m.Step(Reconnect{})
	if kinds(eff) != "Dial" || eff[0].(Dial).Attempt != 2 {
		t.Fatalf("reconnect effects=%v", eff)
	}
	if eff := m.Step(Reconnect{}); eff != nil {
		t.Fatalf("reconnect while connecting effects=%s", kinds(eff))
	}
}

func TestDisconnectWithoutRelayDoesNotReconnect(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.SkipPercent = 100
	m, _ := newMachine(cfg, nil)
	m.Step(Enqueue{Text: "a"})
	m.Step(Connected{Attempt: 1})
	if m.State() != StateLoggedIn {
		t.Fatalf("state=%s", m.State())
	}
	eff := m.Step(Disconnected{Attempt: 1, Err: errors.New("reset")})
	if kinds(eff) != "Report" || !errors.Is(eff[0].(Report).Err, ErrConnLost) {
		t.Fatalf("effects=%v", eff)
	}
}

func TestDisablingRelay(t *testing.T) {
	testlog.Start(t)

	t.Run("idle session closes", func(t *testing.T) {
		m, _ := newMachine(testConfig(), nil)
		loggedIn(t, m)
		eff := m.Step(SetRelayEnabled{Enabled: false})
		if kinds(eff) != "Close" || eff[0].(Close).Attempt != 1 {
			t.Fatalf("effects=%v", eff)
		}
		if m.State() != StateDisconnected {
			t.Fatalf("state=%s", m.State())
		}
		if eff := m.Step(Disconnected{Attempt: 1}); eff != nil {
			t.Fatalf("disconnect after close effects=%s", kinds(eff))
		}
	})

	t.Run("busy session closes after drain", func(t *testing.T) {
		cfg := testConfig()
		cfg.SkipPercent = 100
		m, _ := newMachine(cfg, nil)
		loggedIn(t, m)
		if eff := m.Step(Enqueue{Text: "a"}); eff != nil {
			t.Fatalf("throttled enqueue effects=%s", kinds(eff))
		}
		if eff := m.Step(SetRelayEnabled{Enabled: false}); eff != nil {
			t.Fatalf("disable with queue effects=%s", kinds(eff))
		}
		if m.State() != StateLoggedIn {
			t.Fatalf("state=%s", m.State())
		}
		m.Step(SetSkipPercent{Percent: 0})
		eff := m.Step(Flush{})
		if kinds(eff) != "Write,Close" {
			t.Fatalf("flush effects=%s", kinds(eff))
		}
	})
}

func TestPasscodeGatesEnqueue(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Passcode = "12345"
	m, _ := newMachine(cfg, nil)
	if m.PasscodeValid() {
		t.Fatalf("wrong passcode accepted")
	}
	if eff := m.Step(Enqueue{Text: "a"}); eff != nil || len(m.Queued()) != 0 {
		t.Fatalf("enqueue with wrong passcode effects=%s queue=%d", kinds(eff), len(m.Queued()))
	}

	cfg.Passcode = "13023"
	m, _ = newMachine(cfg, nil)
	m.Step(SetStation{Station: station.Identity{Call: "N0CALL-9"}})
	if eff := m.Step(Enqueue{Text: "a"}); kinds(eff) != "Dial" {
		t.Fatalf("effects=%s", kinds(eff))
	}
}

func TestInboundLines(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(testConfig(), nil)
	loggedIn(t, m)

	if eff := m.Step(Line{Attempt: 1, Text: "# aprsc 2.1.14"}); eff != nil {
		t.Fatalf("comment effects=%s", kinds(eff))
	}
	if eff := m.Step(Line{Attempt: 1, Text: "   "}); eff != nil {
		t.Fatalf("blank effects=%s", kinds(eff))
	}
	if eff := m.Step(Line{Attempt: 1, Text: "KN4CRD>APRS:>status"}); eff != nil {
		t.Fatalf("non-message effects=%s", kinds(eff))
	}
	eff := m.Step(Line{Attempt: 1, Text: "KN4CRD>APRS,TCPIP*,qAC,T2::N0CALL   :hello{7}\r"})
	if kinds(eff) != "Deliver" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	msg := eff[0].(Deliver).Message
	if msg.From != "KN4CRD" || msg.To != "N0CALL" || msg.Text != "hello{7}" {
		t.Fatalf("message=%+v", msg)
	}
	if eff := m.Step(Line{Attempt: 0, Text: "KN4CRD>APRS::N0CALL   :stale"}); eff != nil {
		t.Fatalf("stale line effects=%s", kinds(eff))
	}
}

func TestRequireLoginAck(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.RequireLoginAck = true
	m, _ := newMachine(cfg, nil)
	m.Step(Enqueue{Text: "a"})
	eff := m.Step(Connected{Attempt: 1})
	if kinds(eff) != "Write" || !eff[0].(Write).Login {
		t.Fatalf("effects=%v", eff)
	}
	if m.State() != StateConnectedUnauthenticated {
		t.Fatalf("state=%s", m.State())
	}
	if eff := m.Step(Flush{}); eff != nil {
		t.Fatalf("flush before ack effects=%s", kinds(eff))
	}
	eff = m.Step(Line{Attempt: 1, Text: "# logresp N0CALL verified, server T2TEST"})
	if kinds(eff) != "Write,Close" || writes(eff)[0] != "a\n" {
		t.Fatalf("effects=%s writes=%q", kinds(eff), writes(eff))
	}
}

func TestWriteFailureRequeuesAtHead(t *testing.T) {
	testlog.Start(t)

	m, c := newMachine(testConfig(), nil)
	loggedIn(t, m)
	m.queue.Push(session.Entry{Text: "c\n", QueuedAt: c.Now()})

	unsent := []session.Entry{{Text: "a\n", QueuedAt: c.Now()}, {Text: "b\n", QueuedAt: c.Now()}}
	eff := m.Step(WriteFailed{Attempt: 1, Unsent: unsent, Err: errors.New("broken pipe")})
	if kinds(eff) != "Close,Report,ScheduleReconnect" {
		t.Fatalf("effects=%s", kinds(eff))
	}
	if !errors.Is(eff[1].(Report).Err, ErrWrite) {
		t.Fatalf("report=%v", eff[1])
	}
	got := queuedTexts(m)
	if len(got) != 3 || got[0] != "a\n" || got[1] != "b\n" || got[2] != "c\n" {
		t.Fatalf("queue=%q", got)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state=%s", m.State())
	}
}

func TestServerChangeDropsStaleAttempt(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(testConfig(), nil)
	m.Step(Enqueue{Text: "a"})
	eff := m.Step(SetServer{Host: "noam.aprs2.net", Port: 14580})
	if kinds(eff) != "Close" || eff[0].(Close).Attempt != 1 {
		t.Fatalf("effects=%v", eff)
	}
	if eff := m.Step(Connected{Attempt: 1}); eff != nil {
		t.Fatalf("stale connect effects=%s", kinds(eff))
	}
	eff = m.Step(Flush{})
	if kinds(eff) != "Dial" {
		t.Fatalf("flush effects=%s", kinds(eff))
	}
	if d := eff[0].(Dial); d.Host != "noam.aprs2.net" || d.Attempt != 2 {
		t.Fatalf("dial=%+v", d)
	}
}

func TestFlushIdleWithoutRelayDoesNothing(t *testing.T) {
	testlog.Start(t)

	m, _ := newMachine(testConfig(), nil)
	if eff := m.Step(Flush{}); eff != nil {
		t.Fatalf("effects=%s", kinds(eff))
	}
}

func TestPersistentModeConnectsOnceStationKnown(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.RelayEnabled = true
	m := NewMachine(cfg, clock.NewFake(t0), rolls())
	if eff := m.Step(Reconnect{}); eff != nil {
		t.Fatalf("reconnect without call effects=%s", kinds(eff))
	}
	eff := m.Step(SetStation{Station: station.Identity{Call: "N0CALL"}})
	if kinds(eff) != "Dial" {
		t.Fatalf("station effects=%s", kinds(eff))
	}
	eff = m.Step(Connected{Attempt: eff[0].(Dial).Attempt})
	if got := writes(eff); len(got) != 1 || got[0] != "user N0CALL pass 13023 ver JS8Call filter t/m\n" {
		t.Fatalf("login=%q", got)
	}
	if kinds(m.Step(SetStation{Station: station.Identity{Call: "N0CALL-9"}})) != "" {
		t.Fatalf("station change on an open session should not dial")
	}
}
