package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Datagram outcomes on the peer send path.
const (
	DatagramSent       = "sent"
	DatagramSuppressed = "suppressed"
	DatagramQueued     = "queued"
	DatagramDropped    = "dropped"
	DatagramRefused    = "refused"
	DatagramFailed     = "failed"
)

// Relay frame outcomes while draining the queue.
const (
	RelayFrameSent      = "sent"
	RelayFrameExpired   = "expired"
	RelayFrameThrottled = "throttled"
	RelayFrameDiscarded = "discarded"
)

// Relay session transitions.
const (
	RelaySessionConnected    = "connected"
	RelaySessionLoggedIn     = "logged_in"
	RelaySessionDisconnected = "disconnected"
	RelaySessionDialFailed   = "dial_failed"
)

var (
	registerOnce sync.Once

	peerDatagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "js8net",
			Subsystem: "peer",
			Name:      "datagrams_total",
			Help:      "Outbound peer datagrams by outcome.",
		},
		[]string{"type", "result"},
	)
	peerReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "js8net",
			Subsystem: "peer",
			Name:      "received_total",
			Help:      "Inbound peer frames by decode status.",
		},
		[]string{"type", "status"},
	)
	relayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "js8net",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Relay queue entries by outcome.",
		},
		[]string{"result"},
	)
	relaySessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "js8net",
			Subsystem: "relay",
			Name:      "session_events_total",
			Help:      "Relay connection lifecycle events.",
		},
		[]string{"event"},
	)
	relayQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "js8net",
			Subsystem: "relay",
			Name:      "queue_depth",
			Help:      "Entries waiting in the relay queue.",
		},
	)
	relayInbound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "js8net",
			Subsystem: "relay",
			Name:      "inbound_messages_total",
			Help:      "Text messages parsed from the relay server.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(peerDatagrams, peerReceived, relayFrames, relaySessions, relayQueueDepth, relayInbound)
	})
}

func RecordPeerDatagram(msgType, result string) {
	RegisterMetrics()
	peerDatagrams.WithLabelValues(msgType, result).Inc()
}

func RecordPeerReceived(msgType, status string) {
	RegisterMetrics()
	peerReceived.WithLabelValues(msgType, status).Inc()
}

func RecordRelayFrame(result string) {
	RegisterMetrics()
	relayFrames.WithLabelValues(result).Inc()
}

func RecordRelaySession(event string) {
	RegisterMetrics()
	relaySessions.WithLabelValues(event).Inc()
}

func SetRelayQueueDepth(n int) {
	RegisterMetrics()
	relayQueueDepth.Set(float64(n))
}

func RecordRelayInbound() {
	RegisterMetrics()
	relayInbound.Inc()
}
