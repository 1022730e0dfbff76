// Package session owns transport helpers shared by the peer and relay
// clients.
//
// Ownership boundary:
// - timing defaults (heartbeat, flush, expiry, reconnect, timeouts)
// - the ordered relay frame queue
// - dial retry backoff
// - the blocking send-and-wait stream helper
package session
