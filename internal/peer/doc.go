// Package peer implements the WSJT-X compatible UDP client.
//
// One goroutine (Run) owns all client state. Public methods post work
// into it; socket readers, host lookups and timers post their results
// back. Handler callbacks run on that goroutine.
package peer
