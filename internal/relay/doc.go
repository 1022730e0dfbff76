// Package relay is the APRS-IS client.
//
// Machine holds the session state and the outbound queue and turns events
// into effects without touching the network. Client runs a Machine on one
// goroutine and carries out its effects over TCP.
package relay
