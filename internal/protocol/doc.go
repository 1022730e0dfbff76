// Package protocol owns the typed peer messages.
//
// Ownership boundary:
// - frame/header primitives live in protocol/frame
// - message type tags and schema numbers live in protocol/schema
// - this package maps each message type onto its wire field order
package protocol
