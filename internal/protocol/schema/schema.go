package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Magic opens every peer frame.
const Magic uint32 = 0xadbccbda

// Schema numbers. Frames are written with min(negotiated, Max); the
// negotiated number starts at Initial and only ever rises.
const (
	Initial uint32 = 2
	Max     uint32 = 3
)

type MessageType uint32

// Message type IDs, in wire order.
const (
	MsgHeartbeat           MessageType = 0
	MsgStatus              MessageType = 1
	MsgDecode              MessageType = 2
	MsgClear               MessageType = 3
	MsgReply               MessageType = 4
	MsgQSOLogged           MessageType = 5
	MsgClose               MessageType = 6
	MsgReplay              MessageType = 7
	MsgHaltTx              MessageType = 8
	MsgFreeText            MessageType = 9
	MsgWSPRDecode          MessageType = 10
	MsgLocation            MessageType = 11
	MsgLoggedADIF          MessageType = 12
	MsgHighlightCallsign   MessageType = 13
	MsgSwitchConfiguration MessageType = 14
	MsgConfigure           MessageType = 15
)

var names = map[MessageType]string{
	MsgHeartbeat:           "heartbeat",
	MsgStatus:              "status",
	MsgDecode:              "decode",
	MsgClear:               "clear",
	MsgReply:               "reply",
	MsgQSOLogged:           "qso_logged",
	MsgClose:               "close",
	MsgReplay:              "replay",
	MsgHaltTx:              "halt_tx",
	MsgFreeText:            "free_text",
	MsgWSPRDecode:          "wspr_decode",
	MsgLocation:            "location",
	MsgLoggedADIF:          "logged_adif",
	MsgHighlightCallsign:   "highlight_callsign",
	MsgSwitchConfiguration: "switch_configuration",
	MsgConfigure:           "configure",
}

func (t MessageType) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("message_type(%d)", uint32(t))
}

// Direction is who originates a message type.
type Direction uint8

const (
	Outbound Direction = 1 << iota
	Inbound
)

var directions = map[MessageType]Direction{
	MsgHeartbeat:  Outbound | Inbound,
	MsgStatus:     Outbound,
	MsgDecode:     Outbound,
	MsgClear:      Outbound | Inbound,
	MsgReply:      Inbound,
	MsgQSOLogged:  Outbound,
	MsgClose:      Outbound | Inbound,
	MsgReplay:     Inbound,
	MsgHaltTx:     Inbound,
	MsgFreeText:   Inbound,
	MsgLocation:   Inbound,
	MsgLoggedADIF: Outbound,
}

type ValidationError struct {
	MessageType MessageType
	Reason      string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("schema: message_type=%s: %s", e.MessageType, e.Reason)
}

// Validate reports whether a message type may travel in the given
// direction. Types this side never handles are rejected.
func Validate(t MessageType, dir Direction) error {
	allowed, ok := directions[t]
	if !ok {
		log.Debug().Stringer("message_type", t).Msg("schema.Validate unsupported")
		return ValidationError{MessageType: t, Reason: "unsupported message_type"}
	}
	if allowed&dir == 0 {
		log.Debug().Stringer("message_type", t).Uint8("direction", uint8(dir)).Msg("schema.Validate wrong direction")
		return ValidationError{MessageType: t, Reason: "wrong direction"}
	}
	return nil
}

// Negotiate returns the schema to latch after observing peer. It never
// lowers current.
func Negotiate(current, peer uint32) uint32 {
	if peer > current {
		return peer
	}
	return current
}

// Effective is the schema number written into outbound headers.
func Effective(negotiated uint32) uint32 {
	if negotiated > Max {
		return Max
	}
	return negotiated
}
