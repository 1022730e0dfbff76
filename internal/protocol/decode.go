package protocol

import (
	"fmt"

	"github.com/danmuck/js8net/internal/protocol/frame"
	"github.com/danmuck/js8net/internal/protocol/schema"
)

// Envelope is one decoded frame.
type Envelope struct {
	Header frame.Header
	// Message is nil for message types this package does not model.
	Message Message
	// Partial is set when the body ended before every field was read.
	// Missing trailing fields keep their zero values, as older schemas
	// omit them.
	Partial bool
}

type bodyDecoder func(r *frame.Reader) Message

var decoders = map[schema.MessageType]bodyDecoder{
	schema.MsgHeartbeat:  decodeHeartbeat,
	schema.MsgStatus:     decodeStatus,
	schema.MsgDecode:     decodeDecode,
	schema.MsgClear:      decodeClear,
	schema.MsgReply:      decodeReply,
	schema.MsgQSOLogged:  decodeQSOLogged,
	schema.MsgClose:      func(*frame.Reader) Message { return Close{} },
	schema.MsgReplay:     func(*frame.Reader) Message { return Replay{} },
	schema.MsgHaltTx:     func(r *frame.Reader) Message { return HaltTx{AutoOnly: r.Bool()} },
	schema.MsgFreeText:   decodeFreeText,
	schema.MsgLocation:   func(r *frame.Reader) Message { return Location{Grid: r.String()} },
	schema.MsgLoggedADIF: func(r *frame.Reader) Message { return LoggedADIF{ADIF: r.String()} },
}

// Parse reads one frame. A header that is short or corrupt, or a body
// that is corrupt, is an error wrapping frame.ErrShortRead or
// frame.ErrCorruptData. A short body is not an error.
func Parse(b []byte) (Envelope, error) {
	return ParseWithLimits(b, frame.DefaultLimits())
}

func ParseWithLimits(b []byte, limits frame.Limits) (Envelope, error) {
	h, r, st := frame.DecodeWithLimits(b, limits)
	env := Envelope{Header: h}
	if st != frame.StatusOK {
		return env, fmt.Errorf("%w: %w", ErrHeader, r.Err())
	}
	dec, ok := decoders[h.Type]
	if !ok {
		return env, nil
	}
	msg := dec(r)
	switch r.Status() {
	case frame.StatusOK:
	case frame.StatusShortRead:
		env.Partial = true
	default:
		return env, fmt.Errorf("%w: %s: %w", ErrBody, h.Type, r.Err())
	}
	env.Message = msg
	return env, nil
}

func decodeHeartbeat(r *frame.Reader) Message {
	return Heartbeat{
		MaxSchema: r.Uint32(),
		Version:   r.String(),
		Revision:  r.String(),
	}
}

func decodeStatus(r *frame.Reader) Message {
	var m Status
	m.Frequency = r.Uint64()
	m.Mode = r.String()
	m.DXCall = r.String()
	m.Report = r.String()
	m.TxMode = r.String()
	m.TxEnabled = r.Bool()
	m.Transmitting = r.Bool()
	m.Decoding = r.Bool()
	m.RxDF = r.Uint32()
	m.TxDF = r.Uint32()
	m.DECall = r.String()
	m.DEGrid = r.String()
	m.DXGrid = r.String()
	m.TxWatchdog = r.Bool()
	m.SubMode = r.String()
	m.FastMode = r.Bool()
	m.SpecialOpMode = r.Uint8()
	m.FrequencyTolerance = r.Uint32()
	m.TRPeriod = r.Uint32()
	m.ConfigurationName = r.String()
	m.TxMessage = r.String()
	return m
}

func decodeDecode(r *frame.Reader) Message {
	var m Decode
	m.New = r.Bool()
	m.Time = r.Time()
	m.SNR = r.Int32()
	m.DeltaTime = r.Float64()
	m.DeltaFrequency = r.Uint32()
	m.Mode = r.String()
	m.Message = r.String()
	m.LowConfidence = r.Bool()
	m.OffAir = r.Bool()
	return m
}

func decodeClear(r *frame.Reader) Message {
	if r.Remaining() == 0 {
		return Clear{}
	}
	return Clear{Window: r.Uint8(), HasWindow: true}
}

func decodeReply(r *frame.Reader) Message {
	var m Reply
	m.Time = r.Time()
	m.SNR = r.Int32()
	m.DeltaTime = r.Float64()
	m.DeltaFrequency = r.Uint32()
	m.Mode = r.String()
	m.Message = r.String()
	m.LowConfidence = r.Bool()
	m.Modifiers = r.Uint8()
	return m
}

func decodeQSOLogged(r *frame.Reader) Message {
	var m QSOLogged
	m.TimeOff = r.DateTime()
	m.DXCall = r.String()
	m.DXGrid = r.String()
	m.Frequency = r.Uint64()
	m.Mode = r.String()
	m.ReportSent = r.String()
	m.ReportReceived = r.String()
	m.TxPower = r.String()
	m.Comments = r.String()
	m.Name = r.String()
	m.TimeOn = r.DateTime()
	m.OperatorCall = r.String()
	m.MyCall = r.String()
	m.MyGrid = r.String()
	m.ExchangeSent = r.String()
	m.ExchangeReceived = r.String()
	m.PropMode = r.String()
	return m
}

func decodeFreeText(r *frame.Reader) Message {
	return FreeText{Text: r.String(), Send: r.Bool()}
}
