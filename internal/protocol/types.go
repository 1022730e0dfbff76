package protocol

import (
	"time"

	"github.com/danmuck/js8net/internal/protocol/frame"
	"github.com/danmuck/js8net/internal/protocol/schema"
)

// Message is one typed peer message body.
type Message interface {
	Type() schema.MessageType
	encode(w *frame.Writer)
}

type Heartbeat struct {
	MaxSchema uint32
	Version   string
	Revision  string
}

type Status struct {
	Frequency          uint64
	Mode               string
	DXCall             string
	Report             string
	TxMode             string
	TxEnabled          bool
	Transmitting       bool
	Decoding           bool
	RxDF               uint32
	TxDF               uint32
	DECall             string
	DEGrid             string
	DXGrid             string
	TxWatchdog         bool
	SubMode            string
	FastMode           bool
	SpecialOpMode      uint8
	FrequencyTolerance uint32
	TRPeriod           uint32
	ConfigurationName  string
	TxMessage          string
}

// Decode is a decoded transmission. Time is the time of day; -1 is null.
type Decode struct {
	New            bool
	Time           time.Duration
	SNR            int32
	DeltaTime      float64
	DeltaFrequency uint32
	Mode           string
	Message        string
	LowConfidence  bool
	OffAir         bool
}

// Clear is sent bodiless when our decodes were cleared. Inbound requests
// name the window to clear.
type Clear struct {
	Window    uint8
	HasWindow bool
}

type Reply struct {
	Time           time.Duration
	SNR            int32
	DeltaTime      float64
	DeltaFrequency uint32
	Mode           string
	Message        string
	LowConfidence  bool
	Modifiers      uint8
}

type QSOLogged struct {
	TimeOff          time.Time
	DXCall           string
	DXGrid           string
	Frequency        uint64
	Mode             string
	ReportSent       string
	ReportReceived   string
	TxPower          string
	Comments         string
	Name             string
	TimeOn           time.Time
	OperatorCall     string
	MyCall           string
	MyGrid           string
	ExchangeSent     string
	ExchangeReceived string
	PropMode         string
}

type Close struct{}

type Replay struct{}

type HaltTx struct {
	AutoOnly bool
}

type FreeText struct {
	Text string
	Send bool
}

type Location struct {
	Grid string
}

type LoggedADIF struct {
	ADIF string
}

const adifHeader = "\n<adif_ver:5>3.1.0\n<programid:6>WSJT-X\n<EOH>\n"

// WrapADIF frames a bare record the way WSJT-X listeners expect it.
func WrapADIF(record string) LoggedADIF {
	return LoggedADIF{ADIF: adifHeader + record + " <EOR>"}
}

func (Heartbeat) Type() schema.MessageType  { return schema.MsgHeartbeat }
func (Status) Type() schema.MessageType     { return schema.MsgStatus }
func (Decode) Type() schema.MessageType     { return schema.MsgDecode }
func (Clear) Type() schema.MessageType      { return schema.MsgClear }
func (Reply) Type() schema.MessageType      { return schema.MsgReply }
func (QSOLogged) Type() schema.MessageType  { return schema.MsgQSOLogged }
func (Close) Type() schema.MessageType      { return schema.MsgClose }
func (Replay) Type() schema.MessageType     { return schema.MsgReplay }
func (HaltTx) Type() schema.MessageType     { return schema.MsgHaltTx }
func (FreeText) Type() schema.MessageType   { return schema.MsgFreeText }
func (Location) Type() schema.MessageType   { return schema.MsgLocation }
func (LoggedADIF) Type() schema.MessageType { return schema.MsgLoggedADIF }
