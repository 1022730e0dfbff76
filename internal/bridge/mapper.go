package bridge

import (
	"math"
	"time"

	"github.com/danmuck/js8net/internal/observability"
	"github.com/danmuck/js8net/internal/peer"
	"github.com/danmuck/js8net/internal/protocol"
	"github.com/rs/zerolog"
)

// Application commands raised by peer requests.
const (
	CmdSetText     = "TX.SET_TEXT"
	CmdSendMessage = "TX.SEND_MESSAGE"
	CmdHalt        = "TX.HALT"
	CmdSetGrid     = "STATION.SET_GRID"
)

// Sender is the outbound half of the peer client.
type Sender interface {
	SendStatus(m protocol.Status)
	SendDecode(m protocol.Decode)
	SendQSOLogged(m protocol.QSOLogged)
}

// StatusInfo is the application state reported in a Status frame.
type StatusInfo struct {
	DialFrequency uint64
	Offset        uint32
	Mode          string
	DXCall        string
	DECall        string
	DEGrid        string
	DXGrid        string
	TxEnabled     bool
	Transmitting  bool
	Decoding      bool
	TxMessage     string
}

// QSOInfo is one logged contact.
type QSOInfo struct {
	TimeOff        time.Time
	DXCall         string
	DXGrid         string
	DialFrequency  uint64
	Mode           string
	ReportSent     string
	ReportReceived string
	MyCall         string
	MyGrid         string
}

// StatusFrame fills the fields WSJT-X listeners expect but the
// application does not track.
func StatusFrame(s StatusInfo) protocol.Status {
	return protocol.Status{
		Frequency:          s.DialFrequency + uint64(s.Offset),
		Mode:               s.Mode,
		DXCall:             s.DXCall,
		TxMode:             s.Mode,
		TxEnabled:          s.TxEnabled,
		Transmitting:       s.Transmitting,
		Decoding:           s.Decoding,
		RxDF:               s.Offset,
		TxDF:               s.Offset,
		DECall:             s.DECall,
		DEGrid:             s.DEGrid,
		DXGrid:             s.DXGrid,
		SubMode:            s.Mode,
		FrequencyTolerance: math.MaxUint32,
		TRPeriod:           math.MaxUint32,
		TxMessage:          s.TxMessage,
	}
}

// QSOFrame reports the contact with time on equal to time off.
func QSOFrame(q QSOInfo) protocol.QSOLogged {
	return protocol.QSOLogged{
		TimeOff:        q.TimeOff,
		DXCall:         q.DXCall,
		DXGrid:         q.DXGrid,
		Frequency:      q.DialFrequency,
		Mode:           q.Mode,
		ReportSent:     q.ReportSent,
		ReportReceived: q.ReportReceived,
		TimeOn:         q.TimeOff,
		MyCall:         q.MyCall,
		MyGrid:         q.MyGrid,
	}
}

// PeerMapper translates between application state and the peer protocol.
type PeerMapper struct {
	sender  Sender
	command func(kind, value string)
	logger  zerolog.Logger
}

var _ peer.Handler = (*PeerMapper)(nil)

func NewPeerMapper(s Sender, command func(kind, value string)) *PeerMapper {
	if command == nil {
		command = func(string, string) {}
	}
	return &PeerMapper{
		sender:  s,
		command: command,
		logger:  observability.Component("bridge"),
	}
}

// Bind sets the sender after construction, for when the peer client needs
// the mapper as its handler first.
func (p *PeerMapper) Bind(s Sender) {
	p.sender = s
}

func (p *PeerMapper) SendStatus(s StatusInfo) {
	if p.sender != nil {
		p.sender.SendStatus(StatusFrame(s))
	}
}

// SendDecode reports an on-air decode.
func (p *PeerMapper) SendDecode(d protocol.Decode) {
	d.OffAir = false
	if p.sender != nil {
		p.sender.SendDecode(d)
	}
}

func (p *PeerMapper) SendQSOLogged(q QSOInfo) {
	if p.sender != nil {
		p.sender.SendQSOLogged(QSOFrame(q))
	}
}

func (p *PeerMapper) Reply(m protocol.Reply) {
	p.logger.Debug().Str("message", m.Message).Msg("peer reply ignored")
}

func (p *PeerMapper) ClearDecodes(window uint8) {
	p.logger.Debug().Uint8("window", window).Msg("peer clear ignored")
}

func (p *PeerMapper) Close() {
	p.logger.Info().Msg("peer closed")
}

func (p *PeerMapper) Replay() {
	p.logger.Debug().Msg("peer replay requested")
}

func (p *PeerMapper) HaltTx(autoOnly bool) {
	if autoOnly {
		return
	}
	p.command(CmdHalt, "")
}

func (p *PeerMapper) FreeText(text string, send bool) {
	p.command(CmdSetText, text)
	if send {
		p.command(CmdSendMessage, text)
	}
}

func (p *PeerMapper) Location(grid string) {
	p.command(CmdSetGrid, grid)
}

func (p *PeerMapper) Error(err error) {
	p.logger.Warn().Err(err).Msg("peer error")
}
