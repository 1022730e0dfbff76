package protocol

import (
	"github.com/danmuck/js8net/internal/protocol/frame"
)

// Encode writes msg as a complete frame from client id using schemaNum in
// the header.
func Encode(id string, schemaNum uint32, msg Message) []byte {
	w := frame.NewWriter(msg.Type(), id, schemaNum)
	msg.encode(w)
	return w.Bytes()
}

func (m Heartbeat) encode(w *frame.Writer) {
	w.Uint32(m.MaxSchema).String(m.Version).String(m.Revision)
}

func (m Status) encode(w *frame.Writer) {
	w.Uint64(m.Frequency).
		String(m.Mode).
		String(m.DXCall).
		String(m.Report).
		String(m.TxMode).
		Bool(m.TxEnabled).
		Bool(m.Transmitting).
		Bool(m.Decoding).
		Uint32(m.RxDF).
		Uint32(m.TxDF).
		String(m.DECall).
		String(m.DEGrid).
		String(m.DXGrid).
		Bool(m.TxWatchdog).
		String(m.SubMode).
		Bool(m.FastMode).
		Uint8(m.SpecialOpMode).
		Uint32(m.FrequencyTolerance).
		Uint32(m.TRPeriod).
		String(m.ConfigurationName).
		String(m.TxMessage)
}

func (m Decode) encode(w *frame.Writer) {
	w.Bool(m.New).
		Time(m.Time).
		Int32(m.SNR).
		Float64(m.DeltaTime).
		Uint32(m.DeltaFrequency).
		String(m.Mode).
		String(m.Message).
		Bool(m.LowConfidence).
		Bool(m.OffAir)
}

func (m Clear) encode(w *frame.Writer) {
	if m.HasWindow {
		w.Uint8(m.Window)
	}
}

func (m Reply) encode(w *frame.Writer) {
	w.Time(m.Time).
		Int32(m.SNR).
		Float64(m.DeltaTime).
		Uint32(m.DeltaFrequency).
		String(m.Mode).
		String(m.Message).
		Bool(m.LowConfidence).
		Uint8(m.Modifiers)
}

func (m QSOLogged) encode(w *frame.Writer) {
	w.DateTime(m.TimeOff).
		String(m.DXCall).
		String(m.DXGrid).
		Uint64(m.Frequency).
		String(m.Mode).
		String(m.ReportSent).
		String(m.ReportReceived).
		String(m.TxPower).
		String(m.Comments).
		String(m.Name).
		DateTime(m.TimeOn).
		String(m.OperatorCall).
		String(m.MyCall).
		String(m.MyGrid).
		String(m.ExchangeSent).
		String(m.ExchangeReceived).
		String(m.PropMode)
}

func (Close) encode(*frame.Writer) {}

func (Replay) encode(*frame.Writer) {}

func (m HaltTx) encode(w *frame.Writer) {
	w.Bool(m.AutoOnly)
}

func (m FreeText) encode(w *frame.Writer) {
	w.String(m.Text).Bool(m.Send)
}

func (m Location) encode(w *frame.Writer) {
	w.String(m.Grid)
}

func (m LoggedADIF) encode(w *frame.Writer) {
	w.String(m.ADIF)
}
