package peer

import "github.com/danmuck/js8net/internal/protocol"

// Handler receives inbound requests and non-fatal errors. Methods run on
// the client goroutine and must not block.
type Handler interface {
	Reply(m protocol.Reply)
	ClearDecodes(window uint8)
	Close()
	Replay()
	HaltTx(autoOnly bool)
	FreeText(text string, send bool)
	Location(grid string)
	Error(err error)
}

// NopHandler ignores every event. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) Reply(protocol.Reply)  {}
func (NopHandler) ClearDecodes(uint8)    {}
func (NopHandler) Close()                {}
func (NopHandler) Replay()               {}
func (NopHandler) HaltTx(bool)           {}
func (NopHandler) FreeText(string, bool) {}
func (NopHandler) Location(string)       {}
func (NopHandler) Error(error)           {}
