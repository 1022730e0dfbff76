package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/danmuck/js8net/internal/clock"
)

// HeardList records when stations were last heard on air. Pinned calls
// always read as heard now. Safe for concurrent use.
type HeardList struct {
	clock  clock.Clock
	mu     sync.RWMutex
	heard  map[string]time.Time
	pinned map[string]struct{}
}

func NewHeardList(c clock.Clock) *HeardList {
	if c == nil {
		c = clock.System{}
	}
	return &HeardList{
		clock:  c,
		heard:  make(map[string]time.Time),
		pinned: make(map[string]struct{}),
	}
}

func heardKey(call string) string {
	return strings.ToUpper(strings.TrimSpace(call))
}

// Mark records call as heard at.
func (h *HeardList) Mark(call string, at time.Time) {
	key := heardKey(call)
	if key == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.heard[key]; ok && prev.After(at) {
		return
	}
	h.heard[key] = at
}

// Pin replaces the pinned set.
func (h *HeardList) Pin(calls []string) {
	pinned := make(map[string]struct{}, len(calls))
	for _, call := range calls {
		if key := heardKey(call); key != "" {
			pinned[key] = struct{}{}
		}
	}
	h.mu.Lock()
	h.pinned = pinned
	h.mu.Unlock()
}

func (h *HeardList) Lookup(call string) CallActivity {
	key := heardKey(call)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.pinned[key]; ok {
		return CallActivity{Heard: true, LastHeard: h.clock.Now()}
	}
	at, ok := h.heard[key]
	if !ok {
		return CallActivity{}
	}
	return CallActivity{Heard: true, LastHeard: at}
}
