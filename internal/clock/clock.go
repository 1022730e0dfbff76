// Package clock provides the time source shared by the protocol clients.
//
// The application keeps its notion of "now" slightly offset from the host
// clock (decoder time drift). Clients take a Clock instead of reading the
// wall clock so that the offset and the tests control staleness checks.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current UTC time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// System is the host clock in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Drifting is the host clock shifted by an adjustable offset.
type Drifting struct {
	mu    sync.RWMutex
	drift time.Duration
}

func NewDrifting() *Drifting {
	return &Drifting{}
}

func (d *Drifting) Now() time.Time {
	return time.Now().UTC().Add(d.Drift())
}

func (d *Drifting) AfterFunc(dur time.Duration, f func()) Timer {
	return time.AfterFunc(dur, f)
}

func (d *Drifting) Drift() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.drift
}

// SetDrift sets the offset and reports whether it changed.
func (d *Drifting) SetDrift(drift time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drift == drift {
		return false
	}
	d.drift = drift
	return true
}
