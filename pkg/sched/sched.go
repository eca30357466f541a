// Package sched is the single timer facility for kiosk-pulse. Every
// countdown, poll cadence and delayed refresh goes through a Scheduler so
// that registrations can be counted (see Instrument) and so tests can drive
// time deterministically (see Fake).
package sched

import (
	"sync"
	"time"
)

// Handle cancels a scheduled task. Stop is idempotent; it returns true only
// for the call that cancelled a task that had not yet fired or stopped.
type Handle interface {
	Stop() bool
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler registers one-shot and repeating callbacks. Callbacks may run
// on goroutines other than the caller's; components guard their own state.
type Scheduler interface {
	Clock

	// AfterFunc runs f once after d.
	AfterFunc(d time.Duration, f func()) Handle

	// Every runs f every d until the handle is stopped. The first run
	// happens after d, not immediately.
	Every(d time.Duration, f func()) Handle
}

// System is the Scheduler backed by the runtime's timers.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (System) AfterFunc(d time.Duration, f func()) Handle {
	return timerHandle{t: time.AfterFunc(d, f)}
}

// Every starts a ticker goroutine that calls f on each tick.
func (System) Every(d time.Duration, f func()) Handle {
	h := &tickerHandle{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go h.loop(f)
	return h
}

type timerHandle struct {
	t *time.Timer
}

func (h timerHandle) Stop() bool { return h.t.Stop() }

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) loop(f func()) {
	for {
		select {
		case <-h.done:
			return
		case <-h.ticker.C:
			// A stop racing a tick must win.
			select {
			case <-h.done:
				return
			default:
			}
			f()
		}
	}
}

func (h *tickerHandle) Stop() bool {
	stopped := false
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
		stopped = true
	})
	return stopped
}

// StopAll stops every non-nil handle. It is a convenience for teardown
// paths that own several handles.
func StopAll(handles ...Handle) {
	for _, h := range handles {
		if h != nil {
			h.Stop()
		}
	}
}
