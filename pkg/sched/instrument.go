package sched

import (
	"sync/atomic"
	"time"
)

// Kind distinguishes one-shot from repeating registrations.
type Kind int

const (
	// Timeout is a one-shot registration (AfterFunc).
	Timeout Kind = iota
	// Interval is a repeating registration (Every).
	Interval
)

// String returns "timeout" or "interval".
func (k Kind) String() string {
	if k == Interval {
		return "interval"
	}
	return "timeout"
}

// Tracker receives timer registration events. The resource monitor
// implements it to keep live timer counts.
type Tracker interface {
	TimerStarted(kind Kind)
	TimerStopped(kind Kind)
}

// Instrument wraps base so that every registration is reported to t.
// A registration is reported stopped exactly once: when it is cancelled
// or, for timeouts, when it fires.
func Instrument(base Scheduler, t Tracker) Scheduler {
	return &instrumented{base: base, tracker: t}
}

type instrumented struct {
	base    Scheduler
	tracker Tracker
}

func (s *instrumented) Now() time.Time { return s.base.Now() }

func (s *instrumented) AfterFunc(d time.Duration, f func()) Handle {
	h := &trackedHandle{kind: Timeout, tracker: s.tracker}
	s.tracker.TimerStarted(Timeout)
	h.inner = s.base.AfterFunc(d, func() {
		h.release()
		f()
	})
	return h
}

func (s *instrumented) Every(d time.Duration, f func()) Handle {
	h := &trackedHandle{kind: Interval, tracker: s.tracker}
	s.tracker.TimerStarted(Interval)
	h.inner = s.base.Every(d, f)
	return h
}

type trackedHandle struct {
	inner    Handle
	kind     Kind
	tracker  Tracker
	released atomic.Bool
}

func (h *trackedHandle) release() {
	if h.released.CompareAndSwap(false, true) {
		h.tracker.TimerStopped(h.kind)
	}
}

func (h *trackedHandle) Stop() bool {
	stopped := h.inner.Stop()
	h.release()
	return stopped
}
