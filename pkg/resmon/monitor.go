// Package resmon is the process-wide resource monitor for kiosk-pulse. It
// keeps live counts of listener and timer registrations, samples the heap
// on a cadence into a bounded history, and derives growth rate and health
// tiers used for leak detection and self-healing.
//
// A single Monitor is built at startup and handed to every component that
// registers listeners or timers. Timer counts arrive through
// sched.Instrument; listener counts through ListenerAdded/ListenerRemoved.
package resmon

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/ring"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/sched"
)

// DefaultCapacity is the default snapshot history length.
const DefaultCapacity = 30

const bytesPerMB = 1024 * 1024

// Snapshot is one timestamped reading of every tracked resource. Heap is
// nil when heap introspection is unavailable.
type Snapshot struct {
	Timestamp     time.Time     `json:"timestamp"`
	Heap          *HeapSample   `json:"heap,omitempty"`
	NodeCount     int           `json:"node_count"`
	Goroutines    int           `json:"goroutines"`
	ListenerCount int           `json:"listener_count"`
	IntervalCount int           `json:"interval_count"`
	TimeoutCount  int           `json:"timeout_count"`
	Uptime        time.Duration `json:"uptime"`
}

// Counters are the live registration counts.
type Counters struct {
	Listeners int `json:"listeners"`
	Intervals int `json:"intervals"`
	Timeouts  int `json:"timeouts"`
}

// MemoryUsage is the heap reading expressed in MB and percent of limit.
type MemoryUsage struct {
	UsedMB     float64 `json:"used_mb"`
	TotalMB    float64 `json:"total_mb"`
	LimitMB    float64 `json:"limit_mb"`
	Percentage float64 `json:"percentage"`
}

// Options configures a Monitor. Zero values select defaults.
type Options struct {
	// Capacity is the snapshot history length (default 30).
	Capacity int

	// Heap reads heap usage. Nil selects RuntimeHeap.
	Heap HeapReader

	// NodeCounter reports live render nodes. Nil counts goroutines, the
	// daemon's closest equivalent of retained UI nodes.
	NodeCounter func() int

	// Clock supplies timestamps. Nil uses the system clock.
	Clock sched.Clock

	// UserAgent identifies the binary in exported reports.
	UserAgent string

	// Environment overrides environment detection for reports.
	Environment func() Environment

	Logger *slog.Logger
}

// Monitor is the resource monitor. It is safe for concurrent use.
type Monitor struct {
	history *ring.Buffer[Snapshot]
	heap    HeapReader
	nodes   func() int
	clock   sched.Clock
	env     func() Environment
	logger  *slog.Logger

	mu       sync.Mutex
	start    time.Time
	counters Counters
	subs     map[uint64]func()
	nextSub  uint64
}

// New creates a Monitor and starts its uptime clock.
func New(opts Options) *Monitor {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Heap == nil {
		opts.Heap = RuntimeHeap{}
	}
	if opts.NodeCounter == nil {
		opts.NodeCounter = runtime.NumGoroutine
	}
	if opts.Clock == nil {
		opts.Clock = sched.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Environment == nil {
		ua := opts.UserAgent
		opts.Environment = func() Environment { return DetectEnvironment(ua) }
	}

	return &Monitor{
		history: ring.New[Snapshot](opts.Capacity),
		heap:    opts.Heap,
		nodes:   opts.NodeCounter,
		clock:   opts.Clock,
		env:     opts.Environment,
		logger:  opts.Logger,
		start:   opts.Clock.Now(),
		subs:    make(map[uint64]func()),
	}
}

// TakeSnapshot samples every resource, appends the result to the history
// (evicting the oldest past capacity), notifies subscribers and returns it.
func (m *Monitor) TakeSnapshot() Snapshot {
	now := m.clock.Now()

	snap := Snapshot{
		Timestamp:  now,
		NodeCount:  m.nodes(),
		Goroutines: runtime.NumGoroutine(),
	}
	if sample, ok := m.heap.ReadHeap(); ok {
		snap.Heap = &sample
	}

	m.mu.Lock()
	snap.ListenerCount = m.counters.Listeners
	snap.IntervalCount = m.counters.Intervals
	snap.TimeoutCount = m.counters.Timeouts
	snap.Uptime = now.Sub(m.start)
	m.mu.Unlock()

	m.history.Push(snap)
	m.notify()
	return snap
}

// Start takes a snapshot now and then every interval.
func (m *Monitor) Start(s sched.Scheduler, every time.Duration) sched.Handle {
	m.TakeSnapshot()
	return s.Every(every, func() { m.TakeSnapshot() })
}

// Snapshots returns the retained history, oldest first.
func (m *Monitor) Snapshots() []Snapshot {
	return m.history.Items()
}

// Last returns the newest snapshot without sampling.
func (m *Monitor) Last() (Snapshot, bool) {
	return m.history.Last()
}

// Latest returns the newest snapshot, taking one if the history is empty.
func (m *Monitor) Latest() Snapshot {
	if s, ok := m.history.Last(); ok {
		return s
	}
	return m.TakeSnapshot()
}

// Uptime returns the time since construction or the last Reset.
func (m *Monitor) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Sub(m.start)
}

// MemoryUsage reads the heap now. ok is false when introspection is
// unavailable.
func (m *Monitor) MemoryUsage() (MemoryUsage, bool) {
	sample, ok := m.heap.ReadHeap()
	if !ok || sample.Limit == 0 {
		return MemoryUsage{}, false
	}
	return usageFromSample(sample), true
}

func usageFromSample(s HeapSample) MemoryUsage {
	return MemoryUsage{
		UsedMB:     float64(s.Used) / bytesPerMB,
		TotalMB:    float64(s.Total) / bytesPerMB,
		LimitMB:    float64(s.Limit) / bytesPerMB,
		Percentage: float64(s.Used) / float64(s.Limit) * 100,
	}
}

// Reset clears the history and restarts the uptime clock. Counters are
// left alone; they describe live registrations.
func (m *Monitor) Reset() {
	m.history.Clear()
	m.mu.Lock()
	m.start = m.clock.Now()
	m.mu.Unlock()
	m.notify()
}

// --- counters ---

// Counters returns a copy of the live registration counts.
func (m *Monitor) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// ListenerAdded records a listener registration.
func (m *Monitor) ListenerAdded() {
	m.adjust(func(c *Counters) { c.Listeners++ })
}

// ListenerRemoved records a deregistration. The count never drops below
// zero, even for unmatched calls.
func (m *Monitor) ListenerRemoved() {
	m.adjust(func(c *Counters) { c.Listeners = decrement(c.Listeners) })
}

// TimerStarted implements sched.Tracker.
func (m *Monitor) TimerStarted(kind sched.Kind) {
	m.adjust(func(c *Counters) {
		if kind == sched.Interval {
			c.Intervals++
		} else {
			c.Timeouts++
		}
	})
}

// TimerStopped implements sched.Tracker. Floored at zero.
func (m *Monitor) TimerStopped(kind sched.Kind) {
	m.adjust(func(c *Counters) {
		if kind == sched.Interval {
			c.Intervals = decrement(c.Intervals)
		} else {
			c.Timeouts = decrement(c.Timeouts)
		}
	})
}

func (m *Monitor) adjust(fn func(c *Counters)) {
	m.mu.Lock()
	fn(&m.counters)
	m.mu.Unlock()
	m.notify()
}

func decrement(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}

// --- subscriptions ---

// Subscribe registers fn to run after every snapshot, counter change and
// reset. The registration itself counts as a listener. Callbacks must not
// block.
func (m *Monitor) Subscribe(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.counters.Listeners++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			m.ListenerRemoved()
		})
	}
}

func (m *Monitor) notify() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.call(fn)
	}
}

func (m *Monitor) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("resource monitor subscriber panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
