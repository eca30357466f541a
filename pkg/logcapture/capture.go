// Package logcapture keeps the most recent log output of the process in a
// bounded buffer so it can be shown on the diagnostics overlay and served
// over IPC without access to the journal.
//
// Capture hooks slog's default logger. Because slog.SetDefault also routes
// the standard log package through the new handler, log.Printf output is
// captured as well.
package logcapture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/ring"
)

// DefaultCapacity is the number of entries retained.
const DefaultCapacity = 100

// Channel is the console channel an entry was written to.
type Channel string

const (
	ChannelLog   Channel = "log"
	ChannelWarn  Channel = "warn"
	ChannelError Channel = "error"
)

// ChannelForLevel maps a slog level onto a channel. Debug and Info share the
// log channel.
func ChannelForLevel(l slog.Level) Channel {
	switch {
	case l >= slog.LevelError:
		return ChannelError
	case l >= slog.LevelWarn:
		return ChannelWarn
	default:
		return ChannelLog
	}
}

// Entry is one captured log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Label   string    `json:"timestamp"`
	Channel Channel   `json:"channel"`
	Message string    `json:"message"`
}

// ListenerTracker receives subscription counts. *resmon.Monitor satisfies it.
type ListenerTracker interface {
	ListenerAdded()
	ListenerRemoved()
}

// Options configures a Capture.
type Options struct {
	Capacity  int
	Listeners ListenerTracker
	// Now stamps entries whose record carries no time. Nil uses time.Now.
	Now func() time.Time
}

// Capture is the log ring buffer and its subscribers.
type Capture struct {
	buf       *ring.Buffer[Entry]
	listeners ListenerTracker
	now       func() time.Time

	mu      sync.Mutex
	subs    map[uint64]func([]Entry)
	nextSub uint64
	started bool
	prev    *slog.Logger
}

// New creates an idle Capture. Call Start to hook the default logger.
func New(opts Options) *Capture {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Capture{
		buf:       ring.New[Entry](opts.Capacity),
		listeners: opts.Listeners,
		now:       opts.Now,
		subs:      make(map[uint64]func([]Entry)),
	}
}

// Start wraps the current default logger's handler. Calling it again is a
// no-op. The default handler must be a concrete handler (such as the
// TextHandler installed at startup), not slog's built-in one, which writes
// back through the log package and would loop.
func (c *Capture) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.prev = slog.Default()
	c.mu.Unlock()

	slog.SetDefault(slog.New(c.Handler(c.prev.Handler())))
}

// Stop restores the logger that was the default when Start ran.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	prev := c.prev
	c.prev = nil
	c.mu.Unlock()

	slog.SetDefault(prev)
}

// Started reports whether the default logger is hooked.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Record appends an entry directly, bypassing slog.
func (c *Capture) Record(ch Channel, message string) {
	c.add(Entry{Time: c.now(), Channel: ch, Message: message})
}

// Recordf is Record with fmt formatting.
func (c *Capture) Recordf(ch Channel, format string, args ...any) {
	c.Record(ch, fmt.Sprintf(format, args...))
}

func (c *Capture) add(e Entry) {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	e.Label = e.Time.Format("15:04:05")
	c.buf.Push(e)
	c.notify(c.buf.Items())
}

// Entries returns the buffered entries, oldest first.
func (c *Capture) Entries() []Entry {
	return c.buf.Items()
}

// Tail returns at most the n newest entries. n <= 0 returns all.
func (c *Capture) Tail(n int) []Entry {
	items := c.buf.Items()
	if n <= 0 || n >= len(items) {
		return items
	}
	return items[len(items)-n:]
}

// Total is the number of entries ever captured, including evicted ones.
func (c *Capture) Total() int64 {
	return c.buf.Total()
}

// Clear empties the buffer and notifies subscribers with an empty slice.
func (c *Capture) Clear() {
	c.buf.Clear()
	c.notify([]Entry{})
}

// Subscribe delivers the current buffer to fn immediately and then after
// every change. fn receives its own copy.
func (c *Capture) Subscribe(fn func([]Entry)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	listeners := c.listeners
	c.mu.Unlock()

	if listeners != nil {
		listeners.ListenerAdded()
	}
	call(fn, c.buf.Items())

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			if listeners != nil {
				listeners.ListenerRemoved()
			}
		})
	}
}

// TrackListeners reports subsequent subscriptions to t. It lets the
// capture exist before the tracker, so the tracker can log through it.
func (c *Capture) TrackListeners(t ListenerTracker) {
	c.mu.Lock()
	c.listeners = t
	c.mu.Unlock()
}

func (c *Capture) notify(entries []Entry) {
	c.mu.Lock()
	fns := make([]func([]Entry), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		cp := make([]Entry, len(entries))
		copy(cp, entries)
		call(fn, cp)
	}
}

// call runs a subscriber. A panicking subscriber must not take the logger
// down with it, and logging the panic here could recurse, so it is dropped.
func call(fn func([]Entry), entries []Entry) {
	defer func() { _ = recover() }()
	fn(entries)
}
