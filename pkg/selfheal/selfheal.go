// Package selfheal restarts the process before a slow leak can take the
// kiosk down. It watches heap usage and, where heap usage cannot be read,
// falls back to counting track changes. Either signal starts a visible
// countdown that ends in a full reload.
package selfheal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/sched"
)

// MemoryReader reports heap usage. *resmon.Monitor satisfies it.
type MemoryReader interface {
	MemoryUsage() (resmon.MemoryUsage, bool)
}

// Reloader performs the full restart. Reload does not return on success.
type Reloader interface {
	Reload(reason string)
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(reason string)

func (f ReloaderFunc) Reload(reason string) { f(reason) }

// Options configures a Controller. Zero values select defaults.
type Options struct {
	// Disabled turns every trigger off. Manual Trigger calls still work.
	Disabled bool

	CheckInterval          time.Duration // default 60s
	MemoryThresholdPercent float64       // default 80
	TrackChangeLimit       int           // default 20
	WarningSeconds         int           // default 10

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = 60 * time.Second
	}
	if o.MemoryThresholdPercent <= 0 {
		o.MemoryThresholdPercent = 80
	}
	if o.TrackChangeLimit <= 0 {
		o.TrackChangeLimit = 20
	}
	if o.WarningSeconds <= 0 {
		o.WarningSeconds = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Countdown is a pending reload.
type Countdown struct {
	Reason           string `json:"reason"`
	SecondsRemaining int    `json:"seconds_remaining"`
}

// Controller is the self-heal state machine: Monitoring until a trigger,
// then CountingDown until the reload. A countdown cannot be cancelled.
type Controller struct {
	mem    MemoryReader
	sched  sched.Scheduler
	reload Reloader
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	check        sched.Handle
	countdown    sched.Handle
	pending      *Countdown
	trackChanges int
	reloaded     bool
}

// New creates a Controller. Call Start to begin periodic checks.
func New(mem MemoryReader, s sched.Scheduler, r Reloader, opts Options) *Controller {
	opts.setDefaults()
	return &Controller{
		mem:    mem,
		sched:  s,
		reload: r,
		opts:   opts,
		logger: opts.Logger.With("component", "selfheal"),
	}
}

// Start runs one check now and then every CheckInterval.
func (c *Controller) Start() {
	if c.opts.Disabled {
		c.logger.Info("auto refresh disabled")
		return
	}
	c.mu.Lock()
	if c.check != nil {
		c.mu.Unlock()
		return
	}
	c.check = c.sched.Every(c.opts.CheckInterval, func() { c.Check() })
	c.mu.Unlock()

	c.Check()
}

// Stop cancels the periodic check and any countdown.
func (c *Controller) Stop() {
	c.mu.Lock()
	handles := []sched.Handle{c.check, c.countdown}
	c.check, c.countdown = nil, nil
	c.mu.Unlock()
	sched.StopAll(handles...)
}

// Check evaluates both triggers. Heap usage is authoritative when known;
// the track-change count only applies when it is not.
func (c *Controller) Check() {
	if c.opts.Disabled {
		return
	}
	usage, ok := c.mem.MemoryUsage()
	if ok {
		if usage.Percentage >= c.opts.MemoryThresholdPercent {
			c.logger.Warn("memory threshold exceeded",
				"percent", fmt.Sprintf("%.1f", usage.Percentage),
				"threshold", c.opts.MemoryThresholdPercent)
			c.Trigger(fmt.Sprintf("memory at %.1f%%", usage.Percentage))
		}
		return
	}

	c.mu.Lock()
	n := c.trackChanges
	c.mu.Unlock()
	if n >= c.opts.TrackChangeLimit {
		c.Trigger(fmt.Sprintf("%d track changes", n))
	}
}

// ObserveTrackChange counts a track change for the fallback trigger and
// checks it immediately.
func (c *Controller) ObserveTrackChange() {
	if c.opts.Disabled {
		return
	}
	c.mu.Lock()
	c.trackChanges++
	n := c.trackChanges
	c.mu.Unlock()

	if _, ok := c.mem.MemoryUsage(); ok {
		return
	}
	if n >= c.opts.TrackChangeLimit {
		c.Trigger(fmt.Sprintf("%d track changes", n))
	}
}

// TrackChanges returns the observed track-change count.
func (c *Controller) TrackChanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackChanges
}

// Trigger starts the reload countdown. It returns false if one is already
// pending.
func (c *Controller) Trigger(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil || c.reloaded {
		return false
	}

	c.pending = &Countdown{Reason: reason, SecondsRemaining: c.opts.WarningSeconds}
	c.countdown = c.sched.Every(time.Second, c.tick)
	c.logger.Warn("reload scheduled", "reason", reason, "seconds", c.opts.WarningSeconds)
	return true
}

func (c *Controller) tick() {
	c.mu.Lock()
	if c.pending == nil || c.reloaded {
		c.mu.Unlock()
		return
	}
	c.pending.SecondsRemaining--
	if c.pending.SecondsRemaining > 0 {
		c.mu.Unlock()
		return
	}
	reason := c.pending.Reason
	c.reloaded = true
	h := c.countdown
	c.countdown = nil
	c.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	c.logger.Warn("reloading now", "reason", reason)
	c.reload.Reload(reason)
}

// Countdown returns the pending reload, if any.
func (c *Controller) Countdown() (Countdown, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Countdown{}, false
	}
	return *c.pending, true
}
