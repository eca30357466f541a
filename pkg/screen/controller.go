// Package screen drives the kiosk display's power from the playback state.
// The display is switched on as soon as music plays and switched off after
// a visible countdown once it stops.
package screen

import (
	"log/slog"
	"sync"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/sched"
)

// DefaultOffDelay is how long the screen stays on after playback stops.
const DefaultOffDelay = 60 * time.Second

// State is the controller's power state.
type State int

const (
	// StateIdle means no display target is configured or playback is
	// not yet known. No signals are sent.
	StateIdle State = iota
	StateOn
	StateCountingDown
	StateOff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOn:
		return "on"
	case StateCountingDown:
		return "counting_down"
	case StateOff:
		return "off"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Command is a display controller endpoint.
type Command string

const (
	CommandOn  Command = "TurnOnScreen"
	CommandOff Command = "TurnOffScreen"
)

// Signaler delivers commands to the display controller. Signal must not
// block; delivery is fire-and-forget.
type Signaler interface {
	Signal(target string, cmd Command)
}

// Options configures a Controller.
type Options struct {
	OffDelay time.Duration
	Logger   *slog.Logger
}

// Controller is the screen power state machine. Every input change cancels
// the timers of the previous state before entering the next one; stale
// timer callbacks are recognised by their generation and ignored.
type Controller struct {
	sched  sched.Scheduler
	sig    Signaler
	delay  time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	target      string
	playing     bool
	havePlaying bool
	state       State
	countdown   int
	gen         uint64
	interval    sched.Handle
	timeout     sched.Handle
	closed      bool
}

// NewController creates an idle controller.
func NewController(s sched.Scheduler, sig Signaler, opts Options) *Controller {
	if opts.OffDelay <= 0 {
		opts.OffDelay = DefaultOffDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		sched:  s,
		sig:    sig,
		delay:  opts.OffDelay,
		logger: opts.Logger.With("component", "screen"),
	}
}

// SetPlaying feeds the playback flag. Repeating the current value is a
// no-op; the first call always applies.
func (c *Controller) SetPlaying(playing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.havePlaying && c.playing == playing) {
		return
	}
	c.playing = playing
	c.havePlaying = true
	c.applyLocked()
}

// SetTarget sets the display controller base URL. Empty disables signalling.
func (c *Controller) SetTarget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || target == c.target {
		return
	}
	c.target = target
	c.applyLocked()
}

// SetNothingPlaying turns the screen off immediately, skipping the
// countdown. It is used when the backend reports no track at all.
func (c *Controller) SetNothingPlaying() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.havePlaying && !c.playing && c.state == StateOff {
		return
	}
	c.playing = false
	c.havePlaying = true
	c.cancelLocked()
	c.countdown = 0

	if c.target == "" {
		c.state = StateIdle
		return
	}
	c.state = StateOff
	c.logger.Info("nothing playing, screen off")
	c.sig.Signal(c.target, CommandOff)
}

func (c *Controller) applyLocked() {
	c.cancelLocked()
	c.countdown = 0

	if c.target == "" || !c.havePlaying {
		c.state = StateIdle
		return
	}

	if c.playing {
		c.state = StateOn
		c.sig.Signal(c.target, CommandOn)
		return
	}

	c.state = StateCountingDown
	c.countdown = int(c.delay / time.Second)
	gen := c.gen
	c.interval = c.sched.Every(time.Second, func() { c.tick(gen) })
	c.timeout = c.sched.AfterFunc(c.delay, func() { c.expire(gen) })
	c.logger.Debug("screen off countdown started", "seconds", c.countdown)
}

// cancelLocked stops the current state's timers and invalidates any
// callbacks already in flight.
func (c *Controller) cancelLocked() {
	c.gen++
	sched.StopAll(c.interval, c.timeout)
	c.interval, c.timeout = nil, nil
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.countdown <= 1 {
		c.countdown = 0
		if c.interval != nil {
			c.interval.Stop()
			c.interval = nil
		}
		return
	}
	c.countdown--
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.countdown = 0
	if c.interval != nil {
		c.interval.Stop()
		c.interval = nil
	}
	c.timeout = nil
	c.state = StateOff
	c.logger.Info("playback stopped, screen off")
	c.sig.Signal(c.target, CommandOff)
}

// State returns the current power state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Countdown returns the seconds left before the screen turns off, or 0.
func (c *Controller) Countdown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countdown
}

// Target returns the configured display controller URL.
func (c *Controller) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Close cancels all timers. Later inputs are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.closed = true
}
