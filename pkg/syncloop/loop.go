// Package syncloop keeps the local playback state in step with the remote
// backend. A fixed-cadence poll fetches the lightweight status; the full
// track descriptor is only fetched when the server says the track changed
// or a refresh is forced. User actions pause the regular cadence briefly
// and schedule one forced refresh so the backend has time to settle.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/playback"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/remote"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/sched"
)

// ErrNoTrack is returned by ToggleLike when nothing is playing.
var ErrNoTrack = errors.New("no track to like")

// Remote is the subset of the backend client the loop needs.
type Remote interface {
	Status(ctx context.Context, trackID string, playing bool) (remote.Status, error)
	CurrentlyPlaying(ctx context.Context) (remote.NowPlaying, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Skip(ctx context.Context) error
	Like(ctx context.Context, trackID string) error
	Unlike(ctx context.Context, trackID string) error
}

// ListenerTracker receives subscription counts.
type ListenerTracker interface {
	ListenerAdded()
	ListenerRemoved()
}

// ActionDelays is how long to wait after each action before the forced
// refresh.
type ActionDelays struct {
	PlayPause time.Duration
	Skip      time.Duration
	Like      time.Duration
}

// Options configures a Loop. Zero durations select defaults.
type Options struct {
	Interval         time.Duration // default 1s
	PauseAfterAction time.Duration // default 1500ms
	ActionDelays     ActionDelays  // default 300ms each
	RequestTimeout   time.Duration // per timer-driven poll, default 5s

	// OnAuthRequired runs when the backend rejects the session.
	OnAuthRequired func()

	// OnScreenServer runs when the backend advertises a different display
	// controller address.
	OnScreenServer func(url string)

	Listeners ListenerTracker
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.PauseAfterAction <= 0 {
		o.PauseAfterAction = 1500 * time.Millisecond
	}
	if o.ActionDelays.PlayPause <= 0 {
		o.ActionDelays.PlayPause = 300 * time.Millisecond
	}
	if o.ActionDelays.Skip <= 0 {
		o.ActionDelays.Skip = 300 * time.Millisecond
	}
	if o.ActionDelays.Like <= 0 {
		o.ActionDelays.Like = 300 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Loop owns the playback state. It is the only writer.
type Loop struct {
	remote Remote
	sched  sched.Scheduler
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// pollMu serializes polls. Regular ticks skip while it is held; forced
	// polls wait.
	pollMu sync.Mutex

	mu           sync.Mutex
	state        playback.State
	pausedUntil  time.Time
	tick         sched.Handle
	refreshes    map[uint64]sched.Handle
	nextRefresh  uint64
	subs         map[uint64]func(playback.State)
	trackSubs    map[uint64]func(*playback.Track)
	nextSub      uint64
	screenServer string
	polls        uint64

	// actionSeq numbers optimistic updates. playingSeq and likedSeq hold
	// the number of the latest update to each field; a status response
	// requested before that update must not overwrite it.
	actionSeq  uint64
	playingSeq uint64
	likedSeq   uint64
}

// New creates a stopped Loop.
func New(r Remote, s sched.Scheduler, opts Options) *Loop {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		remote:    r,
		sched:     s,
		opts:      opts,
		logger:    opts.Logger.With("component", "sync"),
		ctx:       ctx,
		cancel:    cancel,
		refreshes: make(map[uint64]sched.Handle),
		subs:      make(map[uint64]func(playback.State)),
		trackSubs: make(map[uint64]func(*playback.Track)),
	}
}

// Start performs the initial poll and registers the polling interval. The
// interval is registered once for the lifetime of the loop.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.tick != nil {
		l.mu.Unlock()
		return
	}
	l.tick = l.sched.Every(l.opts.Interval, l.onTick)
	l.mu.Unlock()

	l.onTick()
}

// Stop cancels the interval, pending refreshes and in-flight requests.
func (l *Loop) Stop() {
	l.mu.Lock()
	handles := make([]sched.Handle, 0, len(l.refreshes)+1)
	if l.tick != nil {
		handles = append(handles, l.tick)
	}
	for id, h := range l.refreshes {
		handles = append(handles, h)
		delete(l.refreshes, id)
	}
	l.mu.Unlock()

	sched.StopAll(handles...)
	l.cancel()
}

func (l *Loop) onTick() {
	ctx, cancel := context.WithTimeout(l.ctx, l.opts.RequestTimeout)
	defer cancel()
	_ = l.Poll(ctx, false)
}

// State returns a copy of the current playback state.
func (l *Loop) State() playback.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Polls is the number of poll attempts that reached the network.
func (l *Loop) Polls() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.polls
}

// PausePolling suppresses regular polls for d from now. Forced polls are
// unaffected.
func (l *Loop) PausePolling(d time.Duration) {
	l.mu.Lock()
	l.pausedUntil = l.sched.Now().Add(d)
	l.mu.Unlock()
}

// Paused reports whether regular polls are currently suppressed.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sched.Now().Before(l.pausedUntil)
}

// ForceRefresh schedules exactly one forced poll after delay.
func (l *Loop) ForceRefresh(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextRefresh
	l.nextRefresh++
	l.refreshes[id] = l.sched.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.refreshes, id)
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(l.ctx, l.opts.RequestTimeout)
		defer cancel()
		_ = l.Poll(ctx, true)
	})
}

// Poll synchronizes with the backend. A non-forced poll is a no-op inside
// the pause window or while another poll is running.
func (l *Loop) Poll(ctx context.Context, force bool) error {
	if !force && l.Paused() {
		return nil
	}
	if force {
		l.pollMu.Lock()
	} else if !l.pollMu.TryLock() {
		return nil
	}
	defer l.pollMu.Unlock()

	err := l.poll(ctx, force)

	l.mu.Lock()
	first := !l.state.Loaded
	l.state.Loaded = true
	l.mu.Unlock()
	if first {
		l.publish()
	}
	return err
}

func (l *Loop) poll(ctx context.Context, force bool) error {
	l.mu.Lock()
	l.polls++
	id := l.state.TrackID()
	hasTrack := l.state.Track != nil
	seq := l.actionSeq
	l.mu.Unlock()

	st, err := l.remote.Status(ctx, id, hasTrack)
	if err != nil {
		return l.failed("poll track status", err)
	}

	l.mu.Lock()
	l.state.Progress = st.Progress
	l.state.Duration = st.Duration
	if l.playingSeq <= seq {
		l.state.IsPlaying = st.Playing
		l.state.PlayingPending = false
	}
	if l.likedSeq <= seq {
		l.state.IsLiked = st.Liked
		l.state.LikedPending = false
	}
	l.mu.Unlock()
	l.publish()

	if st.SameTrack && !force {
		return nil
	}

	np, err := l.remote.CurrentlyPlaying(ctx)
	if err != nil {
		return l.failed("fetch track details", err)
	}
	l.replaceTrack(np)
	return nil
}

func (l *Loop) replaceTrack(np remote.NowPlaying) {
	l.mu.Lock()
	prevID := l.state.TrackID()
	l.state.Track = np.Track
	changed := l.state.TrackID() != prevID
	screenChanged := np.ScreenServerURL != "" && np.ScreenServerURL != l.screenServer
	if screenChanged {
		l.screenServer = np.ScreenServerURL
	}
	l.mu.Unlock()

	if screenChanged && l.opts.OnScreenServer != nil {
		l.opts.OnScreenServer(np.ScreenServerURL)
	}
	l.publish()
	if changed {
		l.logger.Info("track changed", "from", prevID, "to", trackID(np.Track))
		l.publishTrack(np.Track)
	}
}

func trackID(t *playback.Track) string {
	if t == nil {
		return ""
	}
	return t.ID
}

// failed classifies err. Unauthorized runs the auth hook; everything else
// is logged and left for the next tick to retry.
func (l *Loop) failed(op string, err error) error {
	if remote.IsUnauthorized(err) {
		l.logger.Warn("session rejected, authentication required", "op", op)
		if l.opts.OnAuthRequired != nil {
			l.opts.OnAuthRequired()
		}
		return err
	}
	if errors.Is(err, context.Canceled) && l.ctx.Err() != nil {
		return err
	}
	l.logger.Error("poll failed", "op", op, "err", err)
	return fmt.Errorf("%s: %w", op, err)
}

// --- actions ---

// TogglePlay pauses when playing and resumes otherwise.
func (l *Loop) TogglePlay(ctx context.Context) error {
	playing := l.State().IsPlaying
	var err error
	if playing {
		err = l.remote.Pause(ctx)
	} else {
		err = l.remote.Play(ctx)
	}
	if err != nil {
		return l.actionFailed("toggle play", err)
	}

	l.update(func(s *playback.State) {
		l.actionSeq++
		l.playingSeq = l.actionSeq
		s.IsPlaying = !playing
		s.PlayingPending = true
	})
	l.settle(l.opts.ActionDelays.PlayPause)
	return nil
}

// Skip advances to the next track. There is no optimistic value; the
// forced refresh picks up the new track.
func (l *Loop) Skip(ctx context.Context) error {
	if err := l.remote.Skip(ctx); err != nil {
		return l.actionFailed("skip", err)
	}
	l.settle(l.opts.ActionDelays.Skip)
	return nil
}

// ToggleLike likes or unlikes the current track.
func (l *Loop) ToggleLike(ctx context.Context) error {
	st := l.State()
	if st.Track == nil {
		return ErrNoTrack
	}
	var err error
	if st.IsLiked {
		err = l.remote.Unlike(ctx, st.Track.ID)
	} else {
		err = l.remote.Like(ctx, st.Track.ID)
	}
	if err != nil {
		return l.actionFailed("toggle like", err)
	}

	l.update(func(s *playback.State) {
		l.actionSeq++
		l.likedSeq = l.actionSeq
		s.IsLiked = !st.IsLiked
		s.LikedPending = true
	})
	l.settle(l.opts.ActionDelays.Like)
	return nil
}

func (l *Loop) settle(delay time.Duration) {
	l.PausePolling(l.opts.PauseAfterAction)
	l.ForceRefresh(delay)
}

func (l *Loop) actionFailed(op string, err error) error {
	if remote.IsUnauthorized(err) {
		l.logger.Warn("session rejected, authentication required", "op", op)
		if l.opts.OnAuthRequired != nil {
			l.opts.OnAuthRequired()
		}
		return err
	}
	l.logger.Error("unable to reach server", "op", op, "err", err)
	return fmt.Errorf("%s: %w", op, err)
}

// update applies fn under the state lock and publishes.
func (l *Loop) update(fn func(s *playback.State)) {
	l.mu.Lock()
	fn(&l.state)
	l.mu.Unlock()
	l.publish()
}
