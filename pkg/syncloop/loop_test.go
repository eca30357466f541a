package syncloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/playback"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/remote"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/sched"
)

var epoch = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

// fakeRemote scripts backend responses and records calls.
type fakeRemote struct {
	mu sync.Mutex

	status    remote.Status
	statusErr error
	now       remote.NowPlaying
	nowErr    error
	actionErr error

	statusCalls int
	nowCalls    int
	lastID      string
	lastPlaying bool
	actions     []string
}

func (f *fakeRemote) Status(_ context.Context, id string, playing bool) (remote.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	f.lastID, f.lastPlaying = id, playing
	return f.status, f.statusErr
}

func (f *fakeRemote) CurrentlyPlaying(context.Context) (remote.NowPlaying, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowCalls++
	return f.now, f.nowErr
}

func (f *fakeRemote) act(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, name)
	return f.actionErr
}

func (f *fakeRemote) Play(context.Context) error               { return f.act("play") }
func (f *fakeRemote) Pause(context.Context) error              { return f.act("pause") }
func (f *fakeRemote) Skip(context.Context) error               { return f.act("skip") }
func (f *fakeRemote) Like(_ context.Context, id string) error   { return f.act("like:" + id) }
func (f *fakeRemote) Unlike(_ context.Context, id string) error { return f.act("unlike:" + id) }

func (f *fakeRemote) calls() (status, now int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.nowCalls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoop(r Remote, clock *sched.Fake, opts Options) *Loop {
	opts.Logger = quietLogger()
	return New(r, clock, opts)
}

func trackA() *playback.Track { return &playback.Track{ID: "a", Title: "Alpha", Artist: "X"} }

func TestPausedPollMakesNoNetworkCall(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &fakeRemote{status: remote.Status{SameTrack: true}}
	l := newLoop(r, clock, Options{})
	ctx := context.Background()

	l.PausePolling(1500 * time.Millisecond)

	clock.Advance(1000 * time.Millisecond)
	if err := l.Poll(ctx, false); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	clock.Advance(499 * time.Millisecond)
	l.Poll(ctx, false)
	if s, _ := r.calls(); s != 0 {
		t.Fatalf("status calls inside pause window = %d, want 0", s)
	}

	// A forced poll ignores the window.
	l.Poll(ctx, true)
	if s, _ := r.calls(); s != 1 {
		t.Fatalf("status calls after forced poll = %d, want 1", s)
	}

	clock.Advance(time.Millisecond)
	l.Poll(ctx, false)
	if s, _ := r.calls(); s != 2 {
		t.Errorf("status calls after window = %d, want 2", s)
	}
}

func TestSameTrackSkipsDescriptorFetch(t *testing.T) {
	tests := []struct {
		name      string
		sameTrack bool
		force     bool
		wantNow   int
	}{
		{"same track", true, false, 0},
		{"changed track", false, false, 1},
		{"forced", true, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRemote{
				status: remote.Status{SameTrack: tt.sameTrack, Progress: 5 * time.Second, Duration: time.Minute, Playing: true},
				now:    remote.NowPlaying{Track: trackA()},
			}
			l := newLoop(r, sched.NewFake(epoch), Options{})
			if err := l.Poll(context.Background(), tt.force); err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if _, n := r.calls(); n != tt.wantNow {
				t.Errorf("descriptor fetches = %d, want %d", n, tt.wantNow)
			}
			st := l.State()
			if st.Progress != 5*time.Second || st.Duration != time.Minute || !st.IsPlaying {
				t.Errorf("State() = %+v, want progress/duration/playing from status", st)
			}
			if !st.Loaded {
				t.Error("Loaded = false after first poll")
			}
		})
	}
}

func TestPollSendsShownTrack(t *testing.T) {
	r := &fakeRemote{status: remote.Status{SameTrack: false}, now: remote.NowPlaying{Track: trackA()}}
	l := newLoop(r, sched.NewFake(epoch), Options{})
	ctx := context.Background()

	l.Poll(ctx, false)
	if r.lastID != "" || r.lastPlaying {
		t.Errorf("first poll sent id=%q playing=%v, want empty/false", r.lastID, r.lastPlaying)
	}
	l.Poll(ctx, false)
	if r.lastID != "a" || !r.lastPlaying {
		t.Errorf("second poll sent id=%q playing=%v, want a/true", r.lastID, r.lastPlaying)
	}
}

func TestUnauthorizedRunsHook(t *testing.T) {
	r := &fakeRemote{statusErr: remote.ErrUnauthorized}
	hooks := 0
	l := newLoop(r, sched.NewFake(epoch), Options{OnAuthRequired: func() { hooks++ }})

	err := l.Poll(context.Background(), false)
	if !remote.IsUnauthorized(err) {
		t.Errorf("Poll() error = %v, want ErrUnauthorized", err)
	}
	if hooks != 1 {
		t.Errorf("auth hook calls = %d, want 1", hooks)
	}
	if _, n := r.calls(); n != 0 {
		t.Errorf("descriptor fetched after 401")
	}
	if !l.State().Loaded {
		t.Error("Loaded = false after failed first poll")
	}
}

func TestUnauthorizedOnDescriptor(t *testing.T) {
	r := &fakeRemote{status: remote.Status{SameTrack: false}, nowErr: remote.ErrUnauthorized}
	hooks := 0
	l := newLoop(r, sched.NewFake(epoch), Options{OnAuthRequired: func() { hooks++ }})
	l.Poll(context.Background(), false)
	if hooks != 1 {
		t.Errorf("auth hook calls = %d, want 1", hooks)
	}
}

func TestFailureKeepsState(t *testing.T) {
	r := &fakeRemote{
		status: remote.Status{SameTrack: false, Progress: 10 * time.Second, Playing: true},
		now:    remote.NowPlaying{Track: trackA()},
	}
	l := newLoop(r, sched.NewFake(epoch), Options{})
	ctx := context.Background()
	l.Poll(ctx, false)
	before := l.State()

	r.mu.Lock()
	r.statusErr = &remote.StatusError{Endpoint: "/api/current_track_xhr", Code: 500}
	r.mu.Unlock()

	err := l.Poll(ctx, false)
	var se *remote.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Poll() error = %v, want StatusError", err)
	}
	after := l.State()
	if after.TrackID() != before.TrackID() || after.Progress != before.Progress || after.IsPlaying != before.IsPlaying {
		t.Errorf("state changed on failure: before %+v after %+v", before, after)
	}
}

func TestTrackCleared(t *testing.T) {
	r := &fakeRemote{status: remote.Status{SameTrack: false}, now: remote.NowPlaying{Track: trackA()}}
	l := newLoop(r, sched.NewFake(epoch), Options{})

	var changes []*playback.Track
	l.OnTrackChange(func(tr *playback.Track) { changes = append(changes, tr) })

	ctx := context.Background()
	l.Poll(ctx, false)
	r.mu.Lock()
	r.now = remote.NowPlaying{}
	r.mu.Unlock()
	l.Poll(ctx, false)

	if l.State().Track != nil {
		t.Error("Track not cleared when backend reports nothing playing")
	}
	if len(changes) != 2 || changes[0] == nil || changes[0].ID != "a" || changes[1] != nil {
		t.Errorf("track changes = %v, want [a, nil]", changes)
	}

	// Same descriptor again is not a change.
	l.Poll(ctx, false)
	if len(changes) != 2 {
		t.Errorf("track changes after repeat = %d, want 2", len(changes))
	}
}

func TestScreenServerAdvertised(t *testing.T) {
	r := &fakeRemote{status: remote.Status{SameTrack: false}, now: remote.NowPlaying{Track: trackA(), ScreenServerURL: "http://screen:8080"}}
	var got []string
	l := newLoop(r, sched.NewFake(epoch), Options{OnScreenServer: func(u string) { got = append(got, u) }})
	l.Poll(context.Background(), false)
	l.Poll(context.Background(), false)
	if len(got) != 1 || got[0] != "http://screen:8080" {
		t.Errorf("OnScreenServer calls = %v, want one", got)
	}
}

func TestStartPollsOnCadence(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &fakeRemote{status: remote.Status{SameTrack: true}}
	l := newLoop(r, clock, Options{Interval: time.Second})
	l.Start()
	l.Start()
	defer l.Stop()

	if s, _ := r.calls(); s != 1 {
		t.Fatalf("status calls after Start = %d, want 1", s)
	}
	clock.Advance(3 * time.Second)
	if s, _ := r.calls(); s != 4 {
		t.Errorf("status calls after 3s = %d, want 4", s)
	}
	if clock.Pending() != 1 {
		t.Errorf("Pending() = %d, want exactly one interval", clock.Pending())
	}
}

func TestStopCancelsEverything(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &fakeRemote{status: remote.Status{SameTrack: true}}
	l := newLoop(r, clock, Options{})
	l.Start()
	l.ForceRefresh(time.Second)
	l.Stop()

	if clock.Pending() != 0 {
		t.Errorf("Pending() after Stop = %d, want 0", clock.Pending())
	}
	before, _ := r.calls()
	clock.Advance(5 * time.Second)
	if s, _ := r.calls(); s != before {
		t.Errorf("polls after Stop = %d, want %d", s, before)
	}
}

func TestTogglePlayOptimisticThenRefresh(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &fakeRemote{status: remote.Status{SameTrack: true, Playing: false}}
	l := newLoop(r, clock, Options{Interval: time.Second})
	l.Start()
	defer l.Stop()

	if err := l.TogglePlay(context.Background()); err != nil {
		t.Fatalf("TogglePlay: %v", err)
	}
	st := l.State()
	if !st.IsPlaying || !st.PlayingPending {
		t.Fatalf("State() after TogglePlay = %+v, want optimistic playing", st)
	}
	if r.actions[0] != "play" {
		t.Errorf("action = %q, want play", r.actions[0])
	}

	// Backend now reports playing; the forced refresh at 300ms confirms it
	// even though regular ticks are paused.
	r.mu.Lock()
	r.status.Playing = true
	r.mu.Unlock()
	before, beforeNow := r.calls()

	clock.Advance(300 * time.Millisecond)
	after, afterNow := r.calls()
	if after != before+1 || afterNow != beforeNow+1 {
		t.Fatalf("forced refresh calls status=%d now=%d, want one each", after-before, afterNow-beforeNow)
	}
	st = l.State()
	if !st.IsPlaying || st.PlayingPending {
		t.Errorf("State() after refresh = %+v, want confirmed playing", st)
	}

	// The tick at 1s falls inside the 1500ms pause window.
	clock.Advance(700 * time.Millisecond)
	if s, _ := r.calls(); s != after {
		t.Errorf("regular tick ran inside pause window")
	}
	clock.Advance(time.Second)
	if s, _ := r.calls(); s != after+1 {
		t.Errorf("regular tick after window: calls = %d, want %d", s, after+1)
	}
}

// gatedRemote holds the first Status call until release is closed.
type gatedRemote struct {
	*fakeRemote
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) Status(ctx context.Context, id string, playing bool) (remote.Status, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeRemote.Status(ctx, id, playing)
}

func TestStaleStatusKeepsNewerAction(t *testing.T) {
	clock := sched.NewFake(epoch)
	f := &fakeRemote{status: remote.Status{SameTrack: true, Playing: false}}
	g := &gatedRemote{fakeRemote: f, entered: make(chan struct{}), release: make(chan struct{})}
	l := newLoop(g, clock, Options{})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Poll(ctx, false)
	}()
	<-g.entered

	// The action lands while the poll above waits on its response.
	if err := l.TogglePlay(ctx); err != nil {
		t.Fatalf("TogglePlay: %v", err)
	}
	close(g.release)
	<-done

	st := l.State()
	if !st.IsPlaying || !st.PlayingPending {
		t.Errorf("State() after stale response = %+v, want optimistic playing kept", st)
	}

	// A status requested after the action is authoritative.
	f.mu.Lock()
	f.status.Playing = true
	f.mu.Unlock()
	clock.Advance(300 * time.Millisecond)
	st = l.State()
	if !st.IsPlaying || st.PlayingPending {
		t.Errorf("State() after refresh = %+v, want confirmed playing", st)
	}
}

func TestStaleStatusKeepsNewerLike(t *testing.T) {
	clock := sched.NewFake(epoch)
	f := &fakeRemote{status: remote.Status{SameTrack: true}, now: remote.NowPlaying{Track: trackA()}}
	l := newLoop(f, clock, Options{})
	ctx := context.Background()
	l.Poll(ctx, true)

	g := &gatedRemote{fakeRemote: f, entered: make(chan struct{}), release: make(chan struct{})}
	l.remote = g

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Poll(ctx, true)
	}()
	<-g.entered
	if err := l.ToggleLike(ctx); err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}
	close(g.release)
	<-done

	if st := l.State(); !st.IsLiked || !st.LikedPending {
		t.Errorf("State() after stale response = %+v, want optimistic liked kept", st)
	}
}

func TestToggleLike(t *testing.T) {
	r := &fakeRemote{status: remote.Status{SameTrack: false}, now: remote.NowPlaying{Track: trackA()}}
	l := newLoop(r, sched.NewFake(epoch), Options{})
	ctx := context.Background()

	if err := l.ToggleLike(ctx); !errors.Is(err, ErrNoTrack) {
		t.Errorf("ToggleLike() without track = %v, want ErrNoTrack", err)
	}

	l.Poll(ctx, false)
	if err := l.ToggleLike(ctx); err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}
	if st := l.State(); !st.IsLiked || !st.LikedPending {
		t.Errorf("State() = %+v, want optimistic liked", st)
	}
	l.ToggleLike(ctx)
	if got := r.actions; len(got) != 2 || got[0] != "like:a" || got[1] != "unlike:a" {
		t.Errorf("actions = %v", got)
	}
}

func TestActionFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantHooks int
	}{
		{"unauthorized", remote.ErrUnauthorized, 1},
		{"unreachable", errors.New("dial tcp: refused"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := sched.NewFake(epoch)
			r := &fakeRemote{actionErr: tt.err}
			hooks := 0
			l := newLoop(r, clock, Options{OnAuthRequired: func() { hooks++ }})

			if err := l.Skip(context.Background()); err == nil {
				t.Fatal("Skip() error = nil")
			}
			if hooks != tt.wantHooks {
				t.Errorf("auth hooks = %d, want %d", hooks, tt.wantHooks)
			}
			if l.Paused() || clock.Pending() != 0 {
				t.Error("failed action paused polling or scheduled a refresh")
			}
			if err := l.TogglePlay(context.Background()); err == nil {
				t.Fatal("TogglePlay() error = nil")
			}
			if l.State().PlayingPending {
				t.Error("failed action applied optimistic state")
			}
		})
	}
}

func TestSkipSchedulesRefresh(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &fakeRemote{status: remote.Status{SameTrack: true}, now: remote.NowPlaying{Track: trackA()}}
	l := newLoop(r, clock, Options{})

	if err := l.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if !l.Paused() {
		t.Error("Paused() = false after Skip")
	}
	clock.Advance(300 * time.Millisecond)
	if _, n := r.calls(); n != 1 {
		t.Errorf("descriptor fetches after skip refresh = %d, want 1", n)
	}
	if l.State().TrackID() != "a" {
		t.Errorf("track = %q, want a", l.State().TrackID())
	}
}

type counter struct{ n int }

func (c *counter) ListenerAdded()   { c.n++ }
func (c *counter) ListenerRemoved() { c.n-- }

func TestSubscriptionsTracked(t *testing.T) {
	c := &counter{}
	r := &fakeRemote{status: remote.Status{SameTrack: true}}
	l := newLoop(r, sched.NewFake(epoch), Options{Listeners: c})

	var states []playback.State
	unsub := l.Subscribe(func(s playback.State) { states = append(states, s) })
	unsubTrack := l.OnTrackChange(func(*playback.Track) {})
	if c.n != 2 {
		t.Errorf("listeners = %d, want 2", c.n)
	}

	l.Poll(context.Background(), false)
	if len(states) == 0 || !states[len(states)-1].Loaded {
		t.Errorf("subscriber did not see loaded state: %+v", states)
	}

	unsub()
	unsub()
	unsubTrack()
	if c.n != 0 {
		t.Errorf("listeners after unsubscribe = %d, want 0", c.n)
	}
}
