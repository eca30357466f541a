package syncloop

import (
	"fmt"
	"sync"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/playback"
)

// Subscribe registers fn to receive a copy of the state after every change.
func (l *Loop) Subscribe(fn func(playback.State)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	return l.registered(func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	})
}

// OnTrackChange registers fn to run when a descriptor fetch changes the
// track, including to or from nothing. fn receives nil for nothing.
func (l *Loop) OnTrackChange(fn func(*playback.Track)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.trackSubs[id] = fn
	l.mu.Unlock()

	return l.registered(func() {
		l.mu.Lock()
		delete(l.trackSubs, id)
		l.mu.Unlock()
	})
}

func (l *Loop) registered(remove func()) func() {
	if l.opts.Listeners != nil {
		l.opts.Listeners.ListenerAdded()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			if l.opts.Listeners != nil {
				l.opts.Listeners.ListenerRemoved()
			}
		})
	}
}

func (l *Loop) publish() {
	l.mu.Lock()
	st := l.state.Clone()
	fns := make([]func(playback.State), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.safely(func() { fn(st.Clone()) })
	}
}

func (l *Loop) publishTrack(t *playback.Track) {
	l.mu.Lock()
	fns := make([]func(*playback.Track), 0, len(l.trackSubs))
	for _, fn := range l.trackSubs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		var cp *playback.Track
		if t != nil {
			c := *t
			cp = &c
		}
		l.safely(func() { fn(cp) })
	}
}

func (l *Loop) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("playback subscriber panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
