package overlay

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/logcapture"
)

// logBridge hands log updates to the bubbletea loop without ever blocking
// the logger. Only the newest buffer is kept; wait delivers it once per
// change.
type logBridge struct {
	mu     sync.Mutex
	latest []logcapture.Entry
	dirty  chan struct{}
	done   chan struct{}
	once   sync.Once
	unsub  func()
}

func newLogBridge() *logBridge {
	return &logBridge{
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (b *logBridge) attach(l Logs) {
	if l == nil {
		return
	}
	b.unsub = l.Subscribe(b.push)
}

func (b *logBridge) push(entries []logcapture.Entry) {
	b.mu.Lock()
	b.latest = entries
	b.mu.Unlock()

	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

// wait is a tea.Cmd that blocks until the buffer changes or the bridge is
// closed.
func (b *logBridge) wait() tea.Msg {
	select {
	case <-b.dirty:
	case <-b.done:
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return logsMsg(b.latest)
}

func (b *logBridge) close() {
	b.once.Do(func() {
		close(b.done)
		if b.unsub != nil {
			b.unsub()
		}
	})
}
