package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/logcapture"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
)

const (
	clientQueueSize = 32
	writeTimeout    = 5 * time.Second
)

// Frame is one stream message.
type Frame struct {
	Type     string             `json:"type"`
	Logs     []logcapture.Entry `json:"logs,omitempty"`
	Snapshot *resmon.Snapshot   `json:"snapshot,omitempty"`
}

// hub fans log and snapshot updates out to stream clients. Upstream
// subscriptions exist only while at least one client is connected.
type hub struct {
	monitor Monitor
	logs    LogSource
	logger  *slog.Logger

	mu        sync.Mutex
	clients   map[*client]struct{}
	unsubs    []func()
	lastStamp time.Time
}

type client struct {
	conn  *websocket.Conn
	queue chan []byte
	once  sync.Once
	done  chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func newHub(m Monitor, l LogSource, logger *slog.Logger) *hub {
	return &hub{
		monitor: m,
		logs:    l,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	// Default options reject a browser Origin that differs from the
	// request host.
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := &client{
		conn:  conn,
		queue: make(chan []byte, clientQueueSize),
		done:  make(chan struct{}),
	}

	// Current state first, then live updates.
	h.enqueue(c, Frame{Type: "logs", Logs: h.logs.Tail(0)})
	if snap, ok := h.monitor.Last(); ok {
		h.enqueue(c, Frame{Type: "snapshot", Snapshot: &snap})
	}
	h.add(c)
	h.logger.Info("stream client connected", "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("stream client disconnected", "remote", r.RemoteAddr)
	}()

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx once they go away.
	ctx := conn.CloseRead(context.Background())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	first := len(h.clients) == 1
	h.mu.Unlock()

	if first {
		unsubLogs := h.logs.Subscribe(h.onLogs)
		unsubMon := h.monitor.Subscribe(h.onMonitor)
		h.mu.Lock()
		h.unsubs = append(h.unsubs, unsubLogs, unsubMon)
		h.mu.Unlock()
	}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	var unsubs []func()
	if len(h.clients) == 0 {
		unsubs = h.unsubs
		h.unsubs = nil
	}
	h.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *hub) onLogs(entries []logcapture.Entry) {
	h.broadcast(Frame{Type: "logs", Logs: entries})
}

// onMonitor runs on every monitor change, including counter updates. Only
// new snapshots are forwarded.
func (h *hub) onMonitor() {
	snap, ok := h.monitor.Last()
	if !ok {
		return
	}
	h.mu.Lock()
	fresh := !snap.Timestamp.Equal(h.lastStamp)
	h.lastStamp = snap.Timestamp
	h.mu.Unlock()

	if fresh {
		h.broadcast(Frame{Type: "snapshot", Snapshot: &snap})
	}
}

func (h *hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.send(c, data)
	}
}

func (h *hub) enqueue(c *client, f Frame) {
	if data, err := json.Marshal(f); err == nil {
		h.send(c, data)
	}
}

// send never blocks; a client that cannot keep up misses frames.
func (h *hub) send(c *client, data []byte) {
	select {
	case c.queue <- data:
	default:
	}
}
