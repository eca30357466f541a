package screen

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const signalQueueSize = 16

type signal struct {
	target string
	cmd    Command
}

// HTTPSignaler sends commands as GET <target>/<command> from a single
// worker goroutine, so requests never overlap and arrive in order. Failures
// are logged and dropped.
type HTTPSignaler struct {
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	queue  chan signal
	closed bool
	done   chan struct{}
}

// NewHTTPSignaler starts the worker. A nil client uses a 3 second timeout.
func NewHTTPSignaler(client *http.Client, logger *slog.Logger) *HTTPSignaler {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPSignaler{
		client: client,
		logger: logger.With("component", "screen"),
		queue:  make(chan signal, signalQueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Signal queues cmd for target. When the queue is full the command is
// dropped; the next state change sends a fresh one.
func (s *HTTPSignaler) Signal(target string, cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- signal{target: target, cmd: cmd}:
	default:
		s.logger.Warn("screen signal queue full, dropping", "command", cmd)
	}
}

func (s *HTTPSignaler) run() {
	defer close(s.done)
	for sig := range s.queue {
		if err := s.send(sig); err != nil {
			s.logger.Info("screen server not reachable", "command", sig.cmd, "err", err)
		}
	}
}

func (s *HTTPSignaler) send(sig signal) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout+time.Second)
	defer cancel()

	url := strings.TrimRight(sig.target, "/") + "/" + string(sig.cmd)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned HTTP %d", url, resp.StatusCode)
	}
	return nil
}

// Close stops accepting signals, drains the queue and waits for the worker.
func (s *HTTPSignaler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}
