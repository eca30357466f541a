// Package diag serves the kiosk's diagnostics over HTTP: health, the
// exportable memory report, captured logs, and a WebSocket stream of log
// and snapshot updates for remote consoles.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/daemon"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/logcapture"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
)

// Monitor is the resource monitor surface served here.
type Monitor interface {
	ExportReport() resmon.Report
	TakeSnapshot() resmon.Snapshot
	Last() (resmon.Snapshot, bool)
	Subscribe(fn func()) (unsubscribe func())
}

// LogSource is the captured log surface served here.
type LogSource interface {
	Tail(n int) []logcapture.Entry
	Total() int64
	Clear()
	Subscribe(fn func([]logcapture.Entry)) (unsubscribe func())
}

// Options configures a Server.
type Options struct {
	Addr    string
	Monitor Monitor
	Logs    LogSource
	Health  func() *daemon.HealthStatus
	Reload  func(reason string) bool
	Logger  *slog.Logger
}

// Server is the diagnostics HTTP server.
type Server struct {
	opts    Options
	logger  *slog.Logger
	handler http.Handler
	hub     *hub

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// New builds the server and its routes without listening.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "diag"),
	}
	s.hub = newHub(opts.Monitor, opts.Logs, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.healthHandler)
	mux.HandleFunc("GET /api/report", s.reportHandler)
	mux.HandleFunc("GET /api/report/download", s.reportDownloadHandler)
	mux.HandleFunc("GET /api/logs", s.logsHandler)
	mux.HandleFunc("POST /api/logs/clear", s.clearLogsHandler)
	mux.HandleFunc("POST /api/snapshot", s.snapshotHandler)
	mux.HandleFunc("POST /api/reload", s.reloadHandler)
	mux.HandleFunc("GET /api/stream", s.hub.serveWS)

	s.handler = headersMiddleware(mux)
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diagnostics server stopped", "err", err)
		}
	}()
	s.logger.Info("diagnostics server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes stream clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeError(w, http.StatusServiceUnavailable, "health unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Health())
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Monitor.ExportReport())
}

func (s *Server) reportDownloadHandler(w http.ResponseWriter, r *http.Request) {
	report := s.opts.Monitor.ExportReport()
	data, err := resmon.MarshalReport(report)
	if err != nil {
		s.logger.Error("marshal report", "err", err)
		writeError(w, http.StatusInternalServerError, "could not build report")
		return
	}
	name := resmon.ReportFilename(report.GeneratedAt)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

type logsResponse struct {
	Entries []logcapture.Entry `json:"entries"`
	Total   int64              `json:"total"`
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, logsResponse{Entries: s.opts.Logs.Tail(n), Total: s.opts.Logs.Total()})
}

func (s *Server) clearLogsHandler(w http.ResponseWriter, r *http.Request) {
	s.opts.Logs.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Monitor.TakeSnapshot())
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reload == nil {
		writeError(w, http.StatusServiceUnavailable, "reload unavailable")
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual reload"
	}
	if !s.opts.Reload(reason) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "reload already pending"})
		return
	}
	s.logger.Warn("reload requested over HTTP", "reason", reason, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload scheduled", "reason": reason})
}
