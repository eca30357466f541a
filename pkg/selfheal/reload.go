package selfheal

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ExecReloader replaces the running process with a fresh copy of itself.
// Registered hooks run first so state such as the health file is flushed.
// If exec fails the process exits non-zero and the service manager
// restarts it.
type ExecReloader struct {
	Logger *slog.Logger

	// Exec and Exit are overridable for tests.
	Exec func(argv0 string, argv, envv []string) error
	Exit func(code int)

	mu    sync.Mutex
	hooks []func(reason string)
}

// NewExecReloader returns a reloader using unix.Exec.
func NewExecReloader(logger *slog.Logger) *ExecReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecReloader{Logger: logger, Exec: unix.Exec, Exit: os.Exit}
}

// BeforeReload registers fn to run before exec, in registration order.
func (r *ExecReloader) BeforeReload(fn func(reason string)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Reload runs the hooks and re-executes the binary.
func (r *ExecReloader) Reload(reason string) {
	r.mu.Lock()
	hooks := append([]func(string){}, r.hooks...)
	r.mu.Unlock()

	for _, fn := range hooks {
		r.runHook(fn, reason)
	}

	exe, err := os.Executable()
	if err == nil {
		r.Logger.Info("re-executing", "path", exe, "reason", reason)
		err = r.Exec(exe, os.Args, os.Environ())
	}
	r.Logger.Error("reload failed, exiting for restart", "err", fmt.Errorf("exec: %w", err))
	r.Exit(1)
}

func (r *ExecReloader) runHook(fn func(string), reason string) {
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Error("reload hook panicked", "panic", fmt.Sprint(p))
		}
	}()
	fn(reason)
}
