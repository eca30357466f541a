package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
)

// PIDLock is a held PID file. The exclusive lock lives on a sibling
// ".lock" file so the PID file itself can be replaced atomically.
type PIDLock struct {
	path string

	mu   sync.Mutex
	lock *flock.Flock
}

// AcquirePID takes the daemon lock and writes the current PID to path. It
// fails if another process holds the lock. A PID file left by a dead
// process is simply overwritten, since its lock died with it.
//
// The write is atomic: content is written to a temporary file in the same
// directory, then renamed into place.
func AcquirePID(path string) (*PIDLock, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create PID directory: %w", err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if !locked {
		if pid, err := ReadPID(path); err == nil && IsProcessAlive(pid) {
			return nil, fmt.Errorf("daemon already running (PID %d)", pid)
		}
		return nil, fmt.Errorf("daemon already running (lock %s held)", fl.Path())
	}

	pid := os.Getpid()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write temp PID file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		fl.Unlock()
		return nil, fmt.Errorf("rename PID file: %w", err)
	}

	return &PIDLock{path: path, lock: fl}, nil
}

// Path returns the PID file path.
func (l *PIDLock) Path() string { return l.path }

// Release removes the PID file and drops the lock. It is safe to call
// more than once and from several goroutines; only the first call acts.
func (l *PIDLock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return nil
	}
	var firstErr error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		firstErr = fmt.Errorf("remove PID file: %w", err)
	}
	if err := l.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unlock PID file: %w", err)
	}
	l.lock = nil
	return firstErr
}

// ReadPID reads and parses the PID from the given file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID file: %w", err)
	}

	return pid, nil
}

// IsProcessAlive checks whether a process with the given PID exists by
// sending signal 0. On Unix, this returns nil if the process exists and
// the caller has permission to signal it, or ESRCH if it does not exist.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
