package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/selfheal"
)

// HealthStatus is the daemon's externally visible state. It is written to
// the health file on every snapshot tick and returned by the HEALTH
// command.
type HealthStatus struct {
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Health   resmon.Health       `json:"health"`
	Memory   *resmon.MemoryUsage `json:"memory,omitempty"`
	Counters resmon.Counters     `json:"counters"`

	Playback PlaybackHealth      `json:"playback"`
	Screen   ScreenHealth        `json:"screen"`
	Reload   *selfheal.Countdown `json:"reload,omitempty"`

	LogEntries int64 `json:"log_entries"`
}

// PlaybackHealth summarises the sync loop.
type PlaybackHealth struct {
	Loaded       bool   `json:"loaded"`
	TrackID      string `json:"track_id,omitempty"`
	Summary      string `json:"summary"`
	Playing      bool   `json:"playing"`
	Paused       bool   `json:"polling_paused"`
	AuthRequired bool   `json:"auth_required"`
	Polls        uint64 `json:"polls"`
	TrackChanges int    `json:"track_changes"`
}

// ScreenHealth summarises the screen controller.
type ScreenHealth struct {
	State     string `json:"state"`
	Countdown int    `json:"countdown"`
	Target    string `json:"target,omitempty"`
}

// WriteHealthFile writes the health status as indented JSON to path.
// The write is atomic: content goes to a temporary file first, then is
// renamed into place to prevent partial reads.
func WriteHealthFile(path string, status *HealthStatus) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create health directory: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health status: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp health file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename health file: %w", err)
	}

	return nil
}

// ReadHealthFile reads and parses the health status JSON from path.
func ReadHealthFile(path string) (*HealthStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read health file: %w", err)
	}

	var status HealthStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal health file: %w", err)
	}

	return &status, nil
}

// HealthStatusJSON serializes a HealthStatus to an indented JSON string.
func HealthStatusJSON(status *HealthStatus) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal health status: %w", err)
	}
	return string(data), nil
}
