package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := checkURL(c.API.BaseURL); err != nil {
		add("api.base_url: %w", err)
	}
	if c.Screen.Target != "" {
		if err := checkURL(c.Screen.Target); err != nil {
			add("screen.target: %w", err)
		}
	}

	positive := []struct {
		key string
		d   Duration
	}{
		{"api.timeout", c.API.Timeout},
		{"polling.interval", c.Polling.Interval},
		{"polling.pause_after_action", c.Polling.PauseAfterAction},
		{"polling.action_delays.play_pause", c.Polling.ActionDelays.PlayPause},
		{"polling.action_delays.skip", c.Polling.ActionDelays.Skip},
		{"polling.action_delays.like", c.Polling.ActionDelays.Like},
		{"auto_refresh.check_interval", c.AutoRefresh.CheckInterval},
		{"screen.off_delay", c.Screen.OffDelay},
		{"monitor.snapshot_interval", c.Monitor.SnapshotInterval},
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			add("%s: must be positive", p.key)
		}
	}

	if t := c.AutoRefresh.MemoryThresholdPercent; t <= 0 || t > 100 {
		add("auto_refresh.memory_threshold_percent: %v outside (0,100]", t)
	}
	if c.AutoRefresh.TrackChangeLimit < 1 {
		add("auto_refresh.track_change_limit: must be at least 1")
	}
	if c.AutoRefresh.WarningSeconds < 1 {
		add("auto_refresh.warning_seconds: must be at least 1")
	}
	if c.Monitor.HistorySize < 1 {
		add("monitor.history_size: must be at least 1")
	}
	if c.Monitor.LogBufferSize < 1 {
		add("monitor.log_buffer_size: must be at least 1")
	}
	if c.Monitor.LeakThresholdMBPerHour <= 0 {
		add("monitor.leak_threshold_mb_per_hour: must be positive")
	}
	if _, err := ParseLevel(c.Daemon.LogLevel); err != nil {
		add("daemon.log_level: %w", err)
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
