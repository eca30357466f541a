package config

// Config is the complete kiosk-pulse configuration. Every section has a
// usable default; see DefaultConfig.
type Config struct {
	API         APIConfig         `toml:"api" yaml:"api"`
	Polling     PollingConfig     `toml:"polling" yaml:"polling"`
	AutoRefresh AutoRefreshConfig `toml:"auto_refresh" yaml:"auto_refresh"`
	Screen      ScreenConfig      `toml:"screen" yaml:"screen"`
	Monitor     MonitorConfig     `toml:"monitor" yaml:"monitor"`
	Daemon      DaemonConfig      `toml:"daemon" yaml:"daemon"`
	Diag        DiagConfig        `toml:"diag" yaml:"diag"`
}

// APIConfig locates the playback backend.
type APIConfig struct {
	BaseURL       string   `toml:"base_url" yaml:"base_url"`
	Timeout       Duration `toml:"timeout" yaml:"timeout"`
	SessionCookie string   `toml:"session_cookie" yaml:"session_cookie"`
}

// PollingConfig controls the sync loop cadence.
type PollingConfig struct {
	Interval         Duration     `toml:"interval" yaml:"interval"`
	PauseAfterAction Duration     `toml:"pause_after_action" yaml:"pause_after_action"`
	ActionDelays     ActionDelays `toml:"action_delays" yaml:"action_delays"`
}

// ActionDelays is the wait before the forced refresh after each action.
type ActionDelays struct {
	PlayPause Duration `toml:"play_pause" yaml:"play_pause"`
	Skip      Duration `toml:"skip" yaml:"skip"`
	Like      Duration `toml:"like" yaml:"like"`
}

// AutoRefreshConfig controls self-healing restarts.
type AutoRefreshConfig struct {
	Enabled                bool     `toml:"enabled" yaml:"enabled"`
	MemoryThresholdPercent float64  `toml:"memory_threshold_percent" yaml:"memory_threshold_percent"`
	TrackChangeLimit       int      `toml:"track_change_limit" yaml:"track_change_limit"`
	WarningSeconds         int      `toml:"warning_seconds" yaml:"warning_seconds"`
	CheckInterval          Duration `toml:"check_interval" yaml:"check_interval"`
}

// ScreenConfig controls display power. An empty Target falls back to the
// address advertised by the backend.
type ScreenConfig struct {
	Target   string   `toml:"target" yaml:"target"`
	OffDelay Duration `toml:"off_delay" yaml:"off_delay"`
}

// MonitorConfig controls the resource monitor and log capture.
type MonitorConfig struct {
	SnapshotInterval       Duration `toml:"snapshot_interval" yaml:"snapshot_interval"`
	HistorySize            int      `toml:"history_size" yaml:"history_size"`
	LogBufferSize          int      `toml:"log_buffer_size" yaml:"log_buffer_size"`
	HeapIntrospection      bool     `toml:"heap_introspection" yaml:"heap_introspection"`
	LeakThresholdMBPerHour float64  `toml:"leak_threshold_mb_per_hour" yaml:"leak_threshold_mb_per_hour"`
}

// DaemonConfig holds process-level paths and logging.
type DaemonConfig struct {
	PIDFile    string `toml:"pid_file" yaml:"pid_file"`
	HealthFile string `toml:"health_file" yaml:"health_file"`
	SocketPath string `toml:"socket_path" yaml:"socket_path"`
	ReportDir  string `toml:"report_dir" yaml:"report_dir"`
	LogFile    string `toml:"log_file" yaml:"log_file"`
	LogLevel   string `toml:"log_level" yaml:"log_level"`
}

// DiagConfig controls the HTTP diagnostics server. Empty Listen disables it.
type DiagConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}
