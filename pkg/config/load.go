package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const appName = "kiosk-pulse"

// Format is a config file syntax.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

// FormatForPath picks the syntax from the file extension. Anything other
// than .yaml or .yml is TOML.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Load reads configuration from the standard config path.
// Search order:
//  1. $XDG_CONFIG_HOME/kiosk-pulse/config.toml (then config.yaml)
//  2. ~/.config/kiosk-pulse/config.toml (then config.yaml)
//  3. /etc/kiosk-pulse/config.toml (then config.yaml)
//
// If no file exists, returns DefaultConfig() with environment overrides.
func Load() (*Config, error) {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFromFile(p)
		}
	}
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader reads configuration in the given format. Keys absent from
// the input keep their defaults.
func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	cfg := DefaultConfig()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, err
		}
	default:
		if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// DefaultConfig returns the default configuration with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(xdgStateHome(home), appName)
	runDir := xdgRuntimeDir(stateDir)

	return &Config{
		API: APIConfig{
			BaseURL: "http://127.0.0.1:5000",
			Timeout: D(5 * time.Second),
		},
		Polling: PollingConfig{
			Interval:         D(1 * time.Second),
			PauseAfterAction: D(1500 * time.Millisecond),
			ActionDelays: ActionDelays{
				PlayPause: D(300 * time.Millisecond),
				Skip:      D(300 * time.Millisecond),
				Like:      D(300 * time.Millisecond),
			},
		},
		AutoRefresh: AutoRefreshConfig{
			Enabled:                true,
			MemoryThresholdPercent: 80,
			TrackChangeLimit:       20,
			WarningSeconds:         10,
			CheckInterval:          D(60 * time.Second),
		},
		Screen: ScreenConfig{
			OffDelay: D(60 * time.Second),
		},
		Monitor: MonitorConfig{
			SnapshotInterval:       D(60 * time.Second),
			HistorySize:            30,
			LogBufferSize:          100,
			HeapIntrospection:      true,
			LeakThresholdMBPerHour: 15,
		},
		Daemon: DaemonConfig{
			PIDFile:    filepath.Join(runDir, appName+".pid"),
			HealthFile: filepath.Join(stateDir, "health.json"),
			SocketPath: filepath.Join(runDir, appName+".sock"),
			ReportDir:  filepath.Join(stateDir, "reports"),
			LogFile:    filepath.Join(stateDir, appName+".log"),
			LogLevel:   "info",
		},
		Diag: DiagConfig{
			Listen: "127.0.0.1:8765",
		},
	}
}

// applyEnvOverrides checks environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KIOSK_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("KIOSK_SESSION_COOKIE"); v != "" {
		cfg.API.SessionCookie = v
	}
	if v := os.Getenv("SCREEN_SERVER_URL"); v != "" {
		cfg.Screen.Target = v
	}
	if v := os.Getenv("KIOSK_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v, ok := os.LookupEnv("KIOSK_DIAG_LISTEN"); ok {
		cfg.Diag.Listen = v
	}
}

// configSearchPaths returns the ordered list of config file paths to try.
func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	var dirs []string

	xdg := xdgConfigHome(home)
	dirs = append(dirs, filepath.Join(xdg, appName))

	// If XDG_CONFIG_HOME was explicitly set, also try the fallback default.
	defaultXDG := filepath.Join(home, ".config")
	if xdg != defaultXDG {
		dirs = append(dirs, filepath.Join(defaultXDG, appName))
	}
	dirs = append(dirs, filepath.Join("/etc", appName))

	var paths []string
	for _, d := range dirs {
		paths = append(paths,
			filepath.Join(d, "config.toml"),
			filepath.Join(d, "config.yaml"),
		)
	}
	return paths
}

// xdgConfigHome returns XDG_CONFIG_HOME or ~/.config as fallback.
func xdgConfigHome(home string) string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	return filepath.Join(home, ".config")
}

// xdgStateHome returns XDG_STATE_HOME or ~/.local/state as fallback.
func xdgStateHome(home string) string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	return filepath.Join(home, ".local", "state")
}

// xdgRuntimeDir returns XDG_RUNTIME_DIR or fallback when unset.
func xdgRuntimeDir(fallback string) string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return v
	}
	return fallback
}
