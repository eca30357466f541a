// kiosk-pulse is the "now playing" kiosk daemon.
//
// It mirrors the remote playback state, drives the secondary display's
// power, and watches its own resource growth, re-executing itself before a
// slow leak can take the kiosk down.
//
// Usage:
//
//	kiosk-pulse [flags]
//
// Flags:
//
//	--config string   Path to configuration file (default: XDG search)
//	--overlay         Show the terminal diagnostics overlay
//	--send string     Send an IPC command to the running daemon and exit
//	--no-heap         Ignore heap readings and use the track-change fallback
//	--verbose         Enable debug logging
//	--version         Print version and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/config"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/daemon"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "Path to configuration file")
		runOverlay  = flag.Bool("overlay", false, "Show the terminal diagnostics overlay")
		send        = flag.String("send", "", "Send an IPC command (HEALTH, LOGS 20, RELOAD, ...) to the running daemon")
		noHeap      = flag.Bool("no-heap", false, "Ignore heap readings and use the track-change fallback")
		verbose     = flag.BoolP("verbose", "v", false, "Enable verbose logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kiosk-pulse %s (%s) built %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *noHeap {
		cfg.Monitor.HeapIntrospection = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if *send != "" {
		resp, err := daemon.NewIPCClient(cfg.Daemon.SocketPath).SendCommand(*send)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		os.Exit(0)
	}

	if *runOverlay && !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "--overlay needs a terminal on stdout")
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.LogFile), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	logLevel, err := config.ParseLevel(cfg.Daemon.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		logLevel = slog.LevelDebug
	}

	logFile, err := os.OpenFile(cfg.Daemon.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	// The overlay owns the terminal, so logs go to the file only.
	var out io.Writer = io.MultiWriter(os.Stderr, logFile)
	if *runOverlay {
		out = logFile
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := newKiosk(cfg, logger, kioskOptions{
		Version:   version,
		UserAgent: userAgent(),
		LogFile:   logFile,
	})
	if err != nil {
		logger.Error("daemon init failed", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				k.requestReload("SIGHUP")
				continue
			}
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
			return
		}
	}()

	logger.Info("starting kiosk-pulse",
		"version", version,
		"api", cfg.API.BaseURL,
		"heap_introspection", cfg.Monitor.HeapIntrospection,
	)

	if *runOverlay {
		err = k.runWithOverlay(ctx)
	} else {
		err = k.run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads path when given, otherwise searches the standard
// locations.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFromFile(path)
}

func userAgent() string {
	return fmt.Sprintf("kiosk-pulse/%s (%s; %s/%s)", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
