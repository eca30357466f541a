package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/config"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/daemon"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/diag"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/logcapture"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/overlay"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/playback"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/remote"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/sched"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/screen"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/selfheal"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/syncloop"
)

type kioskOptions struct {
	Version   string
	UserAgent string

	// LogFile is synced before a reload.
	LogFile *os.File

	// Scheduler overrides the instrumented system scheduler, for tests.
	Scheduler sched.Scheduler
	// Remote overrides the HTTP backend client, for tests.
	Remote syncloop.Remote
	// Signaler overrides the HTTP screen signaler, for tests.
	Signaler screen.Signaler
	// Reloader overrides process re-execution, for tests.
	Reloader selfheal.Reloader
}

// kiosk wires every service together. It is built once per process.
type kiosk struct {
	cfg     *config.Config
	opts    kioskOptions
	logger  *slog.Logger
	started time.Time

	sched    sched.Scheduler
	monitor  *resmon.Monitor
	capture  *logcapture.Capture
	loop     *syncloop.Loop
	screen   *screen.Controller
	signaler *screen.HTTPSignaler
	heal     *selfheal.Controller
	reloader *selfheal.ExecReloader
	diag     *diag.Server
	snapshot sched.Handle

	authRequired atomic.Bool

	trackMu   sync.Mutex
	lastTrack string

	quitOnce sync.Once
	quit     chan struct{}

	healthMu sync.Mutex
	pid      *daemon.PIDLock
}

func newKiosk(cfg *config.Config, logger *slog.Logger, opts kioskOptions) (*kiosk, error) {
	k := &kiosk{
		cfg:     cfg,
		opts:    opts,
		started: time.Now(),
		quit:    make(chan struct{}),
	}

	// Components log through the capture so LOGS and the diag stream see
	// their records. Start in run also hooks the slog and log defaults.
	k.capture = logcapture.New(logcapture.Options{Capacity: cfg.Monitor.LogBufferSize})
	logger = slog.New(k.capture.Handler(logger.Handler()))
	k.logger = logger

	var heap resmon.HeapReader = resmon.RuntimeHeap{}
	if !cfg.Monitor.HeapIntrospection {
		heap = resmon.NoHeap{}
	}
	k.monitor = resmon.New(resmon.Options{
		Capacity:  cfg.Monitor.HistorySize,
		Heap:      heap,
		UserAgent: opts.UserAgent,
		Logger:    logger,
	})
	k.capture.TrackListeners(k.monitor)

	k.sched = opts.Scheduler
	if k.sched == nil {
		k.sched = sched.Instrument(sched.System{}, k.monitor)
	}

	rem := opts.Remote
	if rem == nil {
		client, err := remote.New(remote.Options{
			BaseURL:       cfg.API.BaseURL,
			Timeout:       cfg.API.Timeout.Duration,
			SessionCookie: cfg.API.SessionCookie,
			UserAgent:     opts.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("api client: %w", err)
		}
		rem = client
	}

	sig := opts.Signaler
	if sig == nil {
		k.signaler = screen.NewHTTPSignaler(&http.Client{Timeout: cfg.API.Timeout.Duration}, logger)
		sig = k.signaler
	}
	k.screen = screen.NewController(k.sched, sig, screen.Options{
		OffDelay: cfg.Screen.OffDelay.Duration,
		Logger:   logger,
	})
	k.screen.SetTarget(cfg.Screen.Target)

	k.loop = syncloop.New(rem, k.sched, syncloop.Options{
		Interval:         cfg.Polling.Interval.Duration,
		PauseAfterAction: cfg.Polling.PauseAfterAction.Duration,
		ActionDelays: syncloop.ActionDelays{
			PlayPause: cfg.Polling.ActionDelays.PlayPause.Duration,
			Skip:      cfg.Polling.ActionDelays.Skip.Duration,
			Like:      cfg.Polling.ActionDelays.Like.Duration,
		},
		RequestTimeout: cfg.API.Timeout.Duration,
		OnAuthRequired: k.onAuthRequired,
		OnScreenServer: k.onScreenServer,
		Listeners:      k.monitor,
		Logger:         logger,
	})

	reloader := opts.Reloader
	if reloader == nil {
		k.reloader = selfheal.NewExecReloader(logger)
		k.reloader.BeforeReload(k.beforeReload)
		reloader = k.reloader
	}
	k.heal = selfheal.New(k.monitor, k.sched, reloader, selfheal.Options{
		Disabled:               !cfg.AutoRefresh.Enabled,
		CheckInterval:          cfg.AutoRefresh.CheckInterval.Duration,
		MemoryThresholdPercent: cfg.AutoRefresh.MemoryThresholdPercent,
		TrackChangeLimit:       cfg.AutoRefresh.TrackChangeLimit,
		WarningSeconds:         cfg.AutoRefresh.WarningSeconds,
		Logger:                 logger,
	})

	k.loop.Subscribe(k.onPlayback)
	k.loop.OnTrackChange(k.onTrackChange)

	if cfg.Diag.Listen != "" {
		k.diag = diag.New(diag.Options{
			Addr:    cfg.Diag.Listen,
			Monitor: k.monitor,
			Logs:    k.capture,
			Health:  k.health,
			Reload:  k.requestReload,
			Logger:  logger,
		})
	}
	return k, nil
}

// run starts every service and blocks until ctx is cancelled or a QUIT
// command arrives.
func (k *kiosk) run(ctx context.Context) error {
	pid, err := daemon.AcquirePID(k.cfg.Daemon.PIDFile)
	if err != nil {
		return err
	}
	k.pid = pid
	defer pid.Release()

	k.capture.Start()
	defer k.capture.Stop()

	ipc := daemon.NewIPCServer(k.cfg.Daemon.SocketPath, k)
	if err := ipc.Start(); err != nil {
		return fmt.Errorf("ipc: %w", err)
	}
	defer ipc.Stop()

	if k.diag != nil {
		if err := k.diag.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			k.diag.Shutdown(sctx)
		}()
	}

	k.start()
	defer k.stop()

	select {
	case <-ctx.Done():
	case <-k.quit:
		k.logger.Info("quit requested")
	}
	return nil
}

// runWithOverlay runs the daemon in the background and the overlay in the
// foreground. Leaving the overlay stops the daemon.
func (k *kiosk) runWithOverlay(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- k.run(ctx) }()

	err := overlay.Run(ctx, overlay.Options{
		Monitor:   k.monitor,
		Logs:      k.capture,
		Status:    k.overlayStatus,
		Reload:    k.requestReload,
		ReportDir: k.cfg.Daemon.ReportDir,
	})
	cancel()
	if derr := <-errc; derr != nil {
		return derr
	}
	return err
}

// start launches the timers: snapshots, polling and self-heal checks.
func (k *kiosk) start() {
	k.snapshotTick()
	k.snapshot = k.sched.Every(k.cfg.Monitor.SnapshotInterval.Duration, k.snapshotTick)
	k.loop.Start()
	k.heal.Start()
}

func (k *kiosk) stop() {
	sched.StopAll(k.snapshot)
	k.heal.Stop()
	k.loop.Stop()
	k.screen.Close()
	if k.signaler != nil {
		k.signaler.Close()
	}
	k.writeHealth()
	k.logger.Info("kiosk-pulse stopped")
}

// snapshotTick samples resources, warns on a leak and refreshes the
// health file.
func (k *kiosk) snapshotTick() {
	k.monitor.TakeSnapshot()
	if k.monitor.HasLeak(k.cfg.Monitor.LeakThresholdMBPerHour) {
		k.logger.Warn("possible memory leak",
			"growth_mb_per_hour", fmt.Sprintf("%.2f", k.monitor.GrowthRateMBPerHour()))
	}
	k.writeHealth()
}

func (k *kiosk) writeHealth() {
	k.healthMu.Lock()
	defer k.healthMu.Unlock()
	if err := daemon.WriteHealthFile(k.cfg.Daemon.HealthFile, k.health()); err != nil {
		k.logger.Warn("failed to write health file", "error", err)
	}
}

func (k *kiosk) health() *daemon.HealthStatus {
	st := k.loop.State()
	h := &daemon.HealthStatus{
		PID:       os.Getpid(),
		Version:   k.opts.Version,
		StartedAt: k.started,
		UpdatedAt: time.Now(),
		Health:    k.monitor.HealthStatus(),
		Counters:  k.monitor.Counters(),
		Playback: daemon.PlaybackHealth{
			Loaded:       st.Loaded,
			TrackID:      st.TrackID(),
			Summary:      st.Summary(),
			Playing:      st.IsPlaying,
			Paused:       k.loop.Paused(),
			AuthRequired: k.authRequired.Load(),
			Polls:        k.loop.Polls(),
			TrackChanges: k.heal.TrackChanges(),
		},
		Screen: daemon.ScreenHealth{
			State:     k.screen.State().String(),
			Countdown: k.screen.Countdown(),
			Target:    k.screen.Target(),
		},
		LogEntries: k.capture.Total(),
	}
	if mem, ok := k.monitor.MemoryUsage(); ok {
		h.Memory = &mem
	}
	if c, ok := k.heal.Countdown(); ok {
		h.Reload = &c
	}
	return h
}

func (k *kiosk) overlayStatus() overlay.Status {
	s := overlay.Status{
		Playback:        k.loop.State(),
		Paused:          k.loop.Paused(),
		AuthRequired:    k.authRequired.Load(),
		Screen:          k.screen.State().String(),
		ScreenCountdown: k.screen.Countdown(),
	}
	if c, ok := k.heal.Countdown(); ok {
		s.Reload = &c
	}
	return s
}

// onPlayback feeds the screen controller. A loaded state with no track is
// the "nothing playing" view and turns the screen off at once.
func (k *kiosk) onPlayback(st playback.State) {
	if !st.Loaded {
		return
	}
	if st.Track == nil {
		k.screen.SetNothingPlaying()
		return
	}
	k.authRequired.Store(false)
	k.screen.SetPlaying(st.IsPlaying)
}

// onTrackChange counts a change only when a different track replaces one
// already shown. The first track after startup and gaps with nothing
// playing are not counted.
func (k *kiosk) onTrackChange(t *playback.Track) {
	if t == nil {
		return
	}
	k.trackMu.Lock()
	prev := k.lastTrack
	k.lastTrack = t.ID
	k.trackMu.Unlock()

	k.logger.Info("track changed", "track", t.ID, "title", t.Title, "artist", t.Artist)
	if prev != "" && prev != t.ID {
		k.heal.ObserveTrackChange()
	}
}

func (k *kiosk) onAuthRequired() {
	if !k.authRequired.Swap(true) {
		k.logger.Warn("session rejected by backend, sign-in required", "api", k.cfg.API.BaseURL)
	}
}

// onScreenServer adopts the backend's display controller unless one is
// configured.
func (k *kiosk) onScreenServer(url string) {
	if k.cfg.Screen.Target != "" {
		return
	}
	k.logger.Info("using advertised screen server", "url", url)
	k.screen.SetTarget(url)
}

func (k *kiosk) requestReload(reason string) bool {
	return k.heal.Trigger(reason)
}

// beforeReload flushes state before the process image is replaced.
func (k *kiosk) beforeReload(reason string) {
	k.logger.Warn("reloading process", "reason", reason)
	k.writeHealth()
	if k.pid != nil {
		k.pid.Release()
	}
	if k.opts.LogFile != nil {
		k.opts.LogFile.Sync()
	}
}

// HandleCommand implements daemon.IPCHandler.
func (k *kiosk) HandleCommand(cmd string, args map[string]string) (string, error) {
	switch cmd {
	case daemon.CmdHealth:
		return daemon.HealthStatusJSON(k.health())

	case daemon.CmdReport:
		return marshal(k.monitor.ExportReport())

	case daemon.CmdSnapshot:
		return marshal(k.monitor.TakeSnapshot())

	case daemon.CmdLogs:
		n, err := daemon.CountArg(args, 0)
		if err != nil {
			return "", err
		}
		return marshal(k.capture.Tail(n))

	case daemon.CmdClearLogs:
		k.capture.Clear()
		return marshal(map[string]string{"status": "cleared"})

	case daemon.CmdReload:
		reason := args["reason"]
		if reason == "" {
			reason = "manual reload"
		}
		if !k.requestReload(reason) {
			return marshal(map[string]string{"status": "reload already pending"})
		}
		return marshal(map[string]string{"status": "reload scheduled", "reason": reason})

	case daemon.CmdPlay, daemon.CmdSkip, daemon.CmdLike:
		return k.action(cmd)

	case daemon.CmdQuit:
		k.quitOnce.Do(func() { close(k.quit) })
		return marshal(map[string]string{"status": "shutting down"})
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}

func (k *kiosk) action(cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.API.Timeout.Duration)
	defer cancel()

	var err error
	switch cmd {
	case daemon.CmdPlay:
		err = k.loop.TogglePlay(ctx)
	case daemon.CmdSkip:
		err = k.loop.Skip(ctx)
	case daemon.CmdLike:
		err = k.loop.ToggleLike(ctx)
	}
	if err != nil {
		return "", err
	}
	return marshal(map[string]string{"status": "ok", "playback": k.loop.State().Summary()})
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
