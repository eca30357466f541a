// Package overlay is the operator's terminal view of a running kiosk: a
// memory pane with the snapshot history and health tier, and a console
// pane with the captured logs. It is a bubbletea program attached to the
// same services the daemon runs.
package overlay

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/logcapture"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/playback"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/selfheal"
)

// maxDisplaySnapshots bounds the memory pane's history table.
const maxDisplaySnapshots = 15

// Monitor is the resource monitor surface the overlay reads and drives.
type Monitor interface {
	Snapshots() []resmon.Snapshot
	HealthStatus() resmon.Health
	MemoryUsage() (resmon.MemoryUsage, bool)
	Counters() resmon.Counters
	Uptime() time.Duration
	TakeSnapshot() resmon.Snapshot
	Reset()
	WriteReport(dir string) (string, error)
}

// Logs is the captured log surface.
type Logs interface {
	Entries() []logcapture.Entry
	Clear()
	Subscribe(fn func([]logcapture.Entry)) (unsubscribe func())
}

// Status is the daemon state shown in the header.
type Status struct {
	Playback        playback.State
	Paused          bool
	AuthRequired    bool
	Screen          string
	ScreenCountdown int
	Reload          *selfheal.Countdown
}

// Options configures the overlay.
type Options struct {
	Monitor Monitor
	Logs    Logs

	// Status reports daemon state each refresh. Nil shows none.
	Status func() Status

	// Reload schedules a self-heal reload. Nil disables the key.
	Reload func(reason string) bool

	// ReportDir receives exported reports.
	ReportDir string

	// Clipboard receives the copied console text. Nil disables copying.
	Clipboard func(string)

	// Refresh is the redraw cadence (default 1s).
	Refresh time.Duration
}

type pane int

const (
	paneMemory pane = iota
	paneConsole
)

type tickMsg time.Time

type logsMsg []logcapture.Entry

type reportMsg struct {
	path string
	err  error
}

// Model is the bubbletea model.
type Model struct {
	opts   Options
	bridge *logBridge

	width  int
	height int
	pane   pane

	status  Status
	health  resmon.Health
	logs    []logcapture.Entry
	console viewport.Model
	flash   string
}

// New builds the model. The log subscription starts in Init via the bridge
// and ends with Close.
func New(opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = time.Second
	}
	m := Model{
		opts:    opts,
		bridge:  newLogBridge(),
		width:   80,
		height:  24,
		console: viewport.New(80, 10),
	}
	m.bridge.attach(opts.Logs)
	m.refresh()
	m.layout()
	return m
}

// Close ends the log subscription.
func (m Model) Close() { m.bridge.close() }

// tickCmd sends a tickMsg after d, driving the periodic refresh.
func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.opts.Refresh), m.bridge.wait)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tickCmd(m.opts.Refresh)

	case logsMsg:
		m.setLogs(msg)
		return m, m.bridge.wait

	case reportMsg:
		if msg.err != nil {
			m.flash = "report failed: " + msg.err.Error()
		} else {
			m.flash = "report written to " + msg.path
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "tab":
		if m.pane == paneMemory {
			m.pane = paneConsole
		} else {
			m.pane = paneMemory
		}
		return m, nil
	case "s":
		m.opts.Monitor.TakeSnapshot()
		m.refresh()
		m.flash = "snapshot taken"
		return m, nil
	case "x":
		m.opts.Monitor.Reset()
		m.refresh()
		m.flash = "history reset"
		return m, nil
	case "e":
		mon, dir := m.opts.Monitor, m.opts.ReportDir
		return m, func() tea.Msg {
			path, err := mon.WriteReport(dir)
			return reportMsg{path: path, err: err}
		}
	case "c":
		m.opts.Logs.Clear()
		m.flash = "console cleared"
		return m, nil
	case "y":
		if m.opts.Clipboard == nil {
			return m, nil
		}
		m.opts.Clipboard(plainLogs(m.logs))
		m.flash = fmt.Sprintf("copied %d lines", len(m.logs))
		return m, nil
	case "r":
		if m.opts.Reload == nil {
			return m, nil
		}
		if m.opts.Reload("manual reload from overlay") {
			m.flash = "reload scheduled"
		} else {
			m.flash = "reload already pending"
		}
		m.refresh()
		return m, nil
	}

	if m.pane == paneConsole {
		var cmd tea.Cmd
		m.console, cmd = m.console.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) refresh() {
	if m.opts.Status != nil {
		m.status = m.opts.Status()
	}
	m.health = m.opts.Monitor.HealthStatus()
}

func (m *Model) setLogs(entries []logcapture.Entry) {
	follow := m.console.AtBottom() || len(m.logs) == 0
	m.logs = entries
	m.console.SetContent(m.renderLogs())
	if follow {
		m.console.GotoBottom()
	}
}

// layout sizes the console to what the header and footer leave over.
func (m *Model) layout() {
	h := m.height - headerLines - footerLines
	if h < 3 {
		h = 3
	}
	m.console.Width = m.width
	m.console.Height = h
	m.console.SetContent(m.renderLogs())
}

// plainLogs renders entries as "[15:04:05] [WARN] message" lines.
func plainLogs(entries []logcapture.Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("[%s] [%s] %s", e.Label, strings.ToUpper(string(e.Channel)), e.Message)
	}
	return strings.Join(lines, "\n")
}

// formatUptime renders d as "1d 2h 3m", "2h 3m 4s", "3m 4s" or "4s".
func formatUptime(d time.Duration) string {
	secs := int(d / time.Second)
	mins := secs / 60
	hours := mins / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, mins%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, mins%60, secs%60)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}
