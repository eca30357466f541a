package overlay

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/logcapture"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
)

const (
	headerLines = 4
	footerLines = 2
	gaugeWidth  = 30
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Width(14)
	flashStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00BCD4"))
	alertStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#F44336")).
			Padding(0, 1)

	levelColors = map[resmon.Level]lipgloss.Color{
		resmon.LevelHealthy:  lipgloss.Color("#4CAF50"),
		resmon.LevelCaution:  lipgloss.Color("#FFEB3B"),
		resmon.LevelWarning:  lipgloss.Color("#FF9800"),
		resmon.LevelCritical: lipgloss.Color("#F44336"),
	}

	channelStyles = map[logcapture.Channel]lipgloss.Style{
		logcapture.ChannelLog:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB")),
		logcapture.ChannelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF9800")),
		logcapture.ChannelError: lipgloss.NewStyle().Foreground(lipgloss.Color("#F44336")),
	}
)

// barColor follows the health tier thresholds for the heap percentage.
func barColor(percent float64) lipgloss.Color {
	switch {
	case percent > 85:
		return lipgloss.Color("#F44336")
	case percent > 70:
		return lipgloss.Color("#FF9800")
	}
	return lipgloss.Color("#4CAF50")
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString("\n")

	if m.pane == paneConsole {
		b.WriteString(m.console.View())
	} else {
		b.WriteString(m.viewMemory())
	}

	b.WriteString("\n")
	b.WriteString(m.viewFooter())
	return b.String()
}

func (m Model) viewHeader() string {
	levelStyle := lipgloss.NewStyle().Bold(true).Foreground(levelColors[m.health.Level])
	title := titleStyle.Render("kiosk-pulse") + "  " +
		levelStyle.Render(strings.ToUpper(string(m.health.Level))) + " " +
		dimStyle.Render(m.health.Message)

	st := m.status
	playing := st.Playback.Summary()
	if !st.Playback.Loaded {
		playing = "loading"
	}
	if st.Paused {
		playing += dimStyle.Render(" (polling paused)")
	}

	screen := st.Screen
	if screen == "" {
		screen = "idle"
	}
	if st.Screen == "counting_down" {
		screen = fmt.Sprintf("off in %ds", st.ScreenCountdown)
	}

	lines := []string{
		truncate(title, m.width),
		truncate(labelStyle.Render("now playing")+playing, m.width),
		truncate(labelStyle.Render("screen")+screen, m.width),
	}

	switch {
	case st.Reload != nil:
		lines = append(lines, alertStyle.Render(fmt.Sprintf("Refreshing in %ds: %s", st.Reload.SecondsRemaining, st.Reload.Reason)))
	case st.AuthRequired:
		lines = append(lines, alertStyle.Render("Sign-in required"))
	default:
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (m Model) viewMemory() string {
	var lines []string

	if mem, ok := m.opts.Monitor.MemoryUsage(); ok {
		bar := lipgloss.NewStyle().Foreground(barColor(mem.Percentage)).Render(gaugeBar(mem.Percentage/100, gaugeWidth))
		lines = append(lines, labelStyle.Render("heap")+bar+
			fmt.Sprintf(" %.1f%%  %.2f / %.2f MB", mem.Percentage, mem.UsedMB, mem.LimitMB))
	} else {
		lines = append(lines, labelStyle.Render("heap")+dimStyle.Render("unknown"))
	}

	lines = append(lines, labelStyle.Render("growth")+fmt.Sprintf("%.2f MB/hour", m.health.GrowthRateMBPerHour))

	c := m.opts.Monitor.Counters()
	lines = append(lines,
		labelStyle.Render("listeners")+fmt.Sprintf("%d", c.Listeners),
		labelStyle.Render("timers")+fmt.Sprintf("%d intervals, %d timeouts", c.Intervals, c.Timeouts),
		labelStyle.Render("uptime")+formatUptime(m.opts.Monitor.Uptime()),
	)

	snaps := m.opts.Monitor.Snapshots()
	var used []float64
	for _, s := range snaps {
		if s.Heap != nil {
			used = append(used, float64(s.Heap.Used)/(1024*1024))
		}
	}
	if len(used) < 2 {
		lines = append(lines, labelStyle.Render("trend")+dimStyle.Render("collecting data..."))
	} else {
		lines = append(lines, labelStyle.Render("trend")+
			lipgloss.NewStyle().Foreground(levelColors[m.health.Level]).Render(sparkline(used, m.width-16)))
	}

	lines = append(lines, "", dimStyle.Render(fmt.Sprintf("snapshots (%d)", len(snaps))))
	start := len(snaps) - maxDisplaySnapshots
	if start < 0 {
		start = 0
	}
	for i := len(snaps) - 1; i >= start; i-- {
		lines = append(lines, truncate(snapshotRow(snaps[i]), m.width))
	}

	avail := m.height - headerLines - footerLines
	if avail > 0 && len(lines) > avail {
		lines = lines[:avail]
	}
	return strings.Join(lines, "\n")
}

func snapshotRow(s resmon.Snapshot) string {
	heap := "heap n/a"
	if s.Heap != nil {
		heap = resmon.FormatBytes(s.Heap.Used)
	}
	return fmt.Sprintf("%s  %-12s nodes %-5d listeners %-4d intervals %-3d timeouts %-3d",
		s.Timestamp.Local().Format("15:04:05"), heap, s.NodeCount, s.ListenerCount, s.IntervalCount, s.TimeoutCount)
}

func (m Model) renderLogs() string {
	if len(m.logs) == 0 {
		return dimStyle.Render("no log entries")
	}
	lines := make([]string, len(m.logs))
	for i, e := range m.logs {
		line := fmt.Sprintf("[%s] %-5s %s", e.Label, strings.ToUpper(string(e.Channel)), firstLine(e.Message))
		lines[i] = channelStyles[e.Channel].Render(truncate(line, m.width))
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func (m Model) viewFooter() string {
	keys := "tab pane  s snapshot  x reset  e export  c clear  y copy  r reload  q quit"
	var b strings.Builder
	if m.flash != "" {
		b.WriteString(flashStyle.Render(truncate(m.flash, m.width)))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(padRight(truncate(keys, m.width), m.width)))
	return b.String()
}
