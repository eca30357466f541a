package resmon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
)

// framebufferSizePath holds "width,height" of the primary display on Linux
// kiosk hardware.
const framebufferSizePath = "/sys/class/graphics/fb0/virtual_size"

// Size is a width/height pair. Zero means unknown.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HostInfo describes the machine running the kiosk.
type HostInfo struct {
	Hostname        string `json:"hostname,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	BootUptime      uint64 `json:"boot_uptime_seconds,omitempty"`
}

// Environment describes where the report was produced.
type Environment struct {
	UserAgent  string   `json:"user_agent"`
	Viewport   Size     `json:"viewport"`
	Screen     Size     `json:"screen"`
	Host       HostInfo `json:"host"`
	ProcessRSS uint64   `json:"process_rss_bytes,omitempty"`
}

// Report is the exported diagnostic document.
type Report struct {
	GeneratedAt         time.Time     `json:"generated_at"`
	Uptime              time.Duration `json:"uptime"`
	CurrentSnapshot     Snapshot      `json:"current_snapshot"`
	Memory              *MemoryUsage  `json:"memory,omitempty"`
	Counters            Counters      `json:"counters"`
	GrowthRateMBPerHour float64       `json:"growth_rate_mb_per_hour"`
	HealthStatus        Health        `json:"health_status"`
	Snapshots           []Snapshot    `json:"snapshots"`
	Environment         Environment   `json:"environment"`
}

// ExportReport assembles a Report from the current state.
func (m *Monitor) ExportReport() Report {
	r := Report{
		GeneratedAt:         m.clock.Now(),
		Uptime:              m.Uptime(),
		CurrentSnapshot:     m.Latest(),
		Counters:            m.Counters(),
		GrowthRateMBPerHour: m.GrowthRateMBPerHour(),
		HealthStatus:        m.HealthStatus(),
		Snapshots:           m.Snapshots(),
		Environment:         m.env(),
	}
	if usage, ok := m.MemoryUsage(); ok {
		r.Memory = &usage
	}
	return r
}

// ReportFilename returns the file name for a report generated at t.
func ReportFilename(t time.Time) string {
	return "memory-report-" + t.UTC().Format("2006-01-02T15-04-05.000Z") + ".json"
}

// MarshalReport encodes r as indented JSON.
func MarshalReport(r Report) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

// WriteReport exports a report into dir and returns the file path. The
// write is atomic: content goes to a temporary file that is renamed into
// place.
func (m *Monitor) WriteReport(dir string) (string, error) {
	r := m.ExportReport()
	data, err := MarshalReport(r)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	path := filepath.Join(dir, ReportFilename(r.GeneratedAt))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write temp report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename report: %w", err)
	}

	m.logger.Info("memory report written", "path", path)
	return path, nil
}

// DetectEnvironment gathers environment descriptors. Every probe is
// best-effort; failures leave the field zero.
func DetectEnvironment(userAgent string) Environment {
	if userAgent == "" {
		userAgent = "kiosk-pulse"
	}
	env := Environment{
		UserAgent: fmt.Sprintf("%s (%s; %s/%s)", userAgent, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		Screen:    framebufferSize(framebufferSizePath),
	}

	if w, h, err := term.GetSize(os.Stdout.Fd()); err == nil {
		env.Viewport = Size{Width: w, Height: h}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if info, err := host.InfoWithContext(ctx); err == nil {
		env.Host = HostInfo{
			Hostname:        info.Hostname,
			Platform:        info.Platform,
			PlatformVersion: info.PlatformVersion,
			KernelVersion:   info.KernelVersion,
			BootUptime:      info.Uptime,
		}
	}

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			env.ProcessRSS = mi.RSS
		}
	}

	return env
}

// framebufferSize parses a "width,height" file. Missing or malformed
// files yield a zero Size.
func framebufferSize(path string) Size {
	data, err := os.ReadFile(path)
	if err != nil {
		return Size{}
	}
	parts := strings.Split(strings.TrimSpace(string(data)), ",")
	if len(parts) != 2 {
		return Size{}
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return Size{}
	}
	return Size{Width: w, Height: h}
}
