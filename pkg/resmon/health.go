package resmon

import "fmt"

// DefaultLeakThreshold is the growth rate, in MB/hour, above which HasLeak
// reports a leak.
const DefaultLeakThreshold = 15.0

// Level is a health tier.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelCaution  Level = "caution"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Tier thresholds. Percentages are of the heap limit; rates are MB/hour.
const (
	criticalPercent = 85.0
	criticalRate    = 25.0
	warningPercent  = 70.0
	warningRate     = 15.0
	cautionRate     = 5.0
)

// Health is the derived health of the process.
type Health struct {
	Level               Level   `json:"level"`
	Message             string  `json:"message"`
	GrowthRateMBPerHour float64 `json:"growth_rate_mb_per_hour"`
}

// Evaluate maps a heap percentage and growth rate to a health tier. Each
// tier is an OR of its two signals. When known is false the percentage is
// ignored and only the growth rate can escalate.
func Evaluate(percent float64, known bool, rate float64) Health {
	h := Health{GrowthRateMBPerHour: rate}
	suffix := ""
	if !known {
		percent = 0
		suffix = " (heap usage unknown)"
	}

	switch {
	case percent > criticalPercent || rate > criticalRate:
		h.Level = LevelCritical
		h.Message = "High memory usage or severe leak detected"
	case percent > warningPercent || rate > warningRate:
		h.Level = LevelWarning
		h.Message = "Elevated memory usage or potential leak"
	case rate > cautionRate:
		h.Level = LevelCaution
		h.Message = "Minor memory growth detected"
	default:
		h.Level = LevelHealthy
		h.Message = "Memory usage is normal"
	}
	h.Message += suffix
	return h
}

// GrowthRateMBPerHour is the heap slope between the oldest and newest
// retained snapshots. It is 0 with fewer than two snapshots, with zero
// elapsed time, or when either end lacks heap data.
func (m *Monitor) GrowthRateMBPerHour() float64 {
	if m.history.Len() < 2 {
		return 0
	}
	oldest, _ := m.history.First()
	newest, _ := m.history.Last()
	return growthRate(oldest, newest)
}

func growthRate(oldest, newest Snapshot) float64 {
	if oldest.Heap == nil || newest.Heap == nil {
		return 0
	}
	hours := newest.Timestamp.Sub(oldest.Timestamp).Hours()
	if hours <= 0 {
		return 0
	}
	deltaMB := (float64(newest.Heap.Used) - float64(oldest.Heap.Used)) / bytesPerMB
	return deltaMB / hours
}

// HasLeak reports whether the growth rate exceeds thresholdMBPerHour.
func (m *Monitor) HasLeak(thresholdMBPerHour float64) bool {
	return m.GrowthRateMBPerHour() > thresholdMBPerHour
}

// HealthStatus evaluates the latest snapshot and the growth rate.
func (m *Monitor) HealthStatus() Health {
	latest := m.Latest()
	rate := m.GrowthRateMBPerHour()
	if latest.Heap == nil || latest.Heap.Limit == 0 {
		return Evaluate(0, false, rate)
	}
	return Evaluate(usageFromSample(*latest.Heap).Percentage, true, rate)
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(bytes uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
