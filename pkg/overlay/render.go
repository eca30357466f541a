package overlay

import (
	"math"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Block characters for sub-cell precision (8 levels per cell).
var gaugeBlocks = [9]rune{' ', '▏', '▎', '▍', '▌', '▋', '▊', '▉', '█'}

// Sparkline block characters: 8 vertical levels per cell.
var sparkBlocks = [8]rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// gaugeBar renders ratio (clamped to [0, 1]) as a bar exactly width cells
// wide. Styling is left to the caller.
func gaugeBar(ratio float64, width int) string {
	if width <= 0 {
		return ""
	}
	if ratio < 0 || math.IsNaN(ratio) {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	eighths := int(math.Round(ratio * float64(width*8)))
	full := eighths / 8
	rem := eighths % 8

	var b strings.Builder
	b.WriteString(strings.Repeat(string(gaugeBlocks[8]), full))
	cells := full
	if rem > 0 && cells < width {
		b.WriteRune(gaugeBlocks[rem])
		cells++
	}
	b.WriteString(strings.Repeat(" ", width-cells))
	return b.String()
}

// sparkline maps the last width points onto block characters, auto-scaled
// to their own range. A flat series renders at the lowest level.
func sparkline(data []float64, width int) string {
	if len(data) == 0 || width <= 0 {
		return ""
	}
	if len(data) > width {
		data = data[len(data)-width:]
	}

	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	var b strings.Builder
	for _, v := range data {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * 7)
		}
		if idx > 7 {
			idx = 7
		}
		b.WriteRune(sparkBlocks[idx])
	}
	return b.String()
}

// truncate cuts s to at most width visible cells, keeping ANSI sequences
// intact and marking the cut with an ellipsis.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return ansi.Truncate(s, width, "…")
}

// padRight pads s with spaces to width visible cells.
func padRight(s string, width int) string {
	vis := ansi.StringWidth(s)
	if vis >= width {
		return s
	}
	return s + strings.Repeat(" ", width-vis)
}
