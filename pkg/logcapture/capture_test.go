package logcapture

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
)

type countingTracker struct {
	mu    sync.Mutex
	count int
}

func (t *countingTracker) ListenerAdded()   { t.mu.Lock(); t.count++; t.mu.Unlock() }
func (t *countingTracker) ListenerRemoved() { t.mu.Lock(); t.count--; t.mu.Unlock() }
func (t *countingTracker) get() int         { t.mu.Lock(); defer t.mu.Unlock(); return t.count }

func fixedNow() time.Time { return time.Date(2026, 4, 2, 9, 15, 30, 0, time.UTC) }

func TestKeepsMostRecentInOrder(t *testing.T) {
	c := New(Options{Capacity: 100, Now: fixedNow})
	for i := 0; i < 110; i++ {
		c.Recordf(ChannelLog, "entry %d", i)
	}

	got := c.Entries()
	if len(got) != 100 {
		t.Fatalf("len(Entries()) = %d, want 100", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("entry %d", i+10)
		if e.Message != want {
			t.Fatalf("Entries()[%d] = %q, want %q", i, e.Message, want)
		}
	}
	if c.Total() != 110 {
		t.Errorf("Total() = %d, want 110", c.Total())
	}
}

func TestEntryLabel(t *testing.T) {
	c := New(Options{Now: fixedNow})
	c.Record(ChannelWarn, "hello")
	e := c.Entries()[0]
	if e.Label != "09:15:30" {
		t.Errorf("Label = %q, want %q", e.Label, "09:15:30")
	}
	if e.Channel != ChannelWarn {
		t.Errorf("Channel = %q, want %q", e.Channel, ChannelWarn)
	}
}

func TestTail(t *testing.T) {
	c := New(Options{Now: fixedNow})
	for i := 0; i < 5; i++ {
		c.Recordf(ChannelLog, "%d", i)
	}
	tests := []struct {
		n     int
		first string
		size  int
	}{
		{0, "0", 5},
		{2, "3", 2},
		{10, "0", 5},
	}
	for _, tt := range tests {
		got := c.Tail(tt.n)
		if len(got) != tt.size || got[0].Message != tt.first {
			t.Errorf("Tail(%d) = %d entries starting %q, want %d starting %q", tt.n, len(got), got[0].Message, tt.size, tt.first)
		}
	}
}

func TestSubscribeDeliversCurrentThenUpdates(t *testing.T) {
	tracker := &countingTracker{}
	c := New(Options{Listeners: tracker, Now: fixedNow})
	c.Record(ChannelLog, "before")

	var deliveries [][]Entry
	unsub := c.Subscribe(func(es []Entry) { deliveries = append(deliveries, es) })

	if len(deliveries) != 1 || len(deliveries[0]) != 1 {
		t.Fatalf("initial delivery = %v, want current buffer of 1", deliveries)
	}
	if tracker.get() != 1 {
		t.Errorf("tracked listeners = %d, want 1", tracker.get())
	}

	c.Record(ChannelError, "after")
	if len(deliveries) != 2 || len(deliveries[1]) != 2 {
		t.Fatalf("after Record deliveries = %d, want 2 with 2 entries", len(deliveries))
	}

	// Subscribers own their copy.
	deliveries[1][0].Message = "mutated"
	if c.Entries()[0].Message != "before" {
		t.Error("subscriber mutation leaked into the buffer")
	}

	c.Clear()
	if last := deliveries[len(deliveries)-1]; len(last) != 0 {
		t.Errorf("Clear delivered %d entries, want 0", len(last))
	}

	unsub()
	unsub()
	if tracker.get() != 0 {
		t.Errorf("tracked listeners after unsubscribe = %d, want 0", tracker.get())
	}
	n := len(deliveries)
	c.Record(ChannelLog, "ignored")
	if len(deliveries) != n {
		t.Error("unsubscribed callback still called")
	}
}

func TestTrackListenersAfterNew(t *testing.T) {
	c := New(Options{Now: fixedNow})
	early := c.Subscribe(func([]Entry) {})

	tracker := &countingTracker{}
	c.TrackListeners(tracker)
	late := c.Subscribe(func([]Entry) {})
	if tracker.get() != 1 {
		t.Errorf("tracked listeners = %d, want 1", tracker.get())
	}

	// A subscription made before tracking started is never reported.
	early()
	if tracker.get() != 1 {
		t.Errorf("tracked listeners after early unsubscribe = %d, want 1", tracker.get())
	}
	late()
	if tracker.get() != 0 {
		t.Errorf("tracked listeners after late unsubscribe = %d, want 0", tracker.get())
	}
}

func TestPanickingSubscriber(t *testing.T) {
	c := New(Options{Now: fixedNow})
	c.Subscribe(func([]Entry) { panic("bad subscriber") })
	c.Record(ChannelLog, "still fine")
	if len(c.Entries()) != 1 {
		t.Errorf("len(Entries()) = %d, want 1", len(c.Entries()))
	}
}

func TestHandlerChannelsAndForwarding(t *testing.T) {
	var out bytes.Buffer
	next := slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelWarn})
	c := New(Options{Now: fixedNow})
	logger := slog.New(c.Handler(next))

	logger.Info("info line", "n", 1)
	logger.Warn("warn line")
	logger.Error("error line")
	logger.Debug("debug line")

	got := c.Entries()
	if len(got) != 3 {
		t.Fatalf("captured %d entries, want 3 (debug dropped)", len(got))
	}
	wantChannels := []Channel{ChannelLog, ChannelWarn, ChannelError}
	for i, ch := range wantChannels {
		if got[i].Channel != ch {
			t.Errorf("entry %d channel = %q, want %q", i, got[i].Channel, ch)
		}
	}
	if got[0].Message != "info line n=1" {
		t.Errorf("Message = %q, want %q", got[0].Message, "info line n=1")
	}

	// next only accepts Warn and above: capture never widens its output.
	if strings.Contains(out.String(), "info line") {
		t.Error("info record forwarded to handler that does not enable it")
	}
	if !strings.Contains(out.String(), "warn line") || !strings.Contains(out.String(), "error line") {
		t.Errorf("forwarded output missing records: %q", out.String())
	}
}

func TestHandlerCapturesDebugWhenNextEnabled(t *testing.T) {
	next := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	c := New(Options{Now: fixedNow})
	slog.New(c.Handler(next)).Debug("verbose")
	if got := c.Entries(); len(got) != 1 || got[0].Channel != ChannelLog {
		t.Errorf("Entries() = %+v, want one log-channel entry", got)
	}
}

func TestHandlerAttrsAndGroups(t *testing.T) {
	c := New(Options{Now: fixedNow})
	logger := slog.New(c.Handler(slog.NewTextHandler(io.Discard, nil)))

	logger.With("component", "sync").WithGroup("poll").Info("tick", "force", true)
	logger.Info("grouped", slog.Group("req", "code", 401))

	got := c.Entries()
	if got[0].Message != "tick component=sync poll.force=true" {
		t.Errorf("Message = %q", got[0].Message)
	}
	if got[1].Message != "grouped req.code=401" {
		t.Errorf("Message = %q", got[1].Message)
	}
}

type payload struct {
	Track string `json:"track"`
	Count int    `json:"count"`
}

func TestFormatValue(t *testing.T) {
	plain := fmt.Errorf("plain failure")
	tests := []struct {
		name string
		v    slog.Value
		want string
	}{
		{"string", slog.StringValue("x"), "x"},
		{"int", slog.IntValue(7), "7"},
		{"struct", slog.AnyValue(payload{Track: "a", Count: 2}), "{\n  \"track\": \"a\",\n  \"count\": 2\n}"},
		{"map", slog.AnyValue(map[string]int{"k": 1}), "{\n  \"k\": 1\n}"},
		{"error", slog.AnyValue(plain), ""},
		{"nil", slog.AnyValue(nil), "<nil>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatValue(tt.v)
			if tt.name == "error" {
				if !strings.HasSuffix(got, ": plain failure") {
					t.Errorf("FormatValue() = %q, want type-prefixed message", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("FormatValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatErrorWithStack(t *testing.T) {
	err := fmt.Errorf("poll: %w", pkgerrors.New("connection refused"))
	got := FormatError(err)

	if !strings.HasPrefix(got, "*fmt.wrapError: poll: connection refused") {
		t.Errorf("FormatError() prefix = %q", got)
	}
	if !strings.Contains(got, "TestFormatErrorWithStack") {
		t.Errorf("FormatError() missing stack frames: %q", got)
	}
}

func TestStartStop(t *testing.T) {
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	var out bytes.Buffer
	base := slog.New(slog.NewTextHandler(&out, nil))
	slog.SetDefault(base)

	c := New(Options{Now: fixedNow})
	c.Start()
	c.Start()
	if !c.Started() {
		t.Fatal("Started() = false after Start")
	}

	slog.Warn("through slog")
	log.Printf("through log")

	got := c.Entries()
	if len(got) != 2 {
		t.Fatalf("captured %d entries, want 2: %+v", len(got), got)
	}
	if got[0].Channel != ChannelWarn || got[1].Message != "through log" {
		t.Errorf("Entries() = %+v", got)
	}
	if !strings.Contains(out.String(), "through slog") || !strings.Contains(out.String(), "through log") {
		t.Errorf("original handler output = %q, want both lines", out.String())
	}

	c.Stop()
	if slog.Default() != base {
		t.Error("Stop did not restore the previous default logger")
	}
	slog.Info("after stop")
	if len(c.Entries()) != 2 {
		t.Error("capture continued after Stop")
	}
}
