package selfheal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/resmon"
	"gitlab.com/tinyland/lab/kiosk-pulse/pkg/sched"
)

var epoch = time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)

type memFunc func() (resmon.MemoryUsage, bool)

func (f memFunc) MemoryUsage() (resmon.MemoryUsage, bool) { return f() }

func unknownHeap() (resmon.MemoryUsage, bool) { return resmon.MemoryUsage{}, false }

func heapAt(pct float64) memFunc {
	return func() (resmon.MemoryUsage, bool) { return resmon.MemoryUsage{Percentage: pct}, true }
}

type reloads struct{ reasons []string }

func (r *reloads) Reload(reason string) { r.reasons = append(r.reasons, reason) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTrackChangeFallback(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &reloads{}
	c := New(memFunc(unknownHeap), clock, r, Options{TrackChangeLimit: 20, WarningSeconds: 10, Logger: quiet()})
	c.Start()
	defer c.Stop()

	for i := 1; i < 20; i++ {
		c.ObserveTrackChange()
	}
	if _, ok := c.Countdown(); ok {
		t.Fatal("countdown started before the 20th change")
	}

	c.ObserveTrackChange()
	cd, ok := c.Countdown()
	if !ok {
		t.Fatal("no countdown after the 20th change")
	}
	if cd.Reason != "20 track changes" || cd.SecondsRemaining != 10 {
		t.Errorf("Countdown() = %+v", cd)
	}

	for i := 0; i < 5; i++ {
		c.ObserveTrackChange()
	}
	clock.Advance(9 * time.Second)
	if len(r.reasons) != 0 {
		t.Fatalf("reloaded before countdown finished")
	}
	clock.Advance(time.Second)
	if len(r.reasons) != 1 || r.reasons[0] != "20 track changes" {
		t.Fatalf("reloads = %v, want exactly one", r.reasons)
	}

	clock.Advance(5 * time.Minute)
	if len(r.reasons) != 1 {
		t.Errorf("reloads after more time = %d, want 1", len(r.reasons))
	}
}

func TestTrackCountIgnoredWhenHeapKnown(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &reloads{}
	c := New(heapAt(10), clock, r, Options{TrackChangeLimit: 2, Logger: quiet()})
	c.Start()
	defer c.Stop()

	for i := 0; i < 10; i++ {
		c.ObserveTrackChange()
	}
	clock.Advance(3 * time.Minute)
	if _, ok := c.Countdown(); ok || len(r.reasons) != 0 {
		t.Errorf("track count triggered despite known heap usage")
	}
	if c.TrackChanges() != 10 {
		t.Errorf("TrackChanges() = %d, want 10", c.TrackChanges())
	}
}

func TestMemoryTrigger(t *testing.T) {
	tests := []struct {
		pct     float64
		trigger bool
	}{
		{79.9, false},
		{80, true},
		{95.25, true},
	}
	for _, tt := range tests {
		clock := sched.NewFake(epoch)
		r := &reloads{}
		c := New(heapAt(tt.pct), clock, r, Options{MemoryThresholdPercent: 80, Logger: quiet()})
		c.Start()

		_, ok := c.Countdown()
		if ok != tt.trigger {
			t.Errorf("at %.2f%%: countdown = %v, want %v", tt.pct, ok, tt.trigger)
		}
		clock.Advance(10 * time.Second)
		if got := len(r.reasons) == 1; got != tt.trigger {
			t.Errorf("at %.2f%%: reloaded = %v, want %v", tt.pct, got, tt.trigger)
		}
		c.Stop()
	}
}

func TestMemoryReason(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &reloads{}
	c := New(heapAt(87.34), clock, r, Options{Logger: quiet()})
	c.Check()
	cd, _ := c.Countdown()
	if cd.Reason != "memory at 87.3%" {
		t.Errorf("Reason = %q, want %q", cd.Reason, "memory at 87.3%")
	}
}

func TestPeriodicCheck(t *testing.T) {
	clock := sched.NewFake(epoch)
	pct := 10.0
	mem := memFunc(func() (resmon.MemoryUsage, bool) { return resmon.MemoryUsage{Percentage: pct}, true })
	c := New(mem, clock, &reloads{}, Options{CheckInterval: time.Minute, Logger: quiet()})
	c.Start()
	defer c.Stop()

	pct = 90
	clock.Advance(59 * time.Second)
	if _, ok := c.Countdown(); ok {
		t.Fatal("countdown before next check")
	}
	clock.Advance(time.Second)
	if _, ok := c.Countdown(); !ok {
		t.Error("no countdown after periodic check saw 90%")
	}
}

func TestSingleCountdown(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &reloads{}
	c := New(memFunc(unknownHeap), clock, r, Options{WarningSeconds: 3, Logger: quiet()})

	if !c.Trigger("first") {
		t.Fatal("Trigger(first) = false")
	}
	clock.Advance(time.Second)
	if c.Trigger("second") {
		t.Error("Trigger(second) = true while pending")
	}
	cd, _ := c.Countdown()
	if cd.Reason != "first" || cd.SecondsRemaining != 2 {
		t.Errorf("Countdown() = %+v, want first with 2s", cd)
	}
	clock.Advance(5 * time.Second)
	if len(r.reasons) != 1 || r.reasons[0] != "first" {
		t.Errorf("reloads = %v, want [first]", r.reasons)
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending() after reload = %d, want 0", clock.Pending())
	}
}

func TestDisabled(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &reloads{}
	c := New(heapAt(99), clock, r, Options{Disabled: true, TrackChangeLimit: 1, Logger: quiet()})
	c.Start()
	c.ObserveTrackChange()
	clock.Advance(time.Hour)
	if len(r.reasons) != 0 || clock.Pending() != 0 {
		t.Errorf("disabled controller scheduled work or reloaded")
	}
}

func TestStopCancelsCountdown(t *testing.T) {
	clock := sched.NewFake(epoch)
	r := &reloads{}
	c := New(heapAt(99), clock, r, Options{Logger: quiet()})
	c.Start()
	c.Stop()
	clock.Advance(time.Minute)
	if len(r.reasons) != 0 {
		t.Errorf("reload after Stop")
	}
}

func TestExecReloader(t *testing.T) {
	var order []string
	var execArgs []string
	exitCode := -1

	r := NewExecReloader(quiet())
	r.Exec = func(argv0 string, argv, envv []string) error {
		order = append(order, "exec")
		execArgs = argv
		return errors.New("exec format error")
	}
	r.Exit = func(code int) { exitCode = code }
	r.BeforeReload(func(reason string) { order = append(order, "hook1:"+reason) })
	r.BeforeReload(func(string) { panic("broken hook") })
	r.BeforeReload(func(string) { order = append(order, "hook3") })

	r.Reload("memory at 91.0%")

	want := []string{"hook1:memory at 91.0%", "hook3", "exec"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if len(execArgs) != len(os.Args) {
		t.Errorf("exec argv = %v, want os.Args", execArgs)
	}
	if exitCode != 1 {
		t.Errorf("exit code = %d, want 1 after failed exec", exitCode)
	}
}
