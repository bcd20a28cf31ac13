package call

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// monitorHarness wires a monitor to controllable state.
type monitorHarness struct {
	busy     atomic.Bool
	activity atomic.Uint64
	hold     atomic.Bool

	checkins  chan int
	exhausted chan struct{}
	maxDur    chan struct{}
}

func newMonitorHarness() *monitorHarness {
	return &monitorHarness{
		checkins:  make(chan int, 8),
		exhausted: make(chan struct{}),
		maxDur:    make(chan struct{}),
	}
}

func (h *monitorHarness) hooks() MonitorHooks {
	return MonitorHooks{
		AgentBusy:    func() bool { return h.busy.Load() },
		UserActivity: func() uint64 { return h.activity.Load() },
		OnHold:       func() bool { return h.hold.Load() },
		CheckIn:      func(n int) { h.checkins <- n },
		Exhausted:    func() { close(h.exhausted) },
		MaxDuration:  func() { close(h.maxDur) },
	}
}

func waitCheckin(t *testing.T, h *monitorHarness, want int, within time.Duration) {
	t.Helper()
	select {
	case n := <-h.checkins:
		if n != want {
			t.Fatalf("check-in count = %d, want %d", n, want)
		}
	case <-time.After(within):
		t.Fatalf("no check-in %d within %v", want, within)
	}
}

func TestSilenceMonitor_TwoCheckinsThenTermination(t *testing.T) {
	h := newMonitorHarness()
	m := NewSilenceMonitor(SilenceConfig{
		Normal:      50 * time.Millisecond,
		Hold:        time.Hour,
		MaxCheckins: 2,
		Poll:        5 * time.Millisecond,
	}, h.hooks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { m.Run(ctx); close(done) }()

	// Continuous silence: exactly two check-ins, then termination.
	waitCheckin(t, h, 1, time.Second)
	waitCheckin(t, h, 2, time.Second)

	select {
	case <-h.exhausted:
	case <-time.After(time.Second):
		t.Fatal("monitor did not exhaust after max check-ins")
	}

	select {
	case n := <-h.checkins:
		t.Fatalf("unexpected extra check-in %d", n)
	default:
	}
	<-done
}

func TestSilenceMonitor_UserResponseResetsCheckins(t *testing.T) {
	h := newMonitorHarness()
	m := NewSilenceMonitor(SilenceConfig{
		Normal:      50 * time.Millisecond,
		MaxCheckins: 2,
		Poll:        5 * time.Millisecond,
	}, h.hooks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitCheckin(t, h, 1, time.Second)

	// User responds shortly after the first check-in.
	h.activity.Add(1)

	// The next check-in starts from a clean count.
	waitCheckin(t, h, 1, time.Second)
}

func TestSilenceMonitor_AgentBusySuppressesTimer(t *testing.T) {
	h := newMonitorHarness()
	h.busy.Store(true)
	m := NewSilenceMonitor(SilenceConfig{
		Normal:      30 * time.Millisecond,
		MaxCheckins: 2,
		Poll:        5 * time.Millisecond,
	}, h.hooks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case n := <-h.checkins:
		t.Fatalf("check-in %d while agent busy", n)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSilenceMonitor_HoldExtendsThreshold(t *testing.T) {
	h := newMonitorHarness()
	h.hold.Store(true)
	m := NewSilenceMonitor(SilenceConfig{
		Normal:      30 * time.Millisecond,
		Hold:        time.Hour,
		MaxCheckins: 2,
		Poll:        5 * time.Millisecond,
	}, h.hooks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// With the caller on hold the normal threshold is suspended.
	select {
	case n := <-h.checkins:
		t.Fatalf("check-in %d during hold", n)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSilenceMonitor_MaxDurationUnderContinuousSpeech(t *testing.T) {
	h := newMonitorHarness()
	m := NewSilenceMonitor(SilenceConfig{
		Normal:          time.Hour,
		MaxCheckins:     2,
		Poll:            5 * time.Millisecond,
		MaxCallDuration: 60 * time.Millisecond,
	}, h.hooks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alternating speech keeps silence from ever starting.
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.activity.Add(1)
				h.busy.Store(!h.busy.Load())
			}
		}
	}()

	go m.Run(ctx)

	select {
	case <-h.maxDur:
	case <-time.After(time.Second):
		t.Fatal("max duration not enforced under continuous speech")
	}
}

func TestSilenceState_String(t *testing.T) {
	tests := []struct {
		state SilenceState
		want  string
	}{
		{SilenceIdle, "IDLE"},
		{SilenceSilent, "SILENT"},
		{SilenceCheckedIn, "CHECKED_IN"},
		{SilenceExhausted, "EXHAUSTED"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Fatalf("String(%d) = %q, want %q", tc.state, got, tc.want)
		}
	}
}
