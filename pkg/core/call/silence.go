package call

import (
	"context"
	"time"
)

// SilenceState is the dead-air monitor's state.
type SilenceState int

const (
	// SilenceIdle means the agent is busy or the user is active; no timer.
	SilenceIdle SilenceState = iota
	// SilenceSilent means mutual silence with the timer running.
	SilenceSilent
	// SilenceCheckedIn means a check-in line was just played.
	SilenceCheckedIn
	// SilenceExhausted means check-ins ran out; the call is being ended.
	SilenceExhausted
)

// String returns a human-readable state name.
func (s SilenceState) String() string {
	switch s {
	case SilenceIdle:
		return "IDLE"
	case SilenceSilent:
		return "SILENT"
	case SilenceCheckedIn:
		return "CHECKED_IN"
	case SilenceExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// SilenceConfig sets the dead-air thresholds.
type SilenceConfig struct {
	// Normal is the silence duration before a check-in.
	Normal time.Duration
	// Hold replaces Normal while the caller has asked to be on hold.
	Hold time.Duration
	// MaxCheckins is how many unanswered check-ins are allowed before the
	// call is terminated.
	MaxCheckins int
	// Poll is the watcher interval.
	Poll time.Duration
	// MaxCallDuration is the absolute call length limit, enforced
	// regardless of silence activity. Zero disables it.
	MaxCallDuration time.Duration
}

// DefaultSilenceConfig returns production thresholds.
func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		Normal:          7 * time.Second,
		Hold:            30 * time.Second,
		MaxCheckins:     2,
		Poll:            500 * time.Millisecond,
		MaxCallDuration: 15 * time.Minute,
	}
}

// MonitorHooks connect the monitor to session state. All hooks are called
// from the monitor goroutine.
type MonitorHooks struct {
	// AgentBusy reports whether the agent is generating a response or has
	// audio still reaching the caller. Silence cannot start while true.
	AgentBusy func() bool

	// UserActivity returns a counter that increases on every user speech
	// event. A change since the last poll counts as the user responding.
	UserActivity func() uint64

	// OnHold reports whether the caller asked to be put on hold, which
	// switches to the extended threshold.
	OnHold func() bool

	// CheckIn plays a scripted check-in line. Called with the new
	// check-in count.
	CheckIn func(count int)

	// Exhausted terminates the call after unanswered check-ins.
	Exhausted func()

	// MaxDuration terminates the call at the absolute duration limit.
	MaxDuration func()
}

// SilenceMonitor is the per-call dead-air watcher. It polls session state
// on a fixed interval and escalates silence to check-ins, then to
// termination.
type SilenceMonitor struct {
	cfg   SilenceConfig
	hooks MonitorHooks

	state        SilenceState
	silenceStart time.Time
	checkins     int
	startedAt    time.Time
}

// NewSilenceMonitor creates a monitor. Run starts it.
func NewSilenceMonitor(cfg SilenceConfig, hooks MonitorHooks) *SilenceMonitor {
	if cfg.Poll <= 0 {
		cfg.Poll = 500 * time.Millisecond
	}
	return &SilenceMonitor{cfg: cfg, hooks: hooks, state: SilenceIdle}
}

// State returns the current state. Only meaningful from the monitor's own
// hooks or after Run returns.
func (m *SilenceMonitor) State() SilenceState {
	return m.state
}

// Checkins returns how many check-ins were played.
func (m *SilenceMonitor) Checkins() int {
	return m.checkins
}

// Run polls until the context is cancelled or the monitor terminates the
// call (exhausted check-ins or max duration).
func (m *SilenceMonitor) Run(ctx context.Context) {
	m.startedAt = time.Now()
	lastActivity := m.hooks.UserActivity()

	ticker := time.NewTicker(m.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.cfg.MaxCallDuration > 0 && time.Since(m.startedAt) >= m.cfg.MaxCallDuration {
			m.state = SilenceExhausted
			if m.hooks.MaxDuration != nil {
				m.hooks.MaxDuration()
			}
			return
		}

		activity := m.hooks.UserActivity()
		userResponded := activity != lastActivity
		lastActivity = activity

		if userResponded {
			// User speech ends the silence episode and forgives earlier
			// check-ins.
			m.checkins = 0
			m.state = SilenceIdle
			continue
		}

		if m.hooks.AgentBusy() {
			// Agent audio in flight pauses the timer but does not forgive
			// check-ins; only the user can do that.
			m.state = SilenceIdle
			continue
		}

		threshold := m.cfg.Normal
		if m.hooks.OnHold != nil && m.hooks.OnHold() {
			threshold = m.cfg.Hold
		}

		switch m.state {
		case SilenceIdle, SilenceCheckedIn:
			m.state = SilenceSilent
			m.silenceStart = time.Now()

		case SilenceSilent:
			if time.Since(m.silenceStart) < threshold {
				continue
			}
			if m.checkins >= m.cfg.MaxCheckins {
				m.state = SilenceExhausted
				if m.hooks.Exhausted != nil {
					m.hooks.Exhausted()
				}
				return
			}
			m.checkins++
			m.state = SilenceCheckedIn
			if m.hooks.CheckIn != nil {
				m.hooks.CheckIn(m.checkins)
			}
		}
	}
}
