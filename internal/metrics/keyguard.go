package metrics

import (
	"sync"
	"time"

	"keyguard/internal/detector"
)

// KeyguardMetrics holds the detector metrics exported by the daemon.
type KeyguardMetrics struct {
	registry *Registry
	started  time.Time

	// Counters mirrored from the engine snapshot.
	EventsTotal     *Counter
	SuppressedTotal *Counter
	DroppedTotal    *Counter
	LockoutsTotal   *Counter

	SpeedFlagsTotal *Counter
	HoldFlagsTotal  *Counter

	NotifyDroppedTotal *Counter

	// Gauges
	Locked           *Gauge
	LockoutRemaining *Gauge
	HeldKeys         *Gauge
	WindowFill       *Gauge
	UptimeSeconds    *Gauge

	// Histograms
	GapMs  *Histogram
	HoldMs *Histogram

	mu   sync.Mutex
	last detector.Snapshot
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("keyguard")
	})
	return defaultRegistry
}

// NewKeyguardMetrics creates and registers all keyguard metrics.
func NewKeyguardMetrics(registry *Registry) *KeyguardMetrics {
	if registry == nil {
		registry = Default()
	}

	return &KeyguardMetrics{
		registry: registry,
		started:  time.Now(),

		EventsTotal: registry.Counter(
			"events_total",
			"Key events seen by the detector",
			nil,
		),
		SuppressedTotal: registry.Counter(
			"suppressed_events_total",
			"Key events suppressed",
			nil,
		),
		DroppedTotal: registry.Counter(
			"dropped_events_total",
			"Key events dropped before classification (auto-repeat)",
			nil,
		),
		LockoutsTotal: registry.Counter(
			"lockouts_total",
			"Lockouts engaged",
			nil,
		),
		SpeedFlagsTotal: registry.Counter(
			"flags_total",
			"Timing patterns flagged as inhuman",
			Labels{"kind": detector.FlagSpeed.String()},
		),
		HoldFlagsTotal: registry.Counter(
			"flags_total",
			"Timing patterns flagged as inhuman",
			Labels{"kind": detector.FlagHold.String()},
		),
		NotifyDroppedTotal: registry.Counter(
			"notify_dropped_total",
			"Notifications dropped because the queue was full",
			nil,
		),

		Locked: registry.Gauge(
			"locked",
			"1 while a lockout is in force",
			nil,
		),
		LockoutRemaining: registry.Gauge(
			"lockout_remaining_seconds",
			"Seconds until the current lockout ends",
			nil,
		),
		HeldKeys: registry.Gauge(
			"held_keys",
			"Keys currently pressed",
			nil,
		),
		WindowFill: registry.Gauge(
			"window_fill",
			"Gaps recorded in the speed window",
			nil,
		),
		UptimeSeconds: registry.Gauge(
			"uptime_seconds",
			"Daemon uptime in seconds",
			nil,
		),

		GapMs: registry.Histogram(
			"gap_ms",
			"Interval between consecutive key presses in milliseconds",
			nil,
			GapBuckets,
		),
		HoldMs: registry.Histogram(
			"hold_ms",
			"Key hold duration in milliseconds",
			nil,
			HoldBuckets,
		),
	}
}

// Registry returns the underlying registry.
func (m *KeyguardMetrics) Registry() *Registry {
	return m.registry
}

// ObserveGap implements detector.Observer.
func (m *KeyguardMetrics) ObserveGap(ms float64) {
	m.GapMs.Observe(ms)
}

// ObserveHold implements detector.Observer.
func (m *KeyguardMetrics) ObserveHold(ms float64) {
	m.HoldMs.Observe(ms)
}

// Update folds an engine snapshot into the metrics. Counters advance by
// the difference from the previous snapshot.
func (m *KeyguardMetrics) Update(s detector.Snapshot) {
	m.mu.Lock()
	prev := m.last
	m.last = s
	m.mu.Unlock()

	m.EventsTotal.Add(delta(s.Events, prev.Events))
	m.SuppressedTotal.Add(delta(s.Suppressed, prev.Suppressed))
	m.DroppedTotal.Add(delta(s.Dropped, prev.Dropped))
	m.LockoutsTotal.Add(delta(s.Lockouts, prev.Lockouts))
	m.SpeedFlagsTotal.Add(delta(s.SpeedFlags, prev.SpeedFlags))
	m.HoldFlagsTotal.Add(delta(s.HoldFlags, prev.HoldFlags))

	m.Locked.SetBool(s.Locked)
	m.LockoutRemaining.Set(int64(s.Remaining / time.Second))
	m.HeldKeys.Set(int64(s.HeldKeys))
	m.WindowFill.Set(int64(s.WindowFill))
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

func delta(now, before uint64) uint64 {
	if now < before {
		return 0
	}
	return now - before
}
