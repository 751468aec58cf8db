package detector

import (
	"sync"
	"sync/atomic"
	"time"

	"keyguard/internal/keysource"
)

// Engine routes key events through the lockout check and the two
// trackers, and requests a lockout when either tracker flags.
//
// HandleEvent is safe for concurrent use. Tracker state is serialised by
// mu; lockout state belongs to the controller and has its own lock. Lock
// order is always mu then the controller lock, and the unlock timer never
// takes mu.
type Engine struct {
	thresholds Thresholds
	clock      Clock
	notifier   Notifier
	observer   Observer

	mu        sync.Mutex
	intervals *IntervalTracker
	holds     *KeyHoldTracker

	lockout *LockoutController

	events     atomic.Uint64
	suppressed atomic.Uint64
	speedFlags atomic.Uint64
	holdFlags  atomic.Uint64
	dropped    atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for lockout deadlines and the unlock task.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithNotifier sets the sink for flag and lockout records.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithObserver sets a sink for the raw gap and hold measurements.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithThresholds overrides the default thresholds.
func WithThresholds(th Thresholds) Option {
	return func(e *Engine) { e.thresholds = th }
}

// NewEngine creates an engine in the unlocked state with empty trackers.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		thresholds: DefaultThresholds(),
		clock:      SystemClock{},
		notifier:   nopNotifier{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}

	e.intervals = NewIntervalTracker(e.thresholds.WindowSize, e.thresholds.FlagWPM)
	e.holds = NewKeyHoldTracker(e.thresholds.FlagHoldMs)
	e.lockout = NewLockoutController(e.clock, e.thresholds.Lockout)
	e.lockout.OnTransition(e.reportTransition)
	return e
}

// Lockout returns the engine's lockout controller.
func (e *Engine) Lockout() *LockoutController {
	return e.lockout
}

// Thresholds returns the thresholds in use.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Handle is a keysource.Handler. Events the normalizer drops pass through
// untouched unless a lockout is in force.
func (e *Engine) Handle(raw keysource.RawEvent) keysource.Verdict {
	ev, ok := Normalize(raw)
	if !ok {
		e.dropped.Add(1)
		if e.lockout.IsLocked() {
			e.suppressed.Add(1)
			return keysource.Suppress
		}
		return keysource.Pass
	}
	return e.HandleEvent(ev)
}

// HandleEvent processes one normalized event and returns whether it should
// be suppressed. While locked no tracker sees the event, so tracker state
// resumes after the lockout exactly where it stood before it.
//
// The event that raises a flag is itself suppressed: the lockout engages
// before the verdict is returned. A hook that only starts blocking after
// the flag would still pass that keystroke on.
func (e *Engine) HandleEvent(ev KeyEvent) keysource.Verdict {
	e.events.Add(1)

	e.mu.Lock()
	if e.lockout.IsLocked() {
		e.mu.Unlock()
		e.suppressed.Add(1)
		return keysource.Suppress
	}

	var (
		reason  FlagReason
		flagged bool
	)
	switch ev.Phase {
	case PhaseDown:
		if ref, ok := e.intervals.Reference(); ok && e.observer != nil {
			e.observer.ObserveGap(millis(ev.At - ref))
		}
		reason, flagged = e.intervals.OnKeyDown(ev.At)
		e.holds.OnKeyDown(ev.Key, ev.At)
	case PhaseUp:
		if at, ok := e.holds.Pressed(ev.Key); ok && e.observer != nil {
			e.observer.ObserveHold(millis(ev.At - at))
		}
		reason, flagged = e.holds.OnKeyUp(ev.Key, ev.At)
	}
	if !flagged {
		e.mu.Unlock()
		return keysource.Pass
	}

	switch reason.Kind {
	case FlagSpeed:
		e.speedFlags.Add(1)
	case FlagHold:
		e.holdFlags.Add(1)
	}
	e.notifier.Flag(reason.Record(ev.Key, e.thresholds, e.clock.Now()))

	// Requested under mu so no concurrently delivered event can reach the
	// trackers between the flag and the lockout.
	e.lockout.RequestLockout(reason)
	e.mu.Unlock()

	// The flagged event is the first one the lockout swallows.
	e.suppressed.Add(1)
	return keysource.Suppress
}

func (e *Engine) reportTransition(tr Transition) {
	e.notifier.Lockout(LockoutRecord{
		Event:    tr.Event,
		Duration: tr.Duration,
		Reason:   tr.Reason,
		At:       tr.At,
	})
}

// Snapshot is a point-in-time view of engine state.
type Snapshot struct {
	Locked    bool          `json:"locked"`
	Deadline  time.Time     `json:"deadline,omitempty"`
	Remaining time.Duration `json:"remaining"`

	WindowFill int     `json:"window_fill"`
	WindowSize int     `json:"window_size"`
	AvgMs      float64 `json:"avg_ms"`
	WPM        float64 `json:"wpm"`

	HeldKeys int `json:"held_keys"`

	Events     uint64 `json:"events"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
	SpeedFlags uint64 `json:"speed_flags"`
	HoldFlags  uint64 `json:"hold_flags"`
	Lockouts   uint64 `json:"lockouts"`

	Thresholds Thresholds `json:"thresholds"`
}

// Snapshot captures the current state.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		WindowSize: e.thresholds.WindowSize,
		Events:     e.events.Load(),
		Suppressed: e.suppressed.Load(),
		Dropped:    e.dropped.Load(),
		SpeedFlags: e.speedFlags.Load(),
		HoldFlags:  e.holdFlags.Load(),
		Lockouts:   e.lockout.Engagements(),
		Thresholds: e.thresholds,
	}

	e.mu.Lock()
	s.WindowFill = e.intervals.Len()
	if avg, ok := e.intervals.Average(); ok {
		s.AvgMs = avg
		s.WPM, _ = WPM(avg)
	}
	s.HeldKeys = e.holds.Outstanding()
	e.mu.Unlock()

	if deadline, locked := e.lockout.Deadline(); locked {
		s.Locked = true
		s.Deadline = deadline
		if rem := deadline.Sub(e.clock.Now()); rem > 0 {
			s.Remaining = rem
		}
	}
	return s
}
