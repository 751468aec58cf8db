// Package detector classifies a live stream of key events as human or
// synthetic typing and engages a timed keyboard lockout when the timing
// looks inhuman.
//
// Two heuristics feed the lockout:
//   - sustained typing speed over a sliding window of inter-key gaps
//   - implausibly short key holds (press to release)
//
// The package holds no I/O. Platform capture lives in keysource, and flag
// and lockout records leave through a Notifier.
package detector

import (
	"fmt"
	"time"
)

// KeyID is an opaque key identifier (evdev code, Windows virtual key, ...).
type KeyID uint32

// Phase is the direction of a key transition.
type Phase int

const (
	PhaseDown Phase = iota + 1
	PhaseUp
)

func (p Phase) String() string {
	switch p {
	case PhaseDown:
		return "down"
	case PhaseUp:
		return "up"
	default:
		return "unknown"
	}
}

// KeyEvent is one normalized key transition. At is a monotonic instant
// measured from an arbitrary, source-defined epoch.
type KeyEvent struct {
	Key   KeyID
	Phase Phase
	At    time.Duration
}

// Thresholds are the classification constants. They are fixed for the
// lifetime of an Engine.
type Thresholds struct {
	// WindowSize is the number of inter-key gaps averaged for the speed check.
	WindowSize int

	// FlagWPM is the speed above which typing is flagged (strictly greater).
	FlagWPM float64

	// FlagHoldMs is the hold duration below which a key release is flagged
	// (strictly less).
	FlagHoldMs float64

	// Lockout is how long input stays suppressed once a flag engages.
	Lockout time.Duration
}

// DefaultThresholds returns the thresholds the daemon runs with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WindowSize: 20,
		FlagWPM:    300.0,
		FlagHoldMs: 5.0,
		Lockout:    30 * time.Second,
	}
}

// CharsPerWord is the typing-speed convention used to turn characters per
// minute into words per minute.
const CharsPerWord = 5.0

// WPM converts an average inter-key gap in milliseconds into words per
// minute. It returns false for non-positive gaps.
func WPM(avgMs float64) (float64, bool) {
	if avgMs <= 0 {
		return 0, false
	}
	return (60000.0 / avgMs) / CharsPerWord, true
}

// millis converts a duration into fractional milliseconds.
func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// FlagKind identifies which heuristic raised a flag.
type FlagKind int

const (
	FlagSpeed FlagKind = iota + 1
	FlagHold
)

func (k FlagKind) String() string {
	switch k {
	case FlagSpeed:
		return "speed"
	case FlagHold:
		return "hold"
	default:
		return "unknown"
	}
}

// FlagReason describes why a timing pattern was judged inhuman.
type FlagReason struct {
	Kind FlagKind

	// Speed flags.
	IntervalMs float64
	AvgMs      float64
	WPM        float64

	// Hold flags.
	HoldMs float64
}

// SpeedReason builds a speed flag.
func SpeedReason(intervalMs, avgMs, wpm float64) FlagReason {
	return FlagReason{Kind: FlagSpeed, IntervalMs: intervalMs, AvgMs: avgMs, WPM: wpm}
}

// HoldReason builds a short-hold flag.
func HoldReason(holdMs float64) FlagReason {
	return FlagReason{Kind: FlagHold, HoldMs: holdMs}
}

func (r FlagReason) String() string {
	switch r.Kind {
	case FlagSpeed:
		return fmt.Sprintf("typing speed %.1f WPM (interval %.1f ms, avg %.1f ms)", r.WPM, r.IntervalMs, r.AvgMs)
	case FlagHold:
		return fmt.Sprintf("key held %.2f ms", r.HoldMs)
	default:
		return "unknown flag"
	}
}

// FlagRecord is the structured record emitted for every flag.
type FlagRecord struct {
	Kind FlagKind
	Key  KeyID

	// ValueMs is the last interval for speed flags and the hold duration
	// for hold flags.
	ValueMs float64

	// AvgMs and WPM are only set for speed flags.
	AvgMs float64
	WPM   float64

	// Threshold is the limit that was exceeded: WPM for speed flags,
	// milliseconds for hold flags.
	Threshold float64

	At time.Time
}

// Record converts a reason into the record shape emitted to sinks.
func (r FlagReason) Record(key KeyID, th Thresholds, at time.Time) FlagRecord {
	rec := FlagRecord{Kind: r.Kind, Key: key, At: at}
	switch r.Kind {
	case FlagSpeed:
		rec.ValueMs = r.IntervalMs
		rec.AvgMs = r.AvgMs
		rec.WPM = r.WPM
		rec.Threshold = th.FlagWPM
	case FlagHold:
		rec.ValueMs = r.HoldMs
		rec.Threshold = th.FlagHoldMs
	}
	return rec
}

// LockoutEvent is the lockout transition reported to sinks.
type LockoutEvent int

const (
	LockoutEngaged LockoutEvent = iota + 1
	LockoutReleased
)

func (e LockoutEvent) String() string {
	switch e {
	case LockoutEngaged:
		return "engaged"
	case LockoutReleased:
		return "released"
	default:
		return "unknown"
	}
}

// LockoutRecord is the structured record emitted on lockout transitions.
type LockoutRecord struct {
	Event    LockoutEvent
	Duration time.Duration

	// Reason is the flag that caused the lockout. It is nil on release.
	Reason *FlagReason

	At time.Time
}

// DurationSeconds reports the configured lockout length in whole seconds.
func (r LockoutRecord) DurationSeconds() int {
	return int(r.Duration / time.Second)
}

// Notifier receives flag and lockout records. Implementations are called
// from the event path and the unlock timer and must not block.
type Notifier interface {
	Flag(FlagRecord)
	Lockout(LockoutRecord)
}

type nopNotifier struct{}

func (nopNotifier) Flag(FlagRecord)       {}
func (nopNotifier) Lockout(LockoutRecord) {}

// Observer receives every measured inter-key gap and key hold in
// milliseconds, flagged or not. It is called with the engine lock held.
type Observer interface {
	ObserveGap(ms float64)
	ObserveHold(ms float64)
}
