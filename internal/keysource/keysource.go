// Package keysource delivers system-wide key transitions to a handler and
// lets the handler suppress them.
//
// Platform support:
//   - Linux: reads /dev/input/event* keyboards (requires the input group or
//     root). Per-event suppression is not possible on evdev, so global
//     suppression grabs the devices with EVIOCGRAB.
//   - Windows: installs a WH_KEYBOARD_LL hook; the hook swallows every
//     event the handler suppresses.
//   - Other platforms: not available.
package keysource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RawEvent is a key transition as the platform reports it.
type RawEvent struct {
	// Code is the platform key identifier (evdev code or virtual-key code).
	Code uint32

	// Down is true for a press and false for a release.
	Down bool

	// Repeat marks auto-repeat presses of a key that is already held.
	Repeat bool

	// At is a monotonic timestamp from a source-defined epoch.
	At time.Duration
}

// Verdict is the handler's decision for one event.
type Verdict int

const (
	// Pass lets the event propagate.
	Pass Verdict = iota
	// Suppress swallows the event where the platform allows it.
	Suppress
)

func (v Verdict) String() string {
	if v == Suppress {
		return "suppress"
	}
	return "pass"
}

// Handler is invoked synchronously for every key transition. It sits on
// the system input path and must return quickly.
type Handler func(RawEvent) Verdict

// Source is a platform key event source.
type Source interface {
	// Start begins delivering events to h. It returns once capture is
	// established; delivery continues until ctx is done or Stop is called.
	Start(ctx context.Context, h Handler) error

	// Stop ends capture and waits for delivery goroutines to exit.
	Stop() error

	// Available reports whether capture can work with current permissions.
	Available() (bool, string)

	// SetSuppressed turns global suppression of all keyboard input on or off.
	SetSuppressed(on bool) error
}

// Options configures the platform source.
type Options struct {
	// Devices lists input device paths to read instead of discovering
	// keyboards. Linux only.
	Devices []string

	// OnReaderExit is called when a device reader stops on a read error
	// while the source is running, e.g. the keyboard was unplugged. Linux
	// only.
	OnReaderExit func(device string, err error)
}

// New creates the Source for the current platform.
func New(opts Options) Source {
	return newPlatformSource(opts)
}

// Describe returns a one-line description of a source for status output.
func Describe(src Source) string {
	if d, ok := src.(interface{ Describe() string }); ok {
		return d.Describe()
	}
	_, reason := src.Available()
	return reason
}

// Health reports whether capture is working. A source that tracks its
// readers is unhealthy once all of them have stopped; otherwise this is
// Available.
func Health(src Source) (bool, string) {
	if l, ok := src.(interface{ Live() error }); ok {
		if err := l.Live(); err != nil {
			return false, err.Error()
		}
	}
	return src.Available()
}

// ErrCaptureLost is reported by Live once a started source has no reader
// left.
var ErrCaptureLost = errors.New("key capture lost")

// ErrNotAvailable is returned when key capture isn't available.
var ErrNotAvailable = errors.New("keyboard capture not available on this platform")

// ErrAlreadyRunning is returned when Start is called while already running.
var ErrAlreadyRunning = errors.New("key source already running")

// ErrNotRunning is returned by operations that need a started source.
var ErrNotRunning = errors.New("key source not running")

// Simulated is a Source driven by test code.
type Simulated struct {
	mu         sync.Mutex
	handler    Handler
	running    bool
	suppressed bool
	toggles    []bool
	lost       error
}

// NewSimulated creates a simulated source.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Start registers h.
func (s *Simulated) Start(ctx context.Context, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.handler = h
	s.running = true
	s.lost = nil
	return nil
}

// Describe implements the status description.
func (s *Simulated) Describe() string {
	return "simulated"
}

// Stop unregisters the handler.
func (s *Simulated) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.handler = nil
	return nil
}

// Disconnect makes the source behave as if its device went away: Live
// fails until the next Start.
func (s *Simulated) Disconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = err
}

// Live fails after Disconnect while running.
func (s *Simulated) Live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.lost == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCaptureLost, s.lost)
}

// Available always reports true.
func (s *Simulated) Available() (bool, string) {
	return true, "simulated source (for testing)"
}

// SetSuppressed records the global suppression state.
func (s *Simulated) SetSuppressed(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = on
	s.toggles = append(s.toggles, on)
	return nil
}

// Suppressed reports the global suppression state.
func (s *Simulated) Suppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

// Toggles returns every SetSuppressed call in order.
func (s *Simulated) Toggles() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.toggles...)
}

// Emit delivers ev to the handler. While globally suppressed the event is
// swallowed before the handler sees it, mirroring a grabbed device.
func (s *Simulated) Emit(ev RawEvent) (Verdict, error) {
	s.mu.Lock()
	h := s.handler
	running := s.running
	suppressed := s.suppressed
	s.mu.Unlock()

	if !running {
		return Pass, ErrNotRunning
	}
	if suppressed {
		return Suppress, nil
	}
	return h(ev), nil
}

// Press emits a Down at at followed by an Up hold later.
func (s *Simulated) Press(code uint32, at, hold time.Duration) ([2]Verdict, error) {
	var out [2]Verdict
	v, err := s.Emit(RawEvent{Code: code, Down: true, At: at})
	if err != nil {
		return out, err
	}
	out[0] = v
	v, err = s.Emit(RawEvent{Code: code, Down: false, At: at + hold})
	if err != nil {
		return out, err
	}
	out[1] = v
	return out, nil
}
