package detector

import (
	"sync"
	"time"
)

// LockoutOutcome is the result of a lockout request.
type LockoutOutcome int

const (
	// Engaged means the request moved the controller from unlocked to
	// locked and scheduled the unlock.
	Engaged LockoutOutcome = iota + 1
	// AlreadyLocked means a lockout was in force; nothing changed.
	AlreadyLocked
)

func (o LockoutOutcome) String() string {
	switch o {
	case Engaged:
		return "engaged"
	case AlreadyLocked:
		return "already_locked"
	default:
		return "unknown"
	}
}

// Transition describes a lockout state change. Reason is nil for releases.
type Transition struct {
	Event    LockoutEvent
	Reason   *FlagReason
	At       time.Time
	Deadline time.Time
	Duration time.Duration
}

// LockoutController owns the global locked/unlocked state.
//
// The state moves Unlocked -> Locked only through RequestLockout and
// Locked -> Unlocked only through the deferred unlock it schedules. Both
// transitions happen under mu, so a request racing the unlock timer is
// either applied after the release or reported as AlreadyLocked; it is
// never lost.
type LockoutController struct {
	clock    Clock
	duration time.Duration

	mu        sync.Mutex
	locked    bool
	deadline  time.Time
	pending   int
	engaged   uint64
	listeners []func(Transition)
}

// NewLockoutController creates an unlocked controller whose lockouts last d.
func NewLockoutController(clock Clock, d time.Duration) *LockoutController {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LockoutController{clock: clock, duration: d}
}

// OnTransition registers fn to be called after every engage and release.
// Listeners run outside the controller lock, on the goroutine that caused
// the transition, and must return quickly.
func (c *LockoutController) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// RequestLockout engages a lockout unless one is already in force.
func (c *LockoutController) RequestLockout(reason FlagReason) LockoutOutcome {
	c.mu.Lock()
	if c.locked {
		c.mu.Unlock()
		return AlreadyLocked
	}

	now := c.clock.Now()
	c.locked = true
	c.deadline = now.Add(c.duration)
	c.pending++
	c.engaged++
	tr := Transition{
		Event:    LockoutEngaged,
		Reason:   &reason,
		At:       now,
		Deadline: c.deadline,
		Duration: c.duration,
	}
	listeners := c.listeners
	c.clock.AfterFunc(c.duration, c.release)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(tr)
	}
	return Engaged
}

// release is the deferred unlock. It does not re-evaluate anything.
func (c *LockoutController) release() {
	c.mu.Lock()
	c.pending--
	if !c.locked {
		c.mu.Unlock()
		return
	}
	c.locked = false
	c.deadline = time.Time{}
	tr := Transition{
		Event:    LockoutReleased,
		At:       c.clock.Now(),
		Duration: c.duration,
	}
	listeners := c.listeners
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(tr)
	}
}

// IsLocked reports whether input is currently suppressed.
func (c *LockoutController) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// Deadline returns the scheduled unlock instant while locked.
func (c *LockoutController) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.locked
}

// PendingUnlocks returns the number of scheduled unlocks that have not
// fired. It is never more than one.
func (c *LockoutController) PendingUnlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Engagements returns how many lockouts have been engaged.
func (c *LockoutController) Engagements() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engaged
}

// Duration returns the lockout length.
func (c *LockoutController) Duration() time.Duration {
	return c.duration
}
