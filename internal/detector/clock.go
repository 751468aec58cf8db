package detector

import (
	"sort"
	"sync"
	"time"
)

// Clock supplies wall time and one-shot deferred tasks to the lockout
// controller.
type Clock interface {
	Now() time.Time

	// AfterFunc runs f in its own goroutine (or the caller of Advance, for
	// VirtualClock) once d has elapsed. Scheduled tasks always run.
	AfterFunc(d time.Duration, f func())
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}

// VirtualClock is a manually advanced Clock. Deferred tasks fire inside
// Advance, in deadline order, with Now reporting their deadline.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []virtualTimer
}

type virtualTimer struct {
	at  time.Time
	seq uint64
	f   func()
}

// NewVirtualClock creates a clock reading start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) AfterFunc(d time.Duration, f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.timers = append(c.timers, virtualTimer{at: c.now.Add(d), seq: c.seq, f: f})
	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
}

// Advance moves the clock forward by d, firing every task that falls due.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.AdvanceTo(target)
}

// AdvanceTo moves the clock to t. It never moves backwards.
func (c *VirtualClock) AdvanceTo(t time.Time) {
	for {
		c.mu.Lock()
		if len(c.timers) == 0 || c.timers[0].at.After(t) {
			if t.After(c.now) {
				c.now = t
			}
			c.mu.Unlock()
			return
		}
		next := c.timers[0]
		c.timers = c.timers[1:]
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of scheduled tasks that have not fired.
func (c *VirtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
