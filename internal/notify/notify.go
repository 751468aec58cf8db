// Package notify delivers flag and lockout records to their sinks off the
// key event path.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"keyguard/internal/detector"
)

// Sink receives records. Sinks run on the dispatcher goroutine and may
// block briefly.
type Sink interface {
	Flag(detector.FlagRecord)
	Lockout(detector.LockoutRecord)
}

type item struct {
	flag    *detector.FlagRecord
	lockout *detector.LockoutRecord
}

// Dispatcher is a detector.Notifier that queues records and fans them out
// to sinks from a single goroutine. Enqueueing never blocks: when the
// queue is full the record is dropped and counted.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
	queue  chan item
	onDrop func()

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	done    chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for dropped records.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDropHook sets a callback run for every dropped record.
func WithDropHook(fn func()) DispatcherOption {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// NewDispatcher starts a dispatcher with a queue of size records.
func NewDispatcher(size int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	d := &Dispatcher{
		sinks:  sinks,
		logger: slog.Default(),
		queue:  make(chan item, size),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for it := range d.queue {
		for _, s := range d.sinks {
			if it.flag != nil {
				s.Flag(*it.flag)
			} else {
				s.Lockout(*it.lockout)
			}
		}
	}
}

func (d *Dispatcher) enqueue(it item) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- it:
	default:
		// Queue full, skip.
		d.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop()
		}
		d.logger.Warn("notification queue full, record dropped")
	}
}

// Flag implements detector.Notifier.
func (d *Dispatcher) Flag(rec detector.FlagRecord) {
	d.enqueue(item{flag: &rec})
}

// Lockout implements detector.Notifier.
func (d *Dispatcher) Lockout(rec detector.LockoutRecord) {
	d.enqueue(item{lockout: &rec})
}

// Dropped returns how many records were dropped on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting records, delivers what is queued and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

// Fanout delivers records to every sink synchronously.
type Fanout []Sink

// Flag implements Sink.
func (f Fanout) Flag(rec detector.FlagRecord) {
	for _, s := range f {
		s.Flag(rec)
	}
}

// Lockout implements Sink.
func (f Fanout) Lockout(rec detector.LockoutRecord) {
	for _, s := range f {
		s.Lockout(rec)
	}
}

// FlagMessage renders a flag for people.
func FlagMessage(rec detector.FlagRecord) (summary, body string) {
	switch rec.Kind {
	case detector.FlagSpeed:
		return "Typing speed flagged",
			fmt.Sprintf("%.1f WPM over the last keystrokes (limit %s WPM)", rec.WPM, humanize.Ftoa(rec.Threshold))
	case detector.FlagHold:
		return "Key hold flagged",
			fmt.Sprintf("Key released after %.2f ms (minimum %s ms)", rec.ValueMs, humanize.Ftoa(rec.Threshold))
	default:
		return "Keystroke timing flagged", ""
	}
}

// LockoutMessage renders a lockout transition for people.
func LockoutMessage(rec detector.LockoutRecord) (summary, body string) {
	if rec.Event == detector.LockoutReleased {
		return "Keyboard unlocked", "Input is accepted again"
	}
	body = fmt.Sprintf("Keyboard input is blocked for %d seconds, until %s",
		rec.DurationSeconds(), rec.At.Add(rec.Duration).Format(time.Kitchen))
	if rec.Reason != nil {
		body += ": " + rec.Reason.String()
	}
	return "Keyboard locked", body
}

// Remaining renders the time left on a lockout, e.g. "25 seconds from now".
func Remaining(deadline, now time.Time) string {
	if !deadline.After(now) {
		return "now"
	}
	return humanize.RelTime(deadline, now, "ago", "from now")
}
