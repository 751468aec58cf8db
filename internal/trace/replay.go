package trace

import (
	"context"
	"time"

	"keyguard/internal/detector"
	"keyguard/internal/keysource"
)

// ReplayReport summarises a replay.
type ReplayReport struct {
	Events     int `json:"events"`
	Passed     int `json:"passed"`
	Suppressed int `json:"suppressed"`
	Dropped    int `json:"dropped"`

	SpeedFlags int `json:"speed_flags"`
	HoldFlags  int `json:"hold_flags"`
	Lockouts   int `json:"lockouts"`
	Releases   int `json:"releases"`

	// FirstLockout is the index of the event that engaged the first
	// lockout, or -1.
	FirstLockout   int     `json:"first_lockout"`
	FirstLockoutMs float64 `json:"first_lockout_ms,omitempty"`

	// LockedAtEnd reports whether a lockout was still in force after the
	// last event.
	LockedAtEnd bool `json:"locked_at_end"`

	// Verdicts holds the engine's decision for every event, in order.
	Verdicts []keysource.Verdict `json:"-"`

	Duration time.Duration `json:"duration"`
}

// Flagged reports whether anything was flagged.
func (r *ReplayReport) Flagged() bool {
	return r.SpeedFlags+r.HoldFlags > 0
}

// Replay feeds events through engine, advancing clock to each event's
// timestamp first so that lockouts expire in simulated time. The engine
// must have been built with clock. Events are offset from the clock's
// current instant.
func Replay(ctx context.Context, events []Event, engine *detector.Engine, clock *detector.VirtualClock) (*ReplayReport, error) {
	before := engine.Snapshot()
	base := clock.Now()

	report := &ReplayReport{
		FirstLockout: -1,
		Verdicts:     make([]keysource.Verdict, 0, len(events)),
	}

	engagements := engine.Lockout().Engagements()
	for i, ev := range events {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return report, err
			}
		}

		raw := ev.Raw()
		clock.AdvanceTo(base.Add(raw.At))

		v := engine.Handle(raw)
		report.Verdicts = append(report.Verdicts, v)
		report.Events++
		if v == keysource.Suppress {
			report.Suppressed++
		} else {
			report.Passed++
		}

		if n := engine.Lockout().Engagements(); n != engagements {
			engagements = n
			if report.FirstLockout < 0 {
				report.FirstLockout = i
				report.FirstLockoutMs = ev.AtMs
			}
		}
	}

	after := engine.Snapshot()
	report.Dropped = int(after.Dropped - before.Dropped)
	report.SpeedFlags = int(after.SpeedFlags - before.SpeedFlags)
	report.HoldFlags = int(after.HoldFlags - before.HoldFlags)
	report.Lockouts = int(after.Lockouts - before.Lockouts)
	report.Releases = report.Lockouts
	if before.Locked {
		report.Releases++
	}
	if after.Locked {
		report.Releases--
	}
	report.LockedAtEnd = after.Locked
	if len(events) > 0 {
		report.Duration = events[len(events)-1].Raw().At - events[0].Raw().At
	}
	return report, nil
}

// ReplayDocument replays a trace through a fresh engine on a virtual clock.
func ReplayDocument(ctx context.Context, doc *Document, opts ...detector.Option) (*ReplayReport, error) {
	clock := detector.NewVirtualClock(time.Unix(0, 0).UTC())
	opts = append([]detector.Option{detector.WithClock(clock)}, opts...)
	return Replay(ctx, doc.Events, detector.NewEngine(opts...), clock)
}
