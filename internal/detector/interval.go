package detector

import "time"

// IntervalTracker keeps a sliding window of the most recent inter-key gaps
// between Down events and flags sustained inhuman typing speed.
//
// It is not safe for concurrent use; Engine serialises access.
type IntervalTracker struct {
	size    int
	flagWPM float64

	gaps []float64

	// ref is the instant of the previous Down. It is absent until the
	// first Down arrives.
	ref    time.Duration
	hasRef bool
}

// NewIntervalTracker creates a tracker averaging over size gaps and
// flagging above flagWPM.
func NewIntervalTracker(size int, flagWPM float64) *IntervalTracker {
	if size <= 0 {
		size = DefaultThresholds().WindowSize
	}
	return &IntervalTracker{
		size:    size,
		flagWPM: flagWPM,
		gaps:    make([]float64, 0, size),
	}
}

// OnKeyDown records a Down at the given instant. It returns a speed flag
// once the window is full and the averaged speed exceeds the threshold.
func (t *IntervalTracker) OnKeyDown(at time.Duration) (FlagReason, bool) {
	if !t.hasRef {
		t.ref = at
		t.hasRef = true
		return FlagReason{}, false
	}

	gap := millis(at - t.ref)
	t.ref = at
	t.push(gap)

	avg, ok := t.Average()
	if !ok {
		return FlagReason{}, false
	}
	wpm, ok := WPM(avg)
	if !ok || wpm <= t.flagWPM {
		return FlagReason{}, false
	}
	return SpeedReason(gap, avg, wpm), true
}

func (t *IntervalTracker) push(gap float64) {
	if len(t.gaps) < t.size {
		t.gaps = append(t.gaps, gap)
		return
	}
	copy(t.gaps, t.gaps[1:])
	t.gaps[len(t.gaps)-1] = gap
}

// Average returns the mean gap in milliseconds. It only reports a value
// once the window is full; partial windows are not representative.
func (t *IntervalTracker) Average() (float64, bool) {
	if len(t.gaps) < t.size {
		return 0, false
	}
	var sum float64
	for _, g := range t.gaps {
		sum += g
	}
	return sum / float64(len(t.gaps)), true
}

// Len returns the number of recorded gaps.
func (t *IntervalTracker) Len() int {
	return len(t.gaps)
}

// Size returns the window capacity.
func (t *IntervalTracker) Size() int {
	return t.size
}

// Gaps returns a copy of the window, oldest first.
func (t *IntervalTracker) Gaps() []float64 {
	out := make([]float64, len(t.gaps))
	copy(out, t.gaps)
	return out
}

// Reference returns the instant of the previous Down, if any.
func (t *IntervalTracker) Reference() (time.Duration, bool) {
	return t.ref, t.hasRef
}
