package detector

import "time"

// KeyHoldTracker pairs Down and Up events per key and flags releases that
// follow their press faster than a human finger can manage.
//
// It is not safe for concurrent use; Engine serialises access.
type KeyHoldTracker struct {
	flagHoldMs float64
	pressed    map[KeyID]time.Duration
}

// NewKeyHoldTracker creates a tracker flagging holds shorter than flagHoldMs.
func NewKeyHoldTracker(flagHoldMs float64) *KeyHoldTracker {
	return &KeyHoldTracker{
		flagHoldMs: flagHoldMs,
		pressed:    make(map[KeyID]time.Duration),
	}
}

// OnKeyDown records the press instant, replacing any outstanding press of
// the same key.
func (t *KeyHoldTracker) OnKeyDown(key KeyID, at time.Duration) {
	t.pressed[key] = at
}

// OnKeyUp closes the press of key. A release without a recorded press is
// ignored.
func (t *KeyHoldTracker) OnKeyUp(key KeyID, at time.Duration) (FlagReason, bool) {
	pressedAt, ok := t.pressed[key]
	if !ok {
		return FlagReason{}, false
	}
	delete(t.pressed, key)

	hold := millis(at - pressedAt)
	if hold < t.flagHoldMs {
		return HoldReason(hold), true
	}
	return FlagReason{}, false
}

// Pressed reports the outstanding press instant of key.
func (t *KeyHoldTracker) Pressed(key KeyID) (time.Duration, bool) {
	at, ok := t.pressed[key]
	return at, ok
}

// Outstanding returns the number of keys currently held.
func (t *KeyHoldTracker) Outstanding() int {
	return len(t.pressed)
}
