package detector

import "keyguard/internal/keysource"

// Normalize converts a platform event into a KeyEvent. Auto-repeat
// presses are dropped: they are produced by the keyboard controller, not
// by a new keystroke, and would otherwise restart the hold timer and count
// as rapid typing.
func Normalize(raw keysource.RawEvent) (KeyEvent, bool) {
	if raw.Repeat {
		return KeyEvent{}, false
	}
	phase := PhaseUp
	if raw.Down {
		phase = PhaseDown
	}
	return KeyEvent{Key: KeyID(raw.Code), Phase: phase, At: raw.At}, true
}
