//go:build !linux && !windows

package keysource

import "context"

// StubSource is used on unsupported platforms.
type StubSource struct{}

func newPlatformSource(Options) Source {
	return StubSource{}
}

// Available returns false on unsupported platforms.
func (StubSource) Available() (bool, string) {
	return false, "keyboard capture not implemented for this platform"
}

// Start returns ErrNotAvailable.
func (StubSource) Start(context.Context, Handler) error {
	return ErrNotAvailable
}

// Stop is a no-op.
func (StubSource) Stop() error {
	return nil
}

// SetSuppressed returns ErrNotAvailable.
func (StubSource) SetSuppressed(bool) error {
	return ErrNotAvailable
}
