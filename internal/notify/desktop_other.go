//go:build !linux

package notify

import (
	"errors"
	"log/slog"

	"keyguard/internal/detector"
)

// ErrDesktopUnsupported is returned where no notification service is wired.
var ErrDesktopUnsupported = errors.New("desktop notifications not supported on this platform")

// DesktopSink is unavailable on this platform.
type DesktopSink struct{}

// NewDesktopSink always fails here.
func NewDesktopSink(*slog.Logger, bool) (*DesktopSink, error) {
	return nil, ErrDesktopUnsupported
}

// Flag implements Sink.
func (*DesktopSink) Flag(detector.FlagRecord) {}

// Lockout implements Sink.
func (*DesktopSink) Lockout(detector.LockoutRecord) {}

// Close implements io.Closer.
func (*DesktopSink) Close() error { return nil }
