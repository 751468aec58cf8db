//go:build linux

package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"keyguard/internal/detector"
)

// freedesktop notification service.
const (
	notificationsService   = "org.freedesktop.Notifications"
	notificationsPath      = "/org/freedesktop/Notifications"
	notificationsInterface = "org.freedesktop.Notifications"
)

// Notification urgency hint values.
const (
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// DesktopSink shows desktop notifications over the session D-Bus. Each
// lockout replaces the previous bubble instead of stacking.
type DesktopSink struct {
	logger *slog.Logger
	flags  bool

	mu     sync.Mutex
	conn   *dbus.Conn
	lastID uint32
}

// NewDesktopSink connects to the session bus. When flags is false only
// lockout transitions are shown.
func NewDesktopSink(logger *slog.Logger, flags bool) (*DesktopSink, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DesktopSink{logger: logger, flags: flags, conn: conn}, nil
}

// Flag implements Sink.
func (s *DesktopSink) Flag(rec detector.FlagRecord) {
	if !s.flags {
		return
	}
	summary, body := FlagMessage(rec)
	s.notify(summary, body, urgencyNormal, 5000)
}

// Lockout implements Sink.
func (s *DesktopSink) Lockout(rec detector.LockoutRecord) {
	summary, body := LockoutMessage(rec)
	if rec.Event == detector.LockoutEngaged {
		s.notify(summary, body, urgencyCritical, int32(rec.Duration.Milliseconds()))
		return
	}
	s.notify(summary, body, urgencyNormal, 3000)
}

func (s *DesktopSink) notify(summary, body string, urgency byte, timeoutMs int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}

	obj := s.conn.Object(notificationsService, notificationsPath)
	call := obj.Call(notificationsInterface+".Notify", 0,
		"keyguard",
		s.lastID,
		"input-keyboard",
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency)},
		timeoutMs,
	)
	if call.Err != nil {
		s.logger.Debug("desktop notification failed", "error", call.Err)
		return
	}
	var id uint32
	if err := call.Store(&id); err == nil {
		s.lastID = id
	}
}

// Close disconnects from the bus.
func (s *DesktopSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
