package logging

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup         AuditEventType = "startup"
	AuditEventShutdown        AuditEventType = "shutdown"
	AuditEventFlag            AuditEventType = "flag"
	AuditEventLockoutEngaged  AuditEventType = "lockout_engaged"
	AuditEventLockoutReleased AuditEventType = "lockout_released"
	AuditEventSourceError     AuditEventType = "source_error"
	AuditEventConfigChange    AuditEventType = "config_change"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// Writer replaces the file when set.
	Writer io.Writer

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(stateDir(), "audit.log"),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 10,
		Component:  "keyguard",
	}
}

// AuditLogger appends JSON lines describing flags, lockouts and daemon
// lifecycle. Every event carries the session ID of the running daemon.
type AuditLogger struct {
	config    *AuditLoggerConfig
	rotator   *FileRotator
	w         io.Writer
	sessionID string
	now       func() time.Time

	mu sync.Mutex
}

// NewAuditLogger creates an AuditLogger with a fresh session ID.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	a := &AuditLogger{
		config:    cfg,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
	if cfg.Writer != nil {
		a.w = cfg.Writer
		return a, nil
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.rotator = rotator
	a.w = rotator
	return a, nil
}

// SessionID returns the session this logger stamps on events.
func (a *AuditLogger) SessionID() string {
	return a.sessionID
}

// Log writes an audit event.
func (a *AuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Details:   map[string]any{"reason": reason},
	})
}

// LogFlag logs a detection.
func (a *AuditLogger) LogFlag(ctx context.Context, kind string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventFlag,
		Action:    kind,
		Result:    "flagged",
		Details:   details,
	})
}

// LogLockout logs a lockout transition.
func (a *AuditLogger) LogLockout(ctx context.Context, engaged bool, details map[string]any) error {
	ev := AuditEvent{
		EventType: AuditEventLockoutReleased,
		Action:    "input_restored",
		Details:   details,
	}
	if engaged {
		ev.EventType = AuditEventLockoutEngaged
		ev.Action = "input_suppressed"
	}
	return a.Log(ctx, ev)
}

// LogSourceError logs a failure of the key source.
func (a *AuditLogger) LogSourceError(ctx context.Context, operation string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSourceError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Details: map[string]any{
			"setting":   setting,
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}
