package notify

import (
	"context"
	"log/slog"

	"keyguard/internal/detector"
	"keyguard/internal/journal"
	"keyguard/internal/logging"
	"keyguard/internal/metrics"
)

// LogSink writes records to a structured logger. Key codes go out under
// logging.KeyCodeAttr so the logger can redact them.
type LogSink struct {
	Logger *slog.Logger
}

// Flag implements Sink.
func (s LogSink) Flag(rec detector.FlagRecord) {
	attrs := []any{
		"kind", rec.Kind.String(),
		logging.KeyCodeAttr, uint32(rec.Key),
		"value_ms", rec.ValueMs,
		"threshold", rec.Threshold,
	}
	if rec.Kind == detector.FlagSpeed {
		attrs = append(attrs, "avg_ms", rec.AvgMs, "wpm", rec.WPM)
	}
	s.Logger.Warn("inhuman typing detected", attrs...)
}

// Lockout implements Sink.
func (s LogSink) Lockout(rec detector.LockoutRecord) {
	if rec.Event == detector.LockoutReleased {
		s.Logger.Info("keyboard unlocked")
		return
	}
	attrs := []any{"duration_s", rec.DurationSeconds()}
	if rec.Reason != nil {
		attrs = append(attrs, "reason", rec.Reason.String())
	}
	s.Logger.Warn("keyboard locked", attrs...)
}

// AuditSink appends records to the audit trail.
type AuditSink struct {
	Audit  *logging.AuditLogger
	Logger *slog.Logger
}

// Flag implements Sink.
func (s AuditSink) Flag(rec detector.FlagRecord) {
	details := map[string]any{
		"value_ms":  rec.ValueMs,
		"threshold": rec.Threshold,
	}
	if rec.Kind == detector.FlagSpeed {
		details["avg_ms"] = rec.AvgMs
		details["wpm"] = rec.WPM
	}
	s.report(s.Audit.LogFlag(context.Background(), rec.Kind.String(), details))
}

// Lockout implements Sink.
func (s AuditSink) Lockout(rec detector.LockoutRecord) {
	details := map[string]any{"duration_s": rec.DurationSeconds()}
	if rec.Reason != nil {
		details["reason"] = rec.Reason.Kind.String()
	}
	s.report(s.Audit.LogLockout(context.Background(), rec.Event == detector.LockoutEngaged, details))
}

func (s AuditSink) report(err error) {
	if err != nil && s.Logger != nil {
		s.Logger.Error("audit write failed", "error", err)
	}
}

// JournalSink records incidents in the SQLite journal.
type JournalSink struct {
	Store  *journal.Store
	Logger *slog.Logger
}

// Flag implements Sink.
func (s JournalSink) Flag(rec detector.FlagRecord) {
	if _, err := s.Store.RecordFlag(rec); err != nil && s.Logger != nil {
		s.Logger.Error("journal write failed", "error", err)
	}
}

// Lockout implements Sink.
func (s JournalSink) Lockout(rec detector.LockoutRecord) {
	if _, err := s.Store.RecordLockout(rec); err != nil && s.Logger != nil {
		s.Logger.Error("journal write failed", "error", err)
	}
}

// MetricsSink refreshes metrics from an engine snapshot on every record so
// flag and lockout counters move without waiting for the next scrape. It
// reads engine state and must only run behind a Dispatcher.
type MetricsSink struct {
	Metrics  *metrics.KeyguardMetrics
	Snapshot func() detector.Snapshot
}

// Flag implements Sink.
func (s MetricsSink) Flag(detector.FlagRecord) {
	s.Metrics.Update(s.Snapshot())
}

// Lockout implements Sink.
func (s MetricsSink) Lockout(detector.LockoutRecord) {
	s.Metrics.Update(s.Snapshot())
}
