package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v, %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.LogKeyCodes {
		t.Error("key codes must be redacted by default")
	}
	if cfg.Component != "keyguard" {
		t.Errorf("expected component keyguard, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, "keyguard.log") {
		t.Errorf("unexpected log path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf
	cfg.Format = FormatJSON
	if mutate != nil {
		mutate(cfg)
	}
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid JSON log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)
	logger.Info("lockout engaged", "duration_s", 30)

	entry := decodeLine(t, buf)
	if entry["msg"] != "lockout engaged" {
		t.Errorf("expected msg 'lockout engaged', got %v", entry["msg"])
	}
	if entry["component"] != "keyguard" {
		t.Errorf("expected component keyguard, got %v", entry["component"])
	}
	if entry["duration_s"] != float64(30) {
		t.Errorf("expected duration_s 30, got %v", entry["duration_s"])
	}
}

func TestKeyCodeRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)
	logger.Warn("flag", KeyCodeAttr, 30)
	if got := decodeLine(t, buf)[KeyCodeAttr]; got != "[REDACTED]" {
		t.Errorf("expected redacted key code, got %v", got)
	}

	logger, buf = newBufferLogger(t, func(c *Config) { c.LogKeyCodes = true })
	logger.Warn("flag", KeyCodeAttr, 30)
	if got := decodeLine(t, buf)[KeyCodeAttr]; got != float64(30) {
		t.Errorf("expected key code 30, got %v", got)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"api_key", true},
		{"auth_header", true},
		{"wpm", false},
		{"avg_ms", false},
		{"hold_ms", false},
		{"session_id", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, want %v", test.key, got, test.expected)
			}
		})
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)
	child := logger.WithComponent("notify")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("expected debug level, got %v", logger.Level())
	}
	child.Debug("visible")
	entry := decodeLine(t, buf)
	if entry["component"] != "notify" {
		t.Errorf("expected component notify, got %v", entry["component"])
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing")
	if err := l.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestFileRotator(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{FilePath: filepath.Join(dir, "logs", "keyguard.log"), MaxSize: 1}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	if _, err := r.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{FilePath: filepath.Join(dir, "keyguard.log"), MaxBackups: 2}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	r.maxBytes = 64

	day := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return day.Add(time.Duration(tick) * time.Second)
	}

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 6; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rotated := r.rotatedFiles()
	if len(rotated) != 2 {
		t.Errorf("expected 2 rotated files after pruning, got %d: %v", len(rotated), rotated)
	}
	if files := r.LogFiles(); files[0] != cfg.FilePath {
		t.Errorf("expected current file first, got %v", files)
	}
}

func TestFileRotatorRotatesOnNewDay(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRotator(&Config{FilePath: filepath.Join(dir, "keyguard.log")})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer r.Close()

	now := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.opened = now

	r.Write([]byte("a\n"))
	if r.shouldRotate(2) {
		t.Error("should not rotate within the same day")
	}
	now = now.Add(2 * time.Minute)
	if !r.shouldRotate(2) {
		t.Error("should rotate after midnight")
	}
	// Same day-of-month a month later still counts as a new day.
	now = time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC)
	if !r.shouldRotate(2) {
		t.Error("should rotate a month later")
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	audit, err := NewAuditLogger(&AuditLoggerConfig{Writer: &buf, Component: "keyguard"})
	if err != nil {
		t.Fatalf("failed to create audit logger: %v", err)
	}
	ctx := context.Background()

	if audit.SessionID() == "" {
		t.Fatal("expected a session ID")
	}
	if err := audit.LogStartup(ctx, "1.0.0", nil); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := audit.LogFlag(ctx, "hold", map[string]any{"hold_ms": 2.5}); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if err := audit.LogLockout(ctx, true, map[string]any{"duration_s": 30}); err != nil {
		t.Fatalf("lockout: %v", err)
	}
	if err := audit.LogLockout(ctx, false, nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := audit.LogSourceError(ctx, "grab", errors.New("permission denied")); err != nil {
		t.Fatalf("source error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 audit lines, got %d", len(lines))
	}

	want := []AuditEventType{
		AuditEventStartup, AuditEventFlag, AuditEventLockoutEngaged,
		AuditEventLockoutReleased, AuditEventSourceError,
	}
	for i, line := range lines {
		var ev AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if ev.EventType != want[i] {
			t.Errorf("line %d: expected %s, got %s", i, want[i], ev.EventType)
		}
		if ev.SessionID != audit.SessionID() {
			t.Errorf("line %d: session %q, want %q", i, ev.SessionID, audit.SessionID())
		}
		if ev.Component != "keyguard" {
			t.Errorf("line %d: component %q", i, ev.Component)
		}
	}

	var last AuditEvent
	json.Unmarshal([]byte(lines[4]), &last)
	if last.Result != "failure" || last.Error != "permission denied" {
		t.Errorf("unexpected source error event: %+v", last)
	}
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	audit, err := NewAuditLogger(&AuditLoggerConfig{FilePath: path})
	if err != nil {
		t.Fatalf("failed to create audit logger: %v", err)
	}
	if err := audit.LogShutdown(context.Background(), "signal"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	audit.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"daemon_stopped"`) {
		t.Errorf("audit file missing shutdown event: %s", data)
	}
}

func TestCrashHandlerRecovery(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir, "test", "session-1", Discard())

	ok := h.Recover(map[string]any{"op": "handle_event"}, func() {
		panic("boom")
	})
	if ok {
		t.Error("expected Recover to report the panic")
	}
	if h.Count() != 1 {
		t.Errorf("expected 1 crash, got %d", h.Count())
	}
	if !h.Recover(nil, func() {}) {
		t.Error("expected clean run to report ok")
	}

	files, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if len(files) != 1 {
		t.Fatalf("expected 1 crash dump, got %d", len(files))
	}
	data, _ := os.ReadFile(files[0])
	var report CrashReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("invalid crash dump: %v", err)
	}
	if report.PanicValue != "boom" || report.SessionID != "session-1" {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.Context["op"] != "handle_event" {
		t.Errorf("missing context: %v", report.Context)
	}
}
