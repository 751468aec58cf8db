package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// CrashReport is written to disk when a recovered panic is handled.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler recovers panics on goroutines that must keep running, such
// as the key event path, and leaves a dump behind.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	sessionID string
	logger    *Logger
	count     int
}

// DefaultCrashDir returns the platform-specific default crash directory.
func DefaultCrashDir() string {
	return filepath.Join(stateDir(), "crashes")
}

// NewCrashHandler creates a CrashHandler writing dumps to dir.
func NewCrashHandler(dir, version, sessionID string, logger *Logger) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if logger == nil {
		logger = Discard()
	}
	return &CrashHandler{
		crashDir:  dir,
		version:   version,
		component: "keyguard",
		sessionID: sessionID,
		logger:    logger,
	}
}

// Recover runs fn and handles any panic it raises. It reports whether fn
// returned normally.
func (h *CrashHandler) Recover(ctx map[string]any, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(r, ctx)
			ok = false
		}
	}()
	fn()
	return true
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(value any, ctx map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		SessionID:    h.sessionID,
		Context:      ctx,
	}

	path, err := h.writeCrashDump(report)
	if err != nil {
		h.logger.Error("recovered panic", "panic", report.PanicValue, "dump_error", err)
		return
	}
	h.logger.Error("recovered panic", "panic", report.PanicValue, "dump", path)
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", err
	}
	name := fmt.Sprintf("crash-%s-%s-%d.json",
		report.Component, report.Timestamp.Format("20060102-150405"), h.count)
	path := filepath.Join(h.crashDir, name)

	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Count returns how many panics have been handled.
func (h *CrashHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
