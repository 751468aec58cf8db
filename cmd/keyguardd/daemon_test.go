package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/config"
	"keyguard/internal/detector"
	"keyguard/internal/ipc"
	"keyguard/internal/journal"
	"keyguard/internal/keysource"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	daemon *Daemon
	source *keysource.Simulated
	clock  *detector.VirtualClock
	logs   *bytes.Buffer
	client *ipc.IPCClient
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = filepath.Join(dir, "keyguard.log")
	cfg.Audit.Enabled = true
	cfg.Audit.FilePath = filepath.Join(dir, "audit.log")
	cfg.Notify.Desktop = false
	cfg.Journal.Enabled = true
	cfg.Journal.Path = journal.MemoryPath
	cfg.IPC.Enabled = true
	cfg.IPC.SocketPath = filepath.Join(dir, "k.sock")
	if runtime.GOOS == "windows" {
		cfg.IPC.SocketPath = "127.0.0.1:0"
	}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		source: keysource.NewSimulated(),
		clock:  detector.NewVirtualClock(epoch),
		logs:   &bytes.Buffer{},
	}

	d, err := NewDaemon(cfg, DaemonOptions{
		Version:   "test",
		Source:    f.source,
		Clock:     f.clock,
		LogWriter: f.logs,
		CrashDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	f.daemon = d
	t.Cleanup(func() { d.Stop(context.Background(), "test") })

	if addr := d.IPCAddr(); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.client, err = ipc.Dial(ctx, ipc.DefaultClientConfig(addr))
		require.NoError(t, err)
		t.Cleanup(func() { f.client.Close() })
	}
	return f
}

func (f *fixture) status(t *testing.T) *ipc.StatusResponse {
	t.Helper()
	resp, err := f.client.Status(context.Background())
	require.NoError(t, err)
	return resp
}

func TestDaemonPassesHumanTyping(t *testing.T) {
	f := startDaemon(t, testConfig(t))

	at := time.Duration(0)
	for i := 0; i < 40; i++ {
		v, err := f.source.Press(uint32(30+i%8), at, 80*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, [2]keysource.Verdict{keysource.Pass, keysource.Pass}, v)
		at += 160 * time.Millisecond
	}

	st := f.status(t)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, f.daemon.SessionID(), st.SessionID)
	assert.Equal(t, "simulated", st.Source)
	assert.False(t, st.Engine.Locked)
	assert.Equal(t, uint64(80), st.Engine.Events)
	assert.Equal(t, 20, st.Engine.WindowFill)
	assert.Empty(t, f.source.Toggles())
}

func TestDaemonShortHoldLocksAndReleases(t *testing.T) {
	f := startDaemon(t, testConfig(t))

	v, err := f.source.Press(30, 0, 2*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, keysource.Pass, v[0])
	assert.Equal(t, keysource.Suppress, v[1])

	// Suppression follows the lockout onto the source.
	assert.Equal(t, []bool{true}, f.source.Toggles())
	v, err = f.source.Press(31, 100*time.Millisecond, 90*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, [2]keysource.Verdict{keysource.Suppress, keysource.Suppress}, v)

	st := f.status(t)
	assert.True(t, st.Engine.Locked)
	assert.Equal(t, 30*time.Second, st.Engine.Remaining)

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, []bool{true, false}, f.source.Toggles())
	assert.False(t, f.status(t).Engine.Locked)

	var inc *ipc.IncidentsResponse
	require.Eventually(t, func() bool {
		inc, err = f.client.Incidents(context.Background(), 0)
		return err == nil && len(inc.Incidents) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, f.daemon.SessionID(), inc.SessionID)
	assert.Equal(t, int64(1), inc.Counts.HoldFlags)
	assert.Equal(t, int64(1), inc.Counts.Lockouts)
	kinds := []string{inc.Incidents[0].Kind, inc.Incidents[1].Kind, inc.Incidents[2].Kind}
	assert.Equal(t, []string{journal.KindLockoutReleased, journal.KindLockoutEngaged, "hold"}, kinds)
}

func TestDaemonServesMetrics(t *testing.T) {
	f := startDaemon(t, testConfig(t))

	_, err := f.source.Press(30, 0, time.Millisecond)
	require.NoError(t, err)

	url := "http://" + f.daemon.MetricsAddr() + "/metrics"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "keyguard_lockouts_total 1") &&
			strings.Contains(string(body), `keyguard_flags_total{kind="hold"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDaemonServesHealth(t *testing.T) {
	f := startDaemon(t, testConfig(t))
	assert.True(t, f.daemon.Health().IsReady())
	assert.Equal(t, []string{"journal", "keysource", "notify"}, f.daemon.Health().Names())

	base := "http://" + f.daemon.MetricsAddr()
	for _, path := range []string{"/healthz", "/livez", "/readyz"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		if path == "/healthz" {
			assert.Contains(t, string(body), `"status":"healthy"`)
		}
	}

	require.NoError(t, f.daemon.Stop(context.Background(), "test"))
	assert.False(t, f.daemon.Health().IsReady())
}

func TestDaemonHealthFollowsLostCapture(t *testing.T) {
	f := startDaemon(t, testConfig(t))
	url := "http://" + f.daemon.MetricsAddr() + "/healthz?full=true"

	f.source.Disconnect(errors.New("no such device"))
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"unhealthy"`)
	assert.Contains(t, string(body), "key capture lost: no such device")
}

func TestDaemonReportsStoppedReader(t *testing.T) {
	cfg := testConfig(t)
	f := startDaemon(t, cfg)

	f.daemon.readerExited("/dev/input/event3", errors.New("no such device"))
	assert.Contains(t, f.logs.String(), "keyboard reader stopped")

	audit, err := os.ReadFile(cfg.Audit.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "source_error")
	assert.Contains(t, string(audit), "read /dev/input/event3")
}

func TestDaemonRecoversFromPipelinePanic(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.Enabled = false
	cfg.Metrics.Enabled = false
	f := startDaemon(t, cfg)

	f.daemon.pipeline = func(keysource.RawEvent) keysource.Verdict {
		panic("pipeline failure")
	}
	v, err := f.source.Emit(keysource.RawEvent{Code: 30, Down: true})
	require.NoError(t, err)
	assert.Equal(t, keysource.Pass, v)
	assert.Equal(t, 1, f.daemon.crash.Count())
	assert.Contains(t, f.logs.String(), "recovered panic")
}

func TestDaemonWithoutOptionalComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = false
	cfg.Journal.Enabled = false
	cfg.IPC.Enabled = false
	cfg.Metrics.Enabled = false
	f := startDaemon(t, cfg)

	assert.Empty(t, f.daemon.IPCAddr())
	assert.Empty(t, f.daemon.MetricsAddr())
	assert.NotEmpty(t, f.daemon.SessionID())

	_, err := f.source.Press(30, 0, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, f.daemon.Engine().Lockout().IsLocked())
	require.NoError(t, f.daemon.Stop(context.Background(), "test"))
	assert.Contains(t, f.logs.String(), "keyguard stopped")
}

func TestDaemonStopIsIdempotent(t *testing.T) {
	f := startDaemon(t, testConfig(t))
	require.NoError(t, f.daemon.Stop(context.Background(), "test"))
	require.NoError(t, f.daemon.Stop(context.Background(), "again"))

	_, err := f.source.Emit(keysource.RawEvent{Code: 30, Down: true})
	assert.ErrorIs(t, err, keysource.ErrNotRunning)
}

func TestApplyConfigChangesLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.Enabled = false
	cfg.Metrics.Enabled = false
	f := startDaemon(t, cfg)

	updated := cfg.Clone()
	updated.Logging.Level = "debug"
	updated.Journal.Path = filepath.Join(t.TempDir(), "j.db")
	f.daemon.ApplyConfig(cfg, updated)

	assert.Equal(t, "debug", strings.ToLower(f.daemon.Logger().Level().String()))
	assert.Contains(t, f.logs.String(), "log level changed")
	assert.Contains(t, f.logs.String(), "journal")
}

func TestRestartOnly(t *testing.T) {
	a := config.DefaultConfig()
	b := a.Clone()
	assert.Empty(t, restartOnly(a, b))

	b.Logging.Level = "debug"
	assert.Empty(t, restartOnly(a, b))

	b.Source.Devices = []string{"/dev/input/event3"}
	b.Metrics.Enabled = true
	assert.Equal(t, []string{"source", "metrics"}, restartOnly(a, b))
}

func TestLoggingConfig(t *testing.T) {
	lc, err := loggingConfig(config.LoggingConfig{Level: "warn", Format: "json", Output: "stdout", LogKeyCodes: true})
	require.NoError(t, err)
	assert.Equal(t, "keyguardd", lc.Component)
	assert.True(t, lc.LogKeyCodes)
	assert.Equal(t, "stdout", lc.Output)

	_, err = loggingConfig(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
