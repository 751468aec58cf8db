package ipc

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/detector"
	"keyguard/internal/journal"
	"keyguard/internal/logging"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgStatusRequest, 42, []byte(`{"a":1}`))
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+7, buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, got.Header)
	assert.Equal(t, msg.Payload, got.Payload)
}

func TestReadHeaderRejects(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		errMsg string
	}{
		{"bad magic", Header{Magic: 0xdeadbeef, Version: ProtocolVersion}, "invalid magic"},
		{"future version", Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1}, "unsupported protocol version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tt.header.Write(&buf))
			_, err := ReadHeader(&buf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgPing, Length: MaxPayload + 1}
	require.NoError(t, h.Write(&buf))
	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload too large")
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "status_request", MsgStatusRequest.String())
	assert.Equal(t, "unknown(0x0999)", MessageType(0x0999).String())
}

func testAddress(t *testing.T) string {
	if runtime.GOOS == "windows" {
		return "127.0.0.1:0"
	}
	return filepath.Join(t.TempDir(), "k.sock")
}

type fixture struct {
	server  *Server
	client  *IPCClient
	journal *journal.Store
	engine  *detector.Engine
}

func startFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := journal.Open(journal.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	session, err := store.OpenSession("", "test")
	require.NoError(t, err)

	clock := detector.NewVirtualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine := detector.NewEngine(detector.WithClock(clock))

	handler := NewDaemonHandler(DaemonHandlerConfig{
		Version:       "1.2.3",
		SessionID:     session,
		Snapshot:      engine.Snapshot,
		Source:        func() string { return "simulated" },
		NotifyDropped: func() uint64 { return 3 },
		Journal:       store,
	})

	cfg := DefaultServerConfig(testAddress(t))
	cfg.Version = "1.2.3"
	cfg.Logger = logging.Discard().Logger
	srv := NewServer(cfg, handler)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	client, err := Dial(context.Background(), DefaultClientConfig(srv.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &fixture{server: srv, client: client, journal: store, engine: engine}
}

func TestPingAndHandshake(t *testing.T) {
	f := startFixture(t)
	ctx := context.Background()

	_, err := f.client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", f.client.ServerVersion())
	assert.NotEmpty(t, f.client.ClientID())
	assert.Equal(t, 1, f.server.ClientCount())
}

func TestStatus(t *testing.T) {
	f := startFixture(t)

	f.engine.HandleEvent(detector.KeyEvent{Key: 30, Phase: detector.PhaseDown, At: 0})
	f.engine.HandleEvent(detector.KeyEvent{Key: 30, Phase: detector.PhaseUp, At: time.Millisecond})

	status, err := f.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, f.journal.SessionID(), status.SessionID)
	assert.Equal(t, "simulated", status.Source)
	assert.Equal(t, uint64(3), status.NotifyDropped)
	assert.True(t, status.Engine.Locked)
	assert.Equal(t, uint64(1), status.Engine.HoldFlags)
	assert.Equal(t, 30*time.Second, status.Engine.Remaining)
}

func TestIncidents(t *testing.T) {
	f := startFixture(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	th := detector.DefaultThresholds()
	for i := range 3 {
		_, err := f.journal.RecordFlag(detector.HoldReason(float64(i)).Record(30, th, at.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	resp, err := f.client.Incidents(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, resp.Incidents, 2)
	assert.InDelta(t, 2.0, resp.Incidents[0].ValueMs, 1e-9)
	assert.Equal(t, int64(3), resp.Counts.HoldFlags)
	assert.Equal(t, f.journal.SessionID(), resp.SessionID)

	_, err = f.client.Incidents(context.Background(), -1)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInvalidRequest, remote.Code)
}

func TestIncidentsWithoutJournal(t *testing.T) {
	h := NewDaemonHandler(DaemonHandlerConfig{})
	resp, err := h.HandleMessage(context.Background(), &Client{}, NewMessage(MsgIncidentsRequest, 7, nil))
	require.NoError(t, err)
	assert.Equal(t, MsgError, resp.Header.Type)
	assert.Equal(t, uint32(7), resp.Header.RequestID)

	var e ErrorResponse
	require.NoError(t, Decode(resp.Payload, &e))
	assert.Equal(t, ErrNotInitialized, e.Code)
}

func TestUnknownMessage(t *testing.T) {
	h := NewDaemonHandler(DaemonHandlerConfig{})
	resp, err := h.HandleMessage(context.Background(), &Client{}, NewMessage(MessageType(0x0999), 1, nil))
	require.NoError(t, err)
	assert.Equal(t, MsgError, resp.Header.Type)
}

func TestDialWithoutDaemon(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("socket path semantics")
	}
	_, err := Dial(context.Background(), DefaultClientConfig(filepath.Join(t.TempDir(), "missing.sock")))
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestStopClosesClients(t *testing.T) {
	f := startFixture(t)
	require.NoError(t, f.server.Stop())
	require.NoError(t, f.server.Stop())

	_, err := f.client.Ping(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotConnected))
}

func TestRequestRateLimit(t *testing.T) {
	engine := detector.NewEngine()
	cfg := DefaultServerConfig(testAddress(t))
	cfg.Logger = logging.Discard().Logger
	cfg.RequestRate = 0.001
	cfg.RequestBurst = 2
	srv := NewServer(cfg, NewDaemonHandler(DaemonHandlerConfig{Snapshot: engine.Snapshot}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	// The handshake spends the first token.
	client, err := Dial(context.Background(), DefaultClientConfig(srv.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Status(context.Background())
	require.NoError(t, err)

	_, err = client.Status(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrRateLimited, remote.Code)
}
