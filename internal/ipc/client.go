package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	Address        string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:        address,
		ClientName:     "keyguardctl",
		ClientVersion:  "dev",
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// IPCClient issues one request at a time over a single connection.
type IPCClient struct {
	cfg ClientConfig

	mu       sync.Mutex
	conn     net.Conn
	clientID string
	server   string

	nextReqID atomic.Uint32
}

// Dial connects to the daemon and performs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*IPCClient, error) {
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialContext(ctx, d, cfg.Address)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w (%s)", ErrDaemonNotRunning, cfg.Address)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	c := &IPCClient{cfg: cfg, conn: conn}

	var ack HandshakeResponse
	err = c.call(ctx, MsgHandshake, &HandshakeRequest{
		ClientName:      cfg.ClientName,
		ClientVersion:   cfg.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	c.clientID = ack.ClientID
	c.server = ack.ServerVersion
	return c, nil
}

func dialContext(ctx context.Context, d *net.Dialer, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial(d, addr)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ClientID returns the id the server assigned.
func (c *IPCClient) ClientID() string {
	return c.clientID
}

// ServerVersion returns the daemon version from the handshake.
func (c *IPCClient) ServerVersion() string {
	return c.server
}

// Close closes the connection.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Ping checks that the daemon answers.
func (c *IPCClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.call(ctx, MsgPing, nil, MsgPong, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Status fetches the daemon status.
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Incidents fetches up to limit journal rows; zero means all.
func (c *IPCClient) Incidents(ctx context.Context, limit int) (*IncidentsResponse, error) {
	var resp IncidentsResponse
	if err := c.call(ctx, MsgIncidentsRequest, &IncidentsRequest{Limit: limit}, MsgIncidentsResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *IPCClient) call(ctx context.Context, reqType MessageType, req any, respType MessageType, resp any) error {
	var payload []byte
	if req != nil {
		var err error
		if payload, err = Encode(req); err != nil {
			return fmt.Errorf("encode %s: %w", reqType, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	id := c.nextReqID.Add(1)
	if err := NewMessage(reqType, id, payload).Write(c.conn); err != nil {
		return fmt.Errorf("send %s: %w", reqType, err)
	}

	msg, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("read %s: %w", respType, err)
	}
	if msg.Header.RequestID != id {
		return fmt.Errorf("response id %d does not match request %d", msg.Header.RequestID, id)
	}

	switch msg.Header.Type {
	case respType:
	case MsgError:
		var e ErrorResponse
		if err := Decode(msg.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	default:
		return fmt.Errorf("unexpected response %s to %s", msg.Header.Type, reqType)
	}

	if resp == nil {
		return nil
	}
	if err := Decode(msg.Payload, resp); err != nil {
		return fmt.Errorf("decode %s: %w", respType, err)
	}
	return nil
}
