package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"keyguard/internal/security"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Client is a connected client as seen by the server.
type Client struct {
	ID          string
	Name        string
	Version     string
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex
	limiter *security.RateLimiter
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	// Address is a socket path, or host:port on Windows.
	Address        string
	Version        string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// RequestRate and RequestBurst bound requests per client. Zero rate
	// disables the limit.
	RequestRate    float64
	RequestBurst   int
	Logger         *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(address string) ServerConfig {
	return ServerConfig{
		Address:        address,
		Version:        "dev",
		IdleTimeout:    2 * time.Minute,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 16,
		RequestRate:    50,
		RequestBurst:   100,
	}
}

// Server accepts clients and answers their requests.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	nextID  atomic.Uint64
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("ipc server already running")
	}

	ln, err := listen(s.cfg.Address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("ipc server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every client, then waits for the
// connection goroutines.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	err := s.listener.Close()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server stop timed out")
	}

	cleanup(s.cfg.Address)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc accept failed", "error", err)
			continue
		}

		if ok, err := verifyPeer(conn); !ok {
			s.logger.Warn("ipc peer rejected", "error", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		client := &Client{
			ID:          "client-" + strconv.FormatUint(s.nextID.Add(1), 10),
			conn:        conn,
			ConnectedAt: time.Now(),
		}
		if s.cfg.RequestRate > 0 {
			client.limiter = security.NewRateLimiter(s.cfg.RequestRate, s.cfg.RequestBurst)
		}
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				s.logger.Debug("ipc client dropped", "client", client.ID, "error", err)
			}
			return
		}

		var response *Message
		if client.limiter != nil && !client.limiter.Allow() {
			response = NewErrorMessage(msg.Header.RequestID, ErrRateLimited, security.ErrRateLimited.Error())
		} else {
			response, err = s.processMessage(client, msg)
		}
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response == nil {
			continue
		}
		if err := s.send(client, response); err != nil {
			return
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgHandshake:
		var req HandshakeRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
		}
		client.Name = req.ClientName
		client.Version = req.ClientVersion
		return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
			ServerVersion:   s.cfg.Version,
			ProtocolVersion: ProtocolVersion,
			ClientID:        client.ID,
		})
	default:
		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
		}
		return s.handler.HandleMessage(s.ctx, client, msg)
	}
}

func (s *Server) send(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := msg.Write(client.conn); err != nil {
		return fmt.Errorf("write %s: %w", msg.Header.Type, err)
	}
	return nil
}
