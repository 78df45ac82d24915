package bridge

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ServerConfig configures the bridge listener.
type ServerConfig struct {
	// Host must be a loopback address; the server refuses to start
	// otherwise.
	Host string `json:"host"`

	// Port is the listen port.
	Port int `json:"port"`

	// Token is the shared secret every command must carry. Required.
	Token string `json:"token"`

	// AccountID labels events from this bridge instance.
	AccountID string `json:"account_id"`
}

// Handler executes validated commands. The live implementation is *Session;
// tests substitute fakes.
type Handler interface {
	// HandleCommand runs one authenticated command and returns its result
	// or a protocol error.
	HandleCommand(ctx context.Context, cmd Command) (any, *ProtocolError)
}

// Server is the loopback-only WebSocket listener speaking protocol v2.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	inflight atomic.Int64
	dropped  atomic.Int64
}

type client struct {
	conn *websocket.Conn

	// sendMu orders sends against channel close on disconnect.
	sendMu sync.Mutex

	// sendQ is the outbound event queue; writes never block the reader.
	sendQ chan []byte

	// buffered tracks outbound bytes queued but not yet written.
	buffered atomic.Int64

	inflight atomic.Int64
	closed   atomic.Bool
}

// NewServer validates the config and builds the server.
func NewServer(cfg ServerConfig, handler Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("bridge token must not be empty")
	}
	if !isLoopbackHost(cfg.Host) {
		return nil, fmt.Errorf("bridge host %q is not a loopback address", cfg.Host)
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "default"
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "bridge-server"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// The bridge is loopback-only; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// isLoopbackHost accepts 127.0.0.0/8, ::1, and "localhost".
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isLoopbackRemote checks the peer address of an accepted connection.
func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ListenAndServe runs the listener until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	s.logger.Info("bridge listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Broadcast sends one event to every connected client. Events that would
// overflow a client's outbound buffer are dropped with a counter.
func (s *Server) Broadcast(evt Event) {
	data, err := encodeEvent(evt)
	if err != nil {
		s.logger.Warn("encoding event failed", "error", err)
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		s.sendToClient(c, data)
	}
}

func (s *Server) sendToClient(c *client, data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return
	}
	if c.buffered.Load()+int64(len(data)) > MaxOutboundBuffer {
		s.dropped.Add(1)
		return
	}
	select {
	case c.sendQ <- data:
		c.buffered.Add(int64(len(data)))
	default:
		s.dropped.Add(1)
	}
}

func encodeEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		conn:  conn,
		sendQ: make(chan []byte, 256),
	}

	// Loopback enforcement happens after the handshake so the peer gets a
	// formatted error frame before close; the connection is never promoted
	// and no command is ever dispatched.
	if !isLoopbackRemote(conn.RemoteAddr().String()) {
		s.logger.Warn("rejecting non-loopback bridge connection",
			"remote", conn.RemoteAddr().String())
		s.writeDirect(c, NewEvent("error", s.cfg.AccountID, "", ResponsePayload{
			OK: false,
			Error: &ProtocolError{
				Code:    ErrAuth,
				Message: "bridge connections must originate from loopback",
			},
		}))
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	pumpDone := make(chan struct{})
	go func() {
		s.writePump(c)
		close(pumpDone)
	}()
	s.readLoop(c)

	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Drain queued frames (e.g. the auth-error response) before closing.
	c.sendMu.Lock()
	c.closed.Store(true)
	close(c.sendQ)
	c.sendMu.Unlock()
	<-pumpDone
	conn.Close()
}

func (s *Server) writePump(c *client) {
	for data := range c.sendQ {
		c.buffered.Add(-int64(len(data)))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// writeDirect writes one frame synchronously, bypassing the pump (used
// before the pump starts).
func (s *Server) writeDirect(c *client, evt Event) {
	if data, err := encodeEvent(evt); err == nil {
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(MaxCommandBytes + 4096)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.handleFrame(c, data) {
			return
		}
	}
}

// handleFrame processes one command frame. Returns true when the
// connection must close (auth failure).
func (s *Server) handleFrame(c *client, data []byte) (closeConn bool) {
	env, cmd, perr := ParseCommand(data)
	requestID := ""
	if env != nil {
		requestID = env.RequestID
	}
	if perr != nil {
		s.respondErr(c, requestID, perr)
		return false
	}

	// Authentication: constant-time comparison of the shared secret.
	// Mismatches close the socket.
	if !compareTokens(env.Token, s.cfg.Token) {
		s.respondErr(c, requestID, &ProtocolError{
			Code:    ErrAuth,
			Message: "invalid bridge token",
		})
		return true
	}

	if c.inflight.Load() >= MaxInflight {
		s.respondErr(c, requestID, &ProtocolError{
			Code:      ErrQueueOverflow,
			Message:   fmt.Sprintf("more than %d commands in flight", MaxInflight),
			Retryable: true,
		})
		return false
	}

	c.inflight.Add(1)
	s.inflight.Add(1)
	go func() {
		defer func() {
			c.inflight.Add(-1)
			s.inflight.Add(-1)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		result, herr := s.handler.HandleCommand(ctx, cmd)
		if herr != nil {
			s.respondErr(c, requestID, herr)
			return
		}
		s.respond(c, requestID, ResponsePayload{OK: true, Result: result})
	}()
	return false
}

func (s *Server) respondErr(c *client, requestID string, perr *ProtocolError) {
	s.respond(c, requestID, ResponsePayload{
		OK:    false,
		Error: SanitizeError(perr, s.cfg.Token),
	})
}

func (s *Server) respond(c *client, requestID string, payload ResponsePayload) {
	data, err := encodeEvent(NewEvent("response", s.cfg.AccountID, requestID, payload))
	if err != nil {
		return
	}
	s.sendToClient(c, data)
}

// QueueStats reports connection/queue counters for health.
func (s *Server) QueueStats() QueueHealth {
	s.clientsMu.Lock()
	clients := len(s.clients)
	s.clientsMu.Unlock()
	return QueueHealth{
		Clients:  clients,
		Inflight: int(s.inflight.Load()),
		Dropped:  s.dropped.Load(),
	}
}

// compareTokens performs timing-safe comparison by hashing both inputs with
// SHA-256 before calling ConstantTimeCompare to prevent length-based
// leakage.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
