package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/platform/endpoint"
	"seedkeeper/go-keystore/internal/platform/metrics"
	"seedkeeper/go-keystore/internal/platform/ratelimiter"
	"seedkeeper/go-keystore/internal/session"
	"seedkeeper/go-keystore/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var ErrServerClosed = errors.New("ipc server closed")

// Session is the lock state the server consults before privileged calls.
type Session interface {
	Unlock(ctx context.Context, passphrase []byte) error
	Lock()
	Touch() error
	Status() session.Status
}

// Keys is the keystore surface exposed over IPC.
type Keys interface {
	NewSeed(ctx context.Context, tag string, path []uint32, exportable bool) (keystore.SeedEntry, error)
	SignByPubKey(ctx context.Context, pub []byte, hint []uint32, message []byte) ([]byte, error)
	VerifyDetached(pub, sig, message []byte) (bool, error)
	ListSeeds() []keystore.SeedEntry
	GetEntry(tag string) (keystore.SeedEntry, error)
	ExportSeed(ctx context.Context, pub, exportPassphrase []byte) ([]byte, error)
	Count() int
}

type Config struct {
	// ReadTimeout bounds the wait for the next frame on an idle connection.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxFrameBytes  int
	MaxConnections int
	RateLimitRPS   float64
	RateLimitBurst int
	Version        string
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxFrameBytes:  DefaultMaxFrameBytes,
		MaxConnections: 64,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		Version:        "dev",
	}
}

type Option func(*Server)

func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server serves newline-delimited JSON-RPC 2.0 on a stream socket. Each
// connection gets its own goroutine and handles one frame at a time.
type Server struct {
	cfg         Config
	session     Session
	keys        Keys
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	limiter     *ratelimiter.MapLimiter
	conns       *connLimiter
	idempotency *idempotencyCache
	inflight    singleflight.Group

	mu       sync.Mutex
	listener net.Listener
	active   map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// connState is owned by the connection goroutine.
type connState struct {
	id            string
	conn          net.Conn
	reader        *bufio.Reader
	authenticated bool
}

func NewServer(sess Session, keys Keys, opts ...Option) (*Server, error) {
	if sess == nil || keys == nil {
		return nil, errors.New("ipc server requires a session and a keystore")
	}
	s := &Server{
		cfg:         DefaultConfig(),
		session:     sess,
		keys:        keys,
		now:         time.Now,
		idempotency: newIdempotencyCache(),
		active:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cfg.MaxFrameBytes <= 0 {
		s.cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	s.limiter = newRequestLimiter(s.cfg)
	s.conns = newConnLimiter(s.cfg.MaxConnections)
	return s, nil
}

// ListenAndServe listens on e and serves until ctx is done or Close is
// called. A Unix socket file is removed on return.
func (s *Server) ListenAndServe(ctx context.Context, e endpoint.Endpoint) error {
	ln, err := endpoint.Listen(e)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", e, err)
	}
	if e.IsUnix() {
		defer func() {
			if err := os.Remove(e.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("remove socket failed", "component", "ipc", "path", e.Address, "error", err)
			}
		}()
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called. It
// waits for connection goroutines before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	s.logger.Info("ipc server listening", "component", "ipc", "addr", ln.Addr().String())
	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			serveErr = err
			break
		}
		release, ok := s.conns.acquire()
		if !ok {
			s.rejectConn(conn)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer release()
			s.serveConn(ctx, conn)
		}()
	}
	_ = s.Close()
	s.wg.Wait()
	s.logger.Info("ipc server stopped", "component", "ipc")
	return serveErr
}

func (s *Server) rejectConn(conn net.Conn) {
	s.metrics.ConnectionRejected()
	s.logger.Warn("connection rejected", "component", "ipc", "reason", "max_connections")
	_ = writeRPC(conn, s.cfg.WriteTimeout, rpcResponse{
		JSONRPC: "2.0",
		Error:   kindError(models.KindRateLimited, "too many connections"),
	})
	_ = conn.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	c := &connState{
		id:     uuid.NewString(),
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64<<10),
	}
	s.metrics.ConnectionOpened()
	s.logger.Debug("connection opened", "component", "ipc", "conn_id", c.id)
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
		s.limiter.Forget(c.id)
		s.metrics.ConnectionClosed()
		s.logger.Debug("connection closed", "component", "ipc", "conn_id", c.id)
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		frame, err := readFrame(c.reader, s.cfg.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				s.logger.Warn("frame too large", "component", "ipc", "conn_id", c.id, "limit", s.cfg.MaxFrameBytes)
				_ = writeRPC(conn, s.cfg.WriteTimeout, rpcResponse{
					JSONRPC: "2.0",
					Error:   protocolError(models.CodeParseError, "frame exceeds size limit"),
				})
				return
			}
			if !isClosedConn(err) {
				s.logger.Debug("connection read ended", "component", "ipc", "conn_id", c.id, "error", err)
			}
			return
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		resp, reply := s.handleFrame(ctx, c, frame)
		if !reply {
			continue
		}
		if err := writeRPC(conn, s.cfg.WriteTimeout, resp); err != nil {
			s.logger.Warn("rpc response write failed", "component", "ipc", "conn_id", c.id, "error", err)
			return
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, conn)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and closes open connections. A request already
// dispatched finishes against the keystore; only its response is lost.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.active {
		_ = conn.Close()
	}
	return err
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded)
}
