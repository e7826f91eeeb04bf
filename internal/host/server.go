package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/i-melnichenko/secure-storage/internal/resp"
)

// DefaultMaxClients bounds concurrent connections when none is configured.
const DefaultMaxClients = 1000

// Server accepts RESP connections and feeds them to a Dispatcher.
type Server struct {
	dispatcher *Dispatcher
	slots      chan struct{}
	logger     Logger
	metrics    Metrics

	mu      sync.Mutex
	lis     net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates a server admitting at most maxClients connections.
func NewServer(d *Dispatcher, maxClients int, logger Logger, metrics Metrics) *Server {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Server{
		dispatcher: d,
		slots:      make(chan struct{}, maxClients),
		logger:     logger,
		metrics:    metrics,
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("host: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is canceled, then closes every
// open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	s.logger.Info("resp server listening", "addr", lis.Addr().String())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-stop:
		}
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.metrics.IncRejectedConnections()
			s.logger.Warn("connection rejected: max clients reached", "remote", conn.RemoteAddr().String())
			_, _ = io.WriteString(conn, "-ERR max number of clients reached\r\n")
			_ = conn.Close()
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.lis != nil {
		_ = s.lis.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		if s.closing {
			_ = conn.Close()
		}
	} else {
		delete(s.conns, conn)
		_ = conn.Close()
	}
	s.metrics.SetConnectedClients(len(s.conns))
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.logger.Debug("client connected", "remote", remote)
	defer s.logger.Debug("client disconnected", "remote", remote)

	r := resp.NewReader(conn)
	w := resp.NewWriter(conn)
	for {
		args, err := r.ReadCommand()
		if err != nil {
			if errors.Is(err, resp.ErrProtocol) {
				s.logger.Warn("protocol error", "remote", remote, "error", err)
				_ = w.WriteValue(resp.Errorf("Protocol error: %s", protocolDetail(err)))
				_ = w.Flush()
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", "remote", remote, "error", err)
			}
			return
		}
		if len(args) == 0 {
			continue
		}

		reply, closeConn := s.dispatcher.Dispatch(ctx, args)
		if err := w.WriteValue(reply); err != nil {
			s.logger.Debug("write failed", "remote", remote, "error", err)
			return
		}
		if closeConn || r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				s.logger.Debug("flush failed", "remote", remote, "error", err)
				return
			}
		}
		if closeConn {
			return
		}
	}
}

// protocolDetail strips the package prefix from a protocol error.
func protocolDetail(err error) string {
	return strings.TrimPrefix(err.Error(), resp.ErrProtocol.Error()+": ")
}
