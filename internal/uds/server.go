package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc serves one command. params is the raw JSON the client sent,
// nil when it sent none.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches control commands to registered handlers.
type Server struct {
	path        string
	connTimeout time.Duration
	logger      *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewServer(path string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		path:        path,
		connTimeout: 30 * time.Second,
		logger:      logger.Named("control"),
		handlers:    make(map[string]HandlerFunc),
	}
}

func (s *Server) SocketPath() string { return s.path }

// SetConnTimeout bounds how long one connection, handler included, may take.
func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = h
	s.mu.Unlock()
}

// Serve accepts connections until ctx is done. On return every in-flight
// connection has finished and the socket file is gone.
func (s *Server) Serve(ctx context.Context) error {
	// a crashed daemon leaves its socket behind
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	defer os.Remove(s.path)
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.logger.Infof("control_listening path=%s", s.path)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnf("control_accept_failed error=%v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("control_handler_panic panic=%v\n%s", r, debug.Stack())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.connTimeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debugf("control_read_failed error=%v", err)
		return
	}
	resp := s.dispatch(ctx, &req)
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debugf("control_write_failed command=%s error=%v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.Version != ProtocolVersion {
		return reply(nil, Errorf(CodeProtocolMismatch, "client speaks v%d, daemon speaks v%d", req.Version, ProtocolVersion))
	}
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return reply(nil, Errorf(CodeUnknownCommand, "unknown command %q", req.Command))
	}
	return reply(h(ctx, req.Params))
}
