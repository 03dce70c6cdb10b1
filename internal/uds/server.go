package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HandlerFunc serves one command. The result is sent as the response data.
// An *ErrorDetail error is sent with its code, any other error as
// INTERNAL_ERROR. ctx ends when the server stops or the connection deadline
// passes.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Observer is told the command, result code and duration of every request.
type Observer func(command, code string, elapsed time.Duration)

// Bind adapts a handler taking decoded parameters. Malformed parameters are
// answered with VALIDATION_ERROR.
func Bind[P any](fn func(ctx context.Context, params P) (any, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		var params P
		if err := req.DecodeParams(&params); err != nil {
			return nil, Errorf(ErrCodeValidation, "%v", err)
		}
		return fn(ctx, params)
	}
}

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	observe     Observer
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	log         zerolog.Logger
}

func NewServer(socketPath string, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		log:         logger.With().Str("component", "uds").Logger(),
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetObserver installs o. Call before Start.
func (s *Server) SetObserver(o Observer) {
	s.observe = o
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Start() error {
	// stale socket from a previous run
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("panic serving connection")
		}
	}()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Debug().Err(err).Msg("read request failed")
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()
	resp := s.processRequest(ctx, &req)

	if err := WriteFrame(conn, resp); err != nil {
		s.log.Debug().Err(err).Str("command", req.Command).Msg("write response failed")
	}
}

func (s *Server) processRequest(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp := s.dispatch(ctx, req)
	if s.observe != nil {
		code := CodeOK
		if resp.Error != nil {
			code = resp.Error.Code
		}
		s.observe(req.Command, code, time.Since(start))
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return s.respond(handler(ctx, req))
}

// respond maps a handler result onto the wire.
func (s *Server) respond(data any, err error) *Response {
	if err == nil {
		return SuccessResponse(data)
	}
	var detail *ErrorDetail
	switch {
	case errors.As(err, &detail):
		return ErrorResponse(detail.Code, detail.Message)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse(ErrCodeTimeout, err.Error())
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		return ErrorResponse(ErrCodeShuttingDown, "daemon is shutting down")
	default:
		return ErrorResponse(ErrCodeInternal, err.Error())
	}
}
