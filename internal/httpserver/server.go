package httpserver

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// ErrIdleTimeout is returned by Serve when no client connected within the
// idle timeout.
var ErrIdleTimeout = errors.New("listener idle timeout")

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

// ConnHandler serves one accepted connection and is responsible for closing
// it. It must return promptly once ctx is done.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(context.Context, net.Conn)

func (f ConnHandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server accepts TCP connections one at a time and hands each to its
// handler before accepting the next. The listening socket outlives any
// number of Serve calls.
type Server struct {
	addr        string
	handler     ConnHandler
	idleTimeout time.Duration

	mutex    sync.Mutex
	listener *net.TCPListener
	closed   bool
}

// New creates a server for addr. The address is validated but not bound
// until Listen. A zero idleTimeout waits for clients forever.
func New(addr string, handler ConnHandler, idleTimeout time.Duration) (*Server, error) {
	if err := validateHost(addr); err != nil {
		return nil, err
	}

	return &Server{
		addr:        addr,
		handler:     handler,
		idleTimeout: idleTimeout,
	}, nil
}

// Listen binds the listening socket. Calling it again is a no-op.
func (s *Server) Listen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrServerClosed
	}

	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = ln.(*net.TCPListener)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts and handles connections serially until ctx is done, the
// server is closed, or the listener sits idle past the idle timeout. The
// idle window restarts after every handled connection.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mutex.Lock()
	ln := s.listener
	s.mutex.Unlock()

	stop := context.AfterFunc(ctx, func() {
		// Wake a blocked Accept.
		ln.SetDeadline(time.Now())
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var deadline time.Time
		if s.idleTimeout > 0 {
			deadline = time.Now().Add(s.idleTimeout)
		}
		if err := ln.SetDeadline(deadline); err != nil {
			return s.acceptError(ctx, err)
		}
		// A cancellation racing the deadline reset above must not be lost.
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := ln.Accept()
		if err != nil {
			return s.acceptError(ctx, err)
		}

		s.handler.ServeConn(ctx, conn)
	}
}

func (s *Server) acceptError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	s.mutex.Lock()
	closed := s.closed
	s.mutex.Unlock()
	if closed {
		return ErrServerClosed
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrIdleTimeout
	}

	return err
}

// Close releases the listening socket.
func (s *Server) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func validateHost(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)

	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cant be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
