package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// AdminOptions bounds the operator endpoints. Zero fields take the values of
// DefaultAdminOptions.
type AdminOptions struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func DefaultAdminOptions() AdminOptions {
	return AdminOptions{
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (o AdminOptions) withDefaults() AdminOptions {
	def := DefaultAdminOptions()
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = def.ShutdownTimeout
	}
	return o
}

// Admin serves the metrics endpoints next to the redirect listener. Unlike
// the redirect Server it is a regular concurrent http.Server.
type Admin struct {
	server          *http.Server
	shutdownTimeout time.Duration

	mutex    sync.Mutex
	listener net.Listener
}

// NewAdmin validates addr and prepares the admin server. Nothing is bound
// until Listen or Start.
func NewAdmin(addr string, handler http.Handler, opts AdminOptions) (*Admin, error) {
	if err := validateHost(addr); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	return &Admin{
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
		shutdownTimeout: opts.ShutdownTimeout,
	}, nil
}

// Listen binds the admin address. Calling it again is a no-op.
func (a *Admin) Listen() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}

	a.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *Admin) Addr() net.Addr {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (a *Admin) Start() error {
	if err := a.Listen(); err != nil {
		return err
	}

	a.mutex.Lock()
	ln := a.listener
	a.mutex.Unlock()

	err := a.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown drains in-flight requests for at most the configured shutdown
// timeout and releases the listener.
func (a *Admin) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.shutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)

	a.mutex.Lock()
	if a.listener != nil {
		a.listener.Close()
	}
	a.mutex.Unlock()

	return err
}
