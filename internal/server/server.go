package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/pictura/internal/config"
)

const defaultShutdownTimeout = 5 * time.Second

// Options configure the HTTP lifecycle.
type Options struct {
	Listen config.ListenConfig
	// ShutdownTimeout bounds how long in-flight requests may finish.
	ShutdownTimeout time.Duration
	// BeforeShutdown runs once the listener stops accepting, before waiting
	// for in-flight requests. The dispatcher uses it to answer queued tasks.
	BeforeShutdown func()
}

// Server owns the HTTP lifecycle and orchestrates graceful shutdown.
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
	once       sync.Once

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// New binds handler to the configured listen address.
func New(opts Options, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	addr := net.JoinHostPort(opts.Listen.Address, strconv.Itoa(opts.Listen.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		opts:       opts,
		logger:     logger.With(slog.String("agent", "lifecycle")),
		httpServer: httpSrv,
		ready:      make(chan struct{}),
	}, nil
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() string {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
}

// shutdown runs at most once even when cancellations cascade.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down", slog.Duration("timeout", s.opts.ShutdownTimeout))
		s.httpServer.SetKeepAlivesEnabled(false)
		if s.opts.BeforeShutdown != nil {
			s.opts.BeforeShutdown()
		}
		shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}
