// Package server provides HTTP server lifecycle management.
// Includes graceful shutdown handling for production deployments.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShutdownFunc is a function that shuts down a component gracefully.
type ShutdownFunc func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

type listener struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

// Server runs one primary HTTP listener plus optional side listeners
// (e.g. Prometheus) and shuts them all down together.
type Server struct {
	listeners       []*listener
	shutdownTimeout time.Duration
	logger          *slog.Logger
	shutdownFuncs   []ShutdownFunc
	mu              sync.Mutex
	ready           chan struct{}
}

// New creates a new Server serving handler on opts.Port.
func New(handler http.Handler, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger,
		ready:           make(chan struct{}),
	}
	s.listeners = append(s.listeners, &listener{
		name: "http",
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           handler,
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: opts.ReadTimeout,
			WriteTimeout:      opts.WriteTimeout,
		},
	})
	return s
}

// AddListener serves handler on an additional port. It must be called
// before Run.
func (s *Server) AddListener(name string, port int, handler http.Handler) {
	s.listeners = append(s.listeners, &listener{
		name: name,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	})
}

// OnShutdown registers a function to be called during graceful shutdown.
// Shutdown functions are called in reverse order (LIFO) after the HTTP
// listeners stop.
func (s *Server) OnShutdown(name string, fn ShutdownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownFuncs = append(s.shutdownFuncs, func(ctx context.Context) error {
		s.logger.Info("shutting down component", "name", name)
		if err := fn(ctx); err != nil {
			s.logger.Error("component shutdown error", "name", name, "error", err)
			return err
		}
		s.logger.Info("component stopped", "name", name)
		return nil
	})
}

// Run binds every listener, serves until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down gracefully. A listener that fails to bind or
// dies stops the others.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, l := range s.listeners {
		ln, err := net.Listen("tcp", l.srv.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s on %s: %w", l.name, l.srv.Addr, err)
		}
		l.ln = ln
	}
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		l := l
		g.Go(func() error {
			s.logger.Info("server starting", "listener", l.name, "addr", l.ln.Addr().String())
			if err := l.srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server error: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("shutdown signal received")
		}
		return s.gracefulShutdown()
	})

	return g.Wait()
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		if l.ln != nil {
			_ = l.ln.Close()
		}
	}
}

// gracefulShutdown attempts to gracefully shut down the listeners and all
// registered components.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	// Phase 1: Stop accepting new connections
	s.logger.Info("phase 1: stopping HTTP listeners", "timeout", s.shutdownTimeout)
	for _, l := range s.listeners {
		l.srv.SetKeepAlivesEnabled(false)
		if err := l.srv.Shutdown(ctx); err != nil {
			// Continue with other shutdowns even if one listener fails
			s.logger.Error("HTTP server shutdown error", "listener", l.name, "error", err)
		}
	}
	s.logger.Info("HTTP listeners stopped")

	// Phase 2: Shutdown registered components in reverse order
	s.mu.Lock()
	funcs := s.shutdownFuncs
	s.mu.Unlock()
	s.logger.Info("phase 2: stopping registered components", "count", len(funcs))

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		s.logger.Error("shutdown completed with errors", "error_count", len(errs))
		return errors.Join(errs...)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address of the named listener after Ready,
// otherwise the configured one.
func (s *Server) Addr(name string) string {
	for _, l := range s.listeners {
		if l.name != name {
			continue
		}
		select {
		case <-s.ready:
			return l.ln.Addr().String()
		default:
			return l.srv.Addr
		}
	}
	return ""
}
