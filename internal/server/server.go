// Package server runs an http.Handler on a TCP address and, optionally, a
// unix socket for local tools.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Logger     *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	listeners []listener
}

type listener struct {
	name string
	ln   net.Listener
	srv  *http.Server
}

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	socketMode        = 0o660
)

// New binds every listener up front so port and socket conflicts surface
// before Run.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NotFoundHandler()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "server")}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s.add("tcp", ln, h)

	if cfg.SocketPath != "" {
		uln, err := listenUnix(cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, err
		}
		s.add("unix", uln, h)
	}
	return s, nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unix listen: %w", err)
	}
	if err := os.Chmod(path, socketMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) add(name string, ln net.Listener, h http.Handler) {
	s.listeners = append(s.listeners, listener{
		name: name,
		ln:   ln,
		srv:  &http.Server{Handler: h, ReadHeaderTimeout: readHeaderTimeout},
	})
}

// Run serves on every listener until ctx is cancelled or one of them
// fails, then shuts all of them down. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		g.Go(func() error {
			if err := l.srv.Serve(l.ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", l.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for _, l := range s.listeners {
		if err := l.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", l.name, err))
		}
	}
	if s.cfg.SocketPath != "" {
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove socket", "path", s.cfg.SocketPath, "error", err)
		}
	}
	return errors.Join(errs...)
}

// Addr returns the bound TCP address, useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	return s.listeners[0].ln.Addr().String()
}

func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
