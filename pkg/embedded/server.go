// Package embedded wires a complete querydesk server for in-process use:
// the serve command, tests, and applications that host the queue
// themselves.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/querydesk/internal/auth"
	"github.com/mistakeknot/querydesk/internal/claim"
	"github.com/mistakeknot/querydesk/internal/fanout"
	httpapi "github.com/mistakeknot/querydesk/internal/http"
	"github.com/mistakeknot/querydesk/internal/server"
	"github.com/mistakeknot/querydesk/internal/staff"
	"github.com/mistakeknot/querydesk/internal/storage"
	"github.com/mistakeknot/querydesk/internal/storage/sqlite"
	"github.com/mistakeknot/querydesk/internal/transfer"
	"github.com/mistakeknot/querydesk/internal/ws"
	"github.com/mistakeknot/querydesk/pkg/clock"
)

// Config configures the embedded server.
type Config struct {
	// Addr is the TCP listen address. Port 0 picks a free port.
	// If empty, defaults to 127.0.0.1:7338.
	Addr string

	// SocketPath optionally serves the same API on a unix socket.
	SocketPath string

	// DBPath is the SQLite database file. If empty, state is kept in
	// memory and lost on Stop.
	DBPath string

	// KeysFile is the API key file. If empty, only localhost callers
	// are accepted. WatchKeys reloads it when it changes.
	KeysFile  string
	WatchKeys bool

	// JWTSecret enables HS256 session tokens.
	JWTSecret string

	// NATSURL routes notifications through NATS so several instances
	// share one audience.
	NATSURL string

	TransferTTL   time.Duration
	PendingTTL    time.Duration
	SweepInterval time.Duration
	FanoutBuffer  int

	Logger *slog.Logger
	Clock  clock.Clock
}

// Server is an embedded querydesk server.
type Server struct {
	cfg    Config
	logger *slog.Logger

	store   storage.Store
	keyring *auth.Keyring
	hub     *ws.Hub
	fanout  *fanout.Fanout
	nc      *nats.Conn
	relay   *fanout.Relay
	sweeper *transfer.Sweeper
	http    *server.Server

	claims    *claim.Arbiter
	transfers *transfer.Coordinator
	staff     *staff.Directory

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	errc    chan error
}

// New builds the server and binds its listeners. Nothing runs until Run
// or Start.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7338"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	store, err := openStore(cfg.DBPath, cfg.Logger, cfg.Clock)
	if err != nil {
		return nil, err
	}
	s.store = store

	keyring, err := auth.LoadKeyring(cfg.KeysFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	s.keyring = keyring

	s.hub = ws.NewHub(cfg.Logger)
	var transport fanout.Transport = s.hub
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("querydesk"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		s.nc = nc
		s.relay = fanout.NewRelay(s.hub, cfg.Logger)
		if err := s.relay.Start(nc); err != nil {
			nc.Close()
			store.Close()
			return nil, err
		}
		transport = fanout.NewNATSTransport(nc)
	}
	s.fanout = fanout.New(cfg.Logger, cfg.FanoutBuffer, transport)

	s.claims = claim.NewArbiter(store, s.fanout, claim.WithClock(cfg.Clock), claim.WithLogger(cfg.Logger))
	s.transfers = transfer.NewCoordinator(store, s.fanout, transfer.WithClock(cfg.Clock), transfer.WithLogger(cfg.Logger))
	s.staff = staff.NewDirectory(store, s.fanout, cfg.Clock, cfg.Logger)
	s.sweeper = transfer.NewSweeper(s.transfers, s.claims, transfer.SweeperConfig{
		Interval:    cfg.SweepInterval,
		TransferTTL: cfg.TransferTTL,
		PendingTTL:  cfg.PendingTTL,
	})

	svc := httpapi.NewService(s.claims, s.transfers, s.staff).WithLogger(cfg.Logger)
	if rs, ok := store.(*sqlite.ResilientStore); ok {
		svc.WithStoreState(rs.CircuitBreakerState)
	}
	router := httpapi.NewRouter(svc, s.hub.Handler(), auth.Middleware(keyring, cfg.JWTSecret))

	srv, err := server.New(server.Config{Addr: cfg.Addr, SocketPath: cfg.SocketPath, Handler: router, Logger: cfg.Logger})
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.http = srv
	return s, nil
}

func openStore(path string, logger *slog.Logger, c clock.Clock) (storage.Store, error) {
	if path == "" {
		return storage.NewInMemory(), nil
	}
	st, err := sqlite.New(path, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return sqlite.NewResilient(st, sqlite.WithBreakerClock(c), sqlite.WithBreakerLogger(logger)), nil
}

// Run serves until ctx is cancelled or a component fails, then stops
// every component and closes the store.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.fanout.Start(gctx)
	s.sweeper.Start(gctx)

	g.Go(func() error { return s.http.Run(gctx) })
	if s.cfg.WatchKeys && s.cfg.KeysFile != "" {
		g.Go(func() error { return auth.WatchKeyring(gctx, s.cfg.KeysFile, s.keyring, s.logger) })
	}
	s.logger.Info("querydesk listening", "addr", s.http.Addr(), "socket", s.cfg.SocketPath, "nats", s.nc != nil)

	err := g.Wait()
	s.sweeper.Stop()
	s.fanout.Stop()
	return errors.Join(err, s.closeBackends())
}

func (s *Server) closeBackends() error {
	var errs []error
	if s.relay != nil {
		errs = append(errs, s.relay.Stop())
	}
	if s.nc != nil {
		s.nc.Close()
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

// Start runs the server in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.errc = make(chan error, 1)
	go func() { s.errc <- s.Run(ctx) }()
	return nil
}

// Stop shuts down a server launched with Start and waits for it.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel, errc := s.cancel, s.errc
	s.mu.Unlock()
	cancel()
	return <-errc
}

// Addr returns the bound TCP address.
func (s *Server) Addr() string {
	return s.http.Addr()
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return "http://" + s.http.Addr()
}

// Store returns the underlying store for direct access if needed.
func (s *Server) Store() storage.Store {
	return s.store
}

// Sweep runs one timeout pass now instead of waiting for the interval.
func (s *Server) Sweep(ctx context.Context) {
	s.sweeper.RunOnce(ctx)
}

// Connections counts live websocket connections for userID.
func (s *Server) Connections(userID string) int {
	return s.hub.Count(ws.UserRoom(userID))
}
