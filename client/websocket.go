package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// EventHandler is called for each decoded event, in arrival order.
type EventHandler func(Event)

// WSClient holds one user's realtime connection. It is built explicitly
// and owned by whoever calls Connect and Close; reconnects use capped
// exponential backoff and fire the OnReconnect hooks so the owner can
// resync.
type WSClient struct {
	api    *Client
	userID string
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	reconnect  bool

	mu          sync.RWMutex
	handlers    []EventHandler
	onReconnect []func()
	conn        *websocket.Conn
	cancel      context.CancelFunc
	done        chan struct{}
}

type WSOption func(*WSClient)

// WithAutoReconnect toggles reconnecting after the connection drops.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) { c.reconnect = enabled }
}

func WithBackoff(initial, limit time.Duration) WSOption {
	return func(c *WSClient) { c.minBackoff, c.maxBackoff = initial, limit }
}

func WithWSLogger(l *slog.Logger) WSOption {
	return func(c *WSClient) { c.logger = l }
}

// NewWSClient subscribes userID's private channel using api's base URL
// and credentials.
func NewWSClient(api *Client, userID string, opts ...WSOption) *WSClient {
	c := &WSClient{
		api:        api,
		userID:     userID,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		reconnect:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "ws-client", "user", userID)
	return c
}

// OnEvent registers an event handler.
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *WSClient) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Connect dials the server and starts reading. The connection lives until
// Close or until ctx is cancelled.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn, c.cancel, c.done = conn, cancel, done
	c.mu.Unlock()

	go c.run(runCtx, conn, done)
	return nil
}

// Connected reports whether a live connection is held right now.
func (c *WSClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close ends the connection and waits for the reader to stop.
func (c *WSClient) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			c.logger.Debug("close handshake", "error", err)
		}
	}
	cancel()
	<-done

	c.mu.Lock()
	c.conn, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	header := http.Header{}
	c.api.applyHeaders(header)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *WSClient) buildURL() (string, error) {
	u, err := url.Parse(c.api.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/users/" + url.PathEscape(c.userID)
	return u.String(), nil
}

func (c *WSClient) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.readLoop(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil || !c.reconnect {
			return
		}
		c.logger.Debug("connection lost", "error", err)

		conn = c.redial(ctx)
		if conn == nil {
			return
		}
		c.mu.Lock()
		c.conn = conn
		hooks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			c.logger.Warn("dropping event", "type", env.Type, "id", env.ID, "error", err)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *WSClient) dispatch(ev Event) {
	c.mu.RLock()
	handlers := append([]EventHandler(nil), c.handlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// redial retries with exponential backoff until it connects or ctx ends.
func (c *WSClient) redial(ctx context.Context) *websocket.Conn {
	backoff := c.minBackoff
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		conn, err := c.dial(ctx)
		if err == nil {
			c.logger.Info("reconnected")
			return conn
		}
		c.logger.Debug("reconnect failed", "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}
