package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/querydesk/internal/auth"
	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/fanout"
)

const writeTimeout = 5 * time.Second

var (
	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querydesk_ws_connections",
		Help: "Open websocket connections",
	})
	writeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querydesk_ws_write_failures_total",
		Help: "Websocket writes that failed and dropped the connection",
	})
)

var _ fanout.Transport = (*Hub)(nil)

// Hub tracks live connections in rooms. Every connection joins its user
// room; staff connections also join their role room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*websocket.Conn]struct{}),
		logger: logger.With("component", "ws"),
	}
}

func UserRoom(userID string) string { return "user:" + userID }
func RoleRoom(role core.Role) string { return "role:" + string(role) }

// Handler serves /ws/users/{id}. The caller must be authenticated as {id}.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/users/"), "/")
		if userID == "" || strings.Contains(userID, "/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		info, ok := auth.FromContext(r.Context())
		if !ok || info.UserID == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if info.UserID != userID {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		rooms := []string{UserRoom(userID)}
		if info.Role.IsStaff() {
			rooms = append(rooms, RoleRoom(info.Role))
		}
		h.join(conn, rooms)
		defer h.leave(conn, rooms)
		h.logger.Debug("connected", "user", userID, "role", info.Role)

		// Inbound frames are ignored; reading keeps close and ping handling alive.
		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

func (h *Hub) SendToUser(ctx context.Context, userID string, env fanout.Envelope) error {
	return h.send(ctx, UserRoom(userID), env)
}

func (h *Hub) SendToRole(ctx context.Context, role core.Role, env fanout.Envelope) error {
	return h.send(ctx, RoleRoom(role), env)
}

// send writes env to every connection in room. An empty room is not an
// error; subscribers that are offline catch up by polling.
func (h *Hub) send(ctx context.Context, room string, env fanout.Envelope) error {
	conns := h.snapshot(room)
	var errs []error
	for _, conn := range conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, env)
		cancel()
		if err != nil {
			writeFailures.Inc()
			errs = append(errs, fmt.Errorf("%s: %w", room, err))
			go h.drop(conn)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of connections in room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) snapshot(room string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.rooms[room]))
	for conn := range h.rooms[room] {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) join(conn *websocket.Conn, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*websocket.Conn]struct{})
			h.rooms[room] = members
		}
		members[conn] = struct{}{}
	}
	connections.Inc()
}

func (h *Hub) leave(conn *websocket.Conn, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := false
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			continue
		}
		if _, ok := members[conn]; ok {
			removed = true
			delete(members, conn)
		}
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if removed {
		connections.Dec()
	}
}

// drop closes a connection after a failed write and removes it from every
// room. The handler's deferred leave is then a no-op.
func (h *Hub) drop(conn *websocket.Conn) {
	conn.Close(websocket.StatusGoingAway, "write error")
	h.mu.Lock()
	var rooms []string
	for room, members := range h.rooms {
		if _, ok := members[conn]; ok {
			rooms = append(rooms, room)
		}
	}
	h.mu.Unlock()
	h.leave(conn, rooms)
}
