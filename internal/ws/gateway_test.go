package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/querydesk/internal/auth"
	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/fanout"
)

func newServer(t *testing.T, ring *auth.Keyring) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	mux := http.NewServeMux()
	mux.Handle("/ws/users/", hub.Handler())
	srv := httptest.NewServer(auth.Middleware(ring, "")(mux))
	t.Cleanup(srv.Close)
	return hub, srv
}

// dialWS connects as user with role over the trusted localhost path and
// waits until the hub has registered the connection.
func dialWS(t *testing.T, hub *Hub, srv *httptest.Server, user string, role core.Role) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/users/" + user
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	before := hub.Count(UserRoom(user))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			auth.HeaderUserID:   []string{user},
			auth.HeaderUserRole: []string{string(role)},
		},
	})
	if err != nil {
		t.Fatalf("ws dial %s: %v", user, err)
	}
	waitFor(t, func() bool { return hub.Count(UserRoom(user)) > before })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) fanout.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var env fanout.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var noop map[string]any
	if err := wsjson.Read(ctx, conn, &noop); err == nil {
		t.Fatalf("unexpected frame %v", noop)
	}
}

func envelope(id, typ string) fanout.Envelope {
	return fanout.Envelope{ID: id, Type: typ, Channel: fanout.ChannelTargeted, Data: json.RawMessage(`{}`)}
}

func TestWSAuthRejection(t *testing.T) {
	ring := auth.NewKeyring(true, map[string]core.Identity{
		"secret-a": {UserID: "agent-a", Role: core.RoleAgent},
	})
	hub, srv := newServer(t, ring)
	router := srv.Config.Handler

	t.Run("remote IP without bearer rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws/users/agent-a", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.10")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("bearer for another user rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/users/agent-b", nil)
		req.RemoteAddr = "203.0.113.10:9999"
		req.Header.Set("Authorization", "Bearer secret-a")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for user mismatch, got %d", rr.Code)
		}
	})

	t.Run("localhost without identity rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/users/agent-a", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("valid bearer accepted", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/users/agent-a"
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer secret-a"}},
		})
		if err != nil {
			t.Fatalf("ws dial failed (valid auth): %v", err)
		}
		waitFor(t, func() bool { return hub.Count(RoleRoom(core.RoleAgent)) == 1 })
		conn.Close(websocket.StatusNormalClosure, "")
	})
}

func TestSendToUserTargetsOnlyThatUser(t *testing.T) {
	hub, srv := newServer(t, nil)
	connA := dialWS(t, hub, srv, "agent-a", core.RoleAgent)
	defer connA.Close(websocket.StatusNormalClosure, "")
	connB := dialWS(t, hub, srv, "agent-b", core.RoleAgent)
	defer connB.Close(websocket.StatusNormalClosure, "")

	if err := hub.SendToUser(context.Background(), "agent-b", envelope("n1", core.EventTransferRequest)); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := readEnvelope(t, connB, 2*time.Second)
	if env.ID != "n1" || env.Type != core.EventTransferRequest {
		t.Fatalf("unexpected envelope %+v", env)
	}
	expectSilence(t, connA)
}

func TestSendToRoleSkipsOtherRolesAndCustomers(t *testing.T) {
	hub, srv := newServer(t, nil)
	agent := dialWS(t, hub, srv, "agent-a", core.RoleAgent)
	defer agent.Close(websocket.StatusNormalClosure, "")
	lead := dialWS(t, hub, srv, "lead-1", core.RoleTeamLead)
	defer lead.Close(websocket.StatusNormalClosure, "")
	cust := dialWS(t, hub, srv, "cust-1", core.RoleCustomer)
	defer cust.Close(websocket.StatusNormalClosure, "")

	if hub.Count(RoleRoom(core.RoleCustomer)) != 0 {
		t.Fatalf("customers must not join a role room")
	}
	if err := hub.SendToRole(context.Background(), core.RoleTeamLead, envelope("n2", core.EventWorkStatusChanged)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env := readEnvelope(t, lead, 2*time.Second); env.ID != "n2" {
		t.Fatalf("lead got %+v", env)
	}
	expectSilence(t, agent)
	expectSilence(t, cust)
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	hub, srv := newServer(t, nil)
	tab1 := dialWS(t, hub, srv, "agent-a", core.RoleAgent)
	defer tab1.Close(websocket.StatusNormalClosure, "")
	tab2 := dialWS(t, hub, srv, "agent-a", core.RoleAgent)
	defer tab2.Close(websocket.StatusNormalClosure, "")

	if err := hub.SendToUser(context.Background(), "agent-a", envelope("n3", core.EventQueryAccepted)); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, c := range []*websocket.Conn{tab1, tab2} {
		if env := readEnvelope(t, c, 2*time.Second); env.ID != "n3" {
			t.Fatalf("got %+v", env)
		}
	}
}

func TestSubscriptionCleanup(t *testing.T) {
	hub, srv := newServer(t, nil)
	conn := dialWS(t, hub, srv, "agent-temp", core.RoleQA)
	conn.Close(websocket.StatusNormalClosure, "done")

	waitFor(t, func() bool {
		return hub.Count(UserRoom("agent-temp")) == 0 && hub.Count(RoleRoom(core.RoleQA)) == 0
	})
	if err := hub.SendToUser(context.Background(), "agent-temp", envelope("n4", core.EventQueryAccepted)); err != nil {
		t.Fatalf("sending to an empty room should not fail: %v", err)
	}
}

func TestConcurrentSends(t *testing.T) {
	hub, srv := newServer(t, nil)
	const subscribers = 10
	const messages = 5

	conns := make([]*websocket.Conn, subscribers)
	for i := range conns {
		conns[i] = dialWS(t, hub, srv, fmt.Sprintf("agent-%d", i), core.RoleAgent)
		defer conns[i].Close(websocket.StatusNormalClosure, "")
	}

	var sendWG sync.WaitGroup
	for j := 0; j < messages; j++ {
		sendWG.Add(1)
		go func(j int) {
			defer sendWG.Done()
			if err := hub.SendToRole(context.Background(), core.RoleAgent, envelope(fmt.Sprintf("b-%d", j), core.EventNewPendingQuery)); err != nil {
				t.Errorf("send %d: %v", j, err)
			}
		}(j)
	}
	sendWG.Wait()

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < messages; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				var env fanout.Envelope
				err := wsjson.Read(ctx, conns[idx], &env)
				cancel()
				if err != nil {
					t.Errorf("subscriber %d failed to read message %d: %v", idx, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
