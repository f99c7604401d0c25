package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/querydesk/internal/auth"
	"github.com/mistakeknot/querydesk/internal/claim"
	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/fanout"
	"github.com/mistakeknot/querydesk/internal/staff"
	"github.com/mistakeknot/querydesk/internal/storage/sqlite"
	"github.com/mistakeknot/querydesk/internal/transfer"
	"github.com/mistakeknot/querydesk/internal/ws"
)

// testEnv bundles the coordinators, a recorder for notifications and an
// httptest.Server. Requests go through the localhost bypass and carry
// their identity in X-User-* headers.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *sqlite.Store
	rec   *fanout.Recorder
}

var (
	custA  = core.Identity{UserID: "cust-a", Role: core.RoleCustomer, Name: "Avery"}
	custB  = core.Identity{UserID: "cust-b", Role: core.RoleCustomer}
	agentA = core.Identity{UserID: "agent-a", Role: core.RoleAgent, Name: "Ann"}
	agentB = core.Identity{UserID: "agent-b", Role: core.RoleAgent, Name: "Bo"}
	leadL  = core.Identity{UserID: "lead-l", Role: core.RoleTeamLead}
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	rec := &fanout.Recorder{}
	hub := ws.NewHub(nil)
	svc := NewService(
		claim.NewArbiter(st, rec),
		transfer.NewCoordinator(st, rec),
		staff.NewDirectory(st, rec, nil, nil),
	)
	srv := httptest.NewServer(NewRouter(svc, hub.Handler(), auth.Middleware(nil, "")))
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv, hub: hub, store: st, rec: rec}
	for _, id := range []core.Identity{agentA, agentB, leadL} {
		requireStatus(t, env.do(t, leadL, http.MethodPost, "/api/staff", map[string]any{
			"id": id.UserID, "name": id.Name, "role": id.Role,
		}), http.StatusOK)
	}
	rec.Reset()
	return env
}

func (e *testEnv) do(t *testing.T, who core.Identity, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who.UserID != "" {
		req.Header.Set(auth.HeaderUserID, who.UserID)
		req.Header.Set(auth.HeaderUserRole, string(who.Role))
		req.Header.Set(auth.HeaderUserName, who.Name)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) post(t *testing.T, who core.Identity, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, who, http.MethodPost, path, body)
}

func (e *testEnv) get(t *testing.T, who core.Identity, path string) *http.Response {
	t.Helper()
	return e.do(t, who, http.MethodGet, path, nil)
}

// submit opens a query as custA and returns it.
func (e *testEnv) submit(t *testing.T, subject string) core.Query {
	t.Helper()
	resp := e.post(t, custA, "/api/queries", map[string]any{"subject": subject, "category": "billing"})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[core.Query](t, resp)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// requireError checks status and envelope code.
func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", status, resp.StatusCode, body)
	}
	env := decodeJSON[errorEnvelope](t, resp)
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, env.Error.Code, env.Error.Message)
	}
}
