package httpapi

import (
	"bytes"
	"encoding/json"
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
)

func TestAPIKeyIdentityEnforcement(t *testing.T) {
	st := sqlite.NewSQLiteTest(t)
	svc := NewService(
		claim.NewArbiter(st, fanout.Discard),
		transfer.NewCoordinator(st, fanout.Discard),
		staff.NewDirectory(st, fanout.Discard, nil, nil),
	)
	ring := auth.NewKeyring(true, map[string]core.Identity{
		"secret-agent": {UserID: "agent-a", Role: core.RoleAgent},
	})
	h := NewRouter(svc, nil, auth.Middleware(ring, ""))

	makeReq := func(method, path, bearer string, payload any) *httptest.ResponseRecorder {
		var body *bytes.Reader
		if payload != nil {
			buf, _ := json.Marshal(payload)
			body = bytes.NewReader(buf)
		} else {
			body = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, body)
		req.RemoteAddr = "203.0.113.10:9999"
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := makeReq(http.MethodGet, "/api/queries", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rr.Code)
	}
	if rr := makeReq(http.MethodGet, "/api/queries", "wrong", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown key, got %d", rr.Code)
	}
	if rr := makeReq(http.MethodGet, "/api/health", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected health to be public, got %d", rr.Code)
	}

	// Spoofed identity headers are ignored when a key is presented.
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	req.Header.Set("Authorization", "Bearer secret-agent")
	req.Header.Set(auth.HeaderUserID, "lead-l")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var me struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.ID != "agent-a" {
		t.Fatalf("expected key identity agent-a, got %s", me.ID)
	}

	if rr := makeReq(http.MethodPost, "/api/queries", "secret-agent", map[string]any{"subject": "from staff"}); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}
