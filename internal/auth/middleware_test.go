package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/querydesk/internal/core"
)

func infoEcho(t *testing.T, got *Info) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := FromContext(r.Context())
		require.True(t, ok, "missing auth info")
		*got = info
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) int {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestLocalhostBypassReadsHeaders(t *testing.T) {
	var got Info
	h := Middleware(NewKeyring(true, nil), "")(infoEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set(HeaderUserID, "agent-a")
	req.Header.Set(HeaderUserRole, "agent")
	require.Equal(t, http.StatusOK, serve(h, req))
	assert.Equal(t, ModeLocalhost, got.Mode)
	assert.Equal(t, "agent-a", got.UserID)
	assert.Equal(t, core.RoleAgent, got.Role)

	req.Header.Set(HeaderUserRole, "wizard")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req), "unknown role")
}

func TestNonLocalhostRequiresBearer(t *testing.T) {
	ring := NewKeyring(true, map[string]core.Identity{
		"secret": {UserID: "lead-1", Role: core.RoleTeamLead},
	})
	var got Info
	h := Middleware(ring, "")(infoEcho(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	assert.Equal(t, http.StatusUnauthorized, serve(h, req), "no bearer")

	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req), "wrong bearer")

	req.Header.Set("Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, serve(h, req))
	assert.Equal(t, ModeAPIKey, got.Mode)
	assert.Equal(t, "lead-1", got.UserID)
	assert.Equal(t, core.RoleTeamLead, got.Role)
}

func TestLocalhostBypassDisabled(t *testing.T) {
	h := Middleware(NewKeyring(false, nil), "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Fail(t, "handler should not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	assert.Equal(t, http.StatusUnauthorized, serve(h, req))
}

func TestJWTBearer(t *testing.T) {
	const secret = "s3cret"
	now := time.Now()
	token, err := IssueToken(secret, core.Identity{UserID: "cust-9", Role: core.RoleCustomer, Name: "Nia"}, time.Hour, now)
	require.NoError(t, err)

	var got Info
	h := Middleware(nil, secret)(infoEcho(t, &got))
	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	req.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, serve(h, req))
	assert.Equal(t, ModeJWT, got.Mode)
	assert.Equal(t, core.Identity{UserID: "cust-9", Role: core.RoleCustomer, Name: "Nia"}, got.Identity())

	expired, err := IssueToken(secret, core.Identity{UserID: "cust-9", Role: core.RoleCustomer}, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, serve(h, req), "expired token")

	other, err := IssueToken("other", core.Identity{UserID: "x", Role: core.RoleAgent}, time.Hour, now)
	require.NoError(t, err)
	_, err = ParseToken(other, secret)
	assert.Error(t, err, "signature mismatch")
}
