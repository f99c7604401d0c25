package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/mistakeknot/querydesk/internal/core"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
	ModeJWT       Mode = "jwt"
)

// Headers carrying the caller's identity on trusted localhost requests.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderUserName = "X-User-Name"
)

type Info struct {
	Mode      Mode
	UserID    string
	Role      core.Role
	Name      string
	Localhost bool
}

func (i Info) Identity() core.Identity {
	return core.Identity{UserID: i.UserID, Role: i.Role, Name: i.Name}
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// WithInfo attaches info to ctx.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// Middleware authenticates requests. A bearer token is tried as a session
// JWT when jwtSecret is set and it has JWT shape, otherwise as an API key.
// Without a bearer, localhost requests are trusted when the keyring allows
// it and take their identity from the X-User-* headers.
func Middleware(ring *Keyring, jwtSecret string) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
				info, ok := authorize(header, ring, jwtSecret)
				if !ok {
					writeUnauthorized(w, "invalid credentials")
					return
				}
				info.Localhost = isLocalRequest(r)
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), info)))
				return
			}
			if ring.AllowLocalhost() && isLocalRequest(r) {
				info := Info{
					Mode:      ModeLocalhost,
					UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
					Role:      core.Role(strings.TrimSpace(r.Header.Get(HeaderUserRole))),
					Name:      strings.TrimSpace(r.Header.Get(HeaderUserName)),
					Localhost: true,
				}
				if info.Role != "" && !info.Role.Valid() {
					writeUnauthorized(w, "unknown role")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), info)))
				return
			}
			writeUnauthorized(w, "authentication required")
		})
	}
}

func authorize(header string, ring *Keyring, jwtSecret string) (Info, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return Info{}, false
	}
	token := parts[1]
	if jwtSecret != "" && looksLikeJWT(token) {
		id, err := ParseToken(token, jwtSecret)
		if err != nil {
			return Info{}, false
		}
		return Info{Mode: ModeJWT, UserID: id.UserID, Role: id.Role, Name: id.Name}, true
	}
	id, ok := ring.IdentityForKey(token)
	if !ok {
		return Info{}, false
	}
	return Info{Mode: ModeAPIKey, UserID: id.UserID, Role: id.Role, Name: id.Name}, true
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "unauthorized", "message": msg},
	})
}

func isLocalRequest(r *http.Request) bool {
	if ip := forwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.IsLoopback()
		}
		if strings.EqualFold(ip, "localhost") {
			return true
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	// Unix socket connections have an empty or "@" remote address.
	if host == "" || host == "@" || strings.EqualFold(host, "localhost") {
		return true
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}

func forwardedFor(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ",")
	return strings.TrimSpace(parts[0])
}
