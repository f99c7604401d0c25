package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mistakeknot/querydesk/internal/core"
)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// ParseToken validates an HS256 session token and returns the identity it
// carries. The subject is the user id.
func ParseToken(token, secret string) (core.Identity, error) {
	if strings.TrimSpace(secret) == "" {
		return core.Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return core.Identity{}, err
	}
	if !parsed.Valid {
		return core.Identity{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return core.Identity{}, errors.New("subject claim required")
	}
	role := core.Role(c.Role)
	if !role.Valid() {
		return core.Identity{}, fmt.Errorf("unknown role %q", c.Role)
	}
	return core.Identity{UserID: c.Subject, Role: role, Name: c.Name}, nil
}

// IssueToken signs a session token for id valid for ttl.
func IssueToken(secret string, id core.Identity, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(id.Role),
		Name: id.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
