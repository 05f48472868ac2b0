package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleRider  = "rider"
	RoleDriver = "driver"
)

// Principal is the authenticated caller, pulled out of the signed token.
type Principal struct {
	ID   string
	Role string
}

type authClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// parseToken validates a bearer token and returns its principal. Tokens
// carry the subject id and a role claim; anything else is rejected.
func parseToken(secret []byte, raw string) (Principal, error) {
	claims := &authClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !tok.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("invalid token")
	}
	if claims.Role != RoleRider && claims.Role != RoleDriver {
		return Principal{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return Principal{ID: claims.Subject, Role: claims.Role}, nil
}

// tokenFromRequest accepts the Authorization header or, for websocket
// clients that cannot set headers, a token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
