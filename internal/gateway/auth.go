// Package gateway - auth.go resolves the caller's user id.
//
// With server.jwt_secret set, callers present an HS256 token whose subject is
// the user id, either as "Authorization: Bearer <token>" or, for websocket
// clients that cannot set headers, as the access_token query parameter.
// Without a secret the gateway trusts the user id sent by the transport.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired is returned when the bearer token has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the bearer token is missing or invalid.
	ErrInvalidToken = errors.New("invalid token")

	errMissingUser = errors.New("user_id is required")
)

// IssueToken signs an HS256 token for userID valid for ttl.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates tokenString and returns its subject.
func ParseToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// callerID returns the authenticated user id, or the claimed one (body field,
// then X-User-ID header) when no secret is configured.
func (g *Gateway) callerID(r *http.Request, claimed string) (string, error) {
	if len(g.jwtSecret) == 0 {
		if claimed != "" {
			return claimed, nil
		}
		if id := r.Header.Get(HeaderUserID); id != "" {
			return id, nil
		}
		return "", errMissingUser
	}

	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if raw == "" {
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return "", ErrInvalidToken
	}
	return ParseToken(g.jwtSecret, raw)
}
