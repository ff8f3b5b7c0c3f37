// Package auth resolves the signed-in user from configuration and carries
// the sign-in/sign-out notifications the engine reacts to.
package auth

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// EventType is an auth state transition.
type EventType string

const (
	SignedIn  EventType = "SIGNED_IN"
	SignedOut EventType = "SIGNED_OUT"
)

// Event is delivered to Engine.HandleAuth.
type Event struct {
	Type   EventType
	UserID string
}

// Session is a validated sign-in.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}

// Claims is the token payload. The user id travels in the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 session token for userID.
func IssueToken(userID string, ttl time.Duration, secret string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ParseSession validates an HS256 token and returns its session.
func ParseSession(tokenString, secret string) (Session, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Session{}, syncerr.Auth(errors.Wrap(err, "parse session token"))
	}
	if !token.Valid || claims.Subject == "" {
		return Session{}, syncerr.Auth(errors.New("session token has no subject"))
	}
	s := Session{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Resolve picks the user for cfg: an explicit user id first, then the
// subject of a session token.
func Resolve(cfg config.AuthConfig) (Session, error) {
	switch {
	case cfg.UserID != "":
		return Session{UserID: cfg.UserID}, nil
	case cfg.Token != "":
		return ParseSession(cfg.Token, cfg.JWTSecret)
	}
	return Session{}, syncerr.ErrNotSignedIn
}
