// Package auth implements the admin control plane's authentication: a
// static operator-key allow-list is the primary credential, and a short
// lived JWT session token is accepted as an alternate credential. No route
// in this module exchanges an operator key for a session token.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims identifies which admin actor a session token was issued
// to, for audit logging.
type SessionClaims struct {
	Actor string `json:"actor"`
	jwt.RegisteredClaims
}

// GenerateSessionToken issues a signed session token for actor, valid for
// the given duration.
func GenerateSessionToken(actor, secret string, ttl time.Duration) (string, error) {
	claims := &SessionClaims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateSessionToken parses and verifies a session token.
func ValidateSessionToken(tokenString, secret string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}
