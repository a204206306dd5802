// Package auth provides a JWT-backed token gateway for the broker.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/feltwire/feltwire"
)

// Claims is the token payload issued for broker sessions. The registered
// subject carries the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTGateway returns an AuthFunc that validates HMAC-signed tokens.
// The token subject becomes the user id; the username claim becomes the
// display name, falling back to the subject when absent.
func NewJWTGateway(secret []byte) feltwire.AuthFunc {
	return func(ctx context.Context, tokenString string) feltwire.AuthResult {
		if tokenString == "" {
			return feltwire.AuthResult{Error: feltwire.ErrMissingToken}
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return feltwire.AuthResult{Error: feltwire.ErrInvalidToken}
		}

		claims, ok := token.Claims.(*Claims)
		if !ok || claims.Subject == "" {
			return feltwire.AuthResult{Error: feltwire.ErrInvalidToken}
		}

		username := claims.Username
		if username == "" {
			username = claims.Subject
		}
		return feltwire.AuthResult{
			UserID:   claims.Subject,
			Username: username,
			Success:  true,
		}
	}
}

// Sign issues an HMAC-signed session token. Used by tooling and tests.
func Sign(secret []byte, userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
