// Package auth validates the bearer JWTs issued by the upstream identity
// provider. Registration, login, and password hashing are out of scope
// here — this service only ever consumes an already-issued token.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken covers expiry, bad signature, and malformed claims.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims identifies the caller behind a validated request.
type Claims struct {
	UserID string
	Email  string
}

type ctxKey int

const claimsKey ctxKey = 0

// Verifier validates bearer tokens signed with a shared HMAC secret,
// mirroring the shape of the teacher's validateToken/authMiddlewareCtx pair.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Validate parses and verifies a raw bearer token, returning the caller's
// claims.
func (v *Verifier) Validate(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrMissingToken
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	email, _ := claims["email"].(string)
	if userID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{UserID: userID, Email: email}, nil
}

// Middleware extracts and validates the Authorization header, storing the
// resulting Claims in the request context, matching the teacher's
// authMiddlewareCtx wrapper shape.
func (v *Verifier) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		claims, err := v.Validate(raw)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// FromContext retrieves the Claims stored by Middleware.
func FromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(Claims)
	return claims, ok
}
