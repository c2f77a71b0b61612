package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	v := NewVerifier("secret")
	raw := signToken(t, "secret", jwt.MapClaims{
		"user_id": "u1",
		"email":   "a@example.com",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	claims, err := v.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("secret")
	raw := signToken(t, "secret", jwt.MapClaims{
		"user_id": "u1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})
	_, err := v.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("secret")
	raw := signToken(t, "other-secret", jwt.MapClaims{"user_id": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	_, err := v.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	v := NewVerifier("secret")
	_, err := v.Validate("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddlewareStoresClaimsInContext(t *testing.T) {
	v := NewVerifier("secret")
	raw := signToken(t, "secret", jwt.MapClaims{"user_id": "u7", "exp": time.Now().Add(time.Hour).Unix()})

	var seen Claims
	handler := v.Middleware(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	handler(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "u7", seen.UserID)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	v := NewVerifier("secret")
	handler := v.Middleware(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
