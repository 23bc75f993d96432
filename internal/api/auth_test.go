package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func token(t *testing.T, secret string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t, Options{JWTSecret: "jwt-secret"})

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing token", nil, http.StatusUnauthorized},
		{"not bearer", http.Header{"Authorization": {"Basic abc"}}, http.StatusUnauthorized},
		{"valid token", http.Header{"Authorization": {"Bearer " + token(t, "jwt-secret", time.Hour)}}, http.StatusOK},
		{"expired token", http.Header{"Authorization": {"Bearer " + token(t, "jwt-secret", -time.Hour)}}, http.StatusUnauthorized},
		{"wrong key", http.Header{"Authorization": {"Bearer " + token(t, "other", time.Hour)}}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/workflows", nil, tt.header)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAuthenticateSkipsPublicRoutes(t *testing.T) {
	env := newTestEnv(t, Options{JWTSecret: "jwt-secret"})

	resp := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reaches the webhook handler, which rejects the unknown workflow.
	resp = env.do(t, http.MethodPost, "/api/hooks/unknown", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthenticateDisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp := env.do(t, http.MethodGet, "/api/workflows", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
