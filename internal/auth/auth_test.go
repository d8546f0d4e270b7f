// ABOUTME: Tests for admin API tokens, HTTP middleware and worker secrets
// ABOUTME: Covers expiry, missing claims, role enforcement and bcrypt checks

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

var testSecret = []byte("test-secret-that-is-at-least-32-bytes")

func TestJWTRoundTrip(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	token, err := v.Generate("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestJWTRejects(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	t.Run("expired", func(t *testing.T) {
		token, err := v.Generate("ops", RoleAdmin, -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTVerifier([]byte("another-secret-that-is-32-bytes-long"))
		token, err := other.Generate("ops", RoleAdmin, time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing role", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "ops",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(testSecret)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := v.Generate("", RoleViewer, time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})

	t.Run("unknown role", func(t *testing.T) {
		token, err := v.Generate("ops", "root", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
			"sub":  "ops",
			"role": RoleAdmin,
		}).SignedString(testSecret)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestHTTPAuthMiddleware(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	admin, _ := v.Generate("ops", RoleAdmin, time.Hour)
	viewer, _ := v.Generate("dash", RoleViewer, time.Hour)

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := HTTPAuthMiddleware(v)(RequireAdminHTTP()(inner))

	tests := []struct {
		name    string
		method  string
		header  string
		want    int
		subject string
	}{
		{"no header", http.MethodGet, "", http.StatusUnauthorized, ""},
		{"bad scheme", http.MethodGet, "Basic abc", http.StatusUnauthorized, ""},
		{"garbage token", http.MethodGet, "Bearer nope", http.StatusUnauthorized, ""},
		{"viewer read", http.MethodGet, "Bearer " + viewer, http.StatusNoContent, "dash"},
		{"viewer write", http.MethodPost, "Bearer " + viewer, http.StatusForbidden, ""},
		{"admin write", http.MethodPost, "Bearer " + admin, http.StatusNoContent, "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(tt.method, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.subject, seen)
		})
	}
}

func TestHTTPAuthMiddlewareOpenMode(t *testing.T) {
	var seen string
	handler := HTTPAuthMiddleware(nil)(RequireAdminHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", seen)
}

func TestSharedSecretMatches(t *testing.T) {
	assert.True(t, SharedSecretMatches("", "anything"))
	assert.True(t, SharedSecretMatches("s3cret", "s3cret"))
	assert.False(t, SharedSecretMatches("s3cret", "S3cret"))
	assert.False(t, SharedSecretMatches("s3cret", ""))
}

func TestCredentials(t *testing.T) {
	hash, err := HashCredential("worker-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "worker-pass", hash)

	assert.NoError(t, CheckCredential(hash, "worker-pass"))
	assert.ErrorIs(t, CheckCredential(hash, "wrong"), ErrBadCredential)
	assert.ErrorIs(t, CheckCredential("not-a-hash", "worker-pass"), ErrBadCredential)

	_, err = HashCredential("")
	assert.Error(t, err)
}
