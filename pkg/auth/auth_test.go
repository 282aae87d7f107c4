package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/appctx"
)

func signToken(t *testing.T, secret, subject, role string) string {
	t.Helper()
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTServiceAcceptsValidToken(t *testing.T) {
	svc := NewJWTService("s3cret")
	tok := signToken(t, "s3cret", "alice", "admin")

	u, err := svc.Authenticate(t.Context(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, "admin", u.Role)
}

func TestJWTServiceDefaultsRole(t *testing.T) {
	svc := NewJWTService("s3cret")
	tok := signToken(t, "s3cret", "bob", "")

	u, err := svc.Authenticate(t.Context(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user", u.Role)
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	svc := NewJWTService("s3cret")
	tok := signToken(t, "different", "alice", "admin")

	_, err := svc.Authenticate(t.Context(), tok)
	assert.Error(t, err)
}

func TestJWTServiceRejectsExpiredToken(t *testing.T) {
	svc := NewJWTService("s3cret")
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = svc.Authenticate(t.Context(), signed)
	assert.Error(t, err)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	log := zerolog.Nop()
	mw := Middleware(NewJWTService("s3cret"), nil, &log)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/files/foo.txt", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMiddlewareAcceptsValidTokenAndStoresUser(t *testing.T) {
	log := zerolog.Nop()
	var gotUser *appctx.CurrentUser
	mw := Middleware(NewJWTService("s3cret"), nil, &log)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = appctx.GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tok := signToken(t, "s3cret", "alice", "admin")
	req := httptest.NewRequest(http.MethodGet, "/files/foo.txt", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, gotUser)
	assert.Equal(t, "alice", gotUser.ID)
}

func TestMiddlewareSkipsConfiguredPaths(t *testing.T) {
	log := zerolog.Nop()
	mw := Middleware(NewJWTService("s3cret"), []string{"/metrics"}, &log)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareAllowsOptionsWithoutToken(t *testing.T) {
	log := zerolog.Nop()
	mw := Middleware(NewJWTService("s3cret"), nil, &log)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/files/foo.txt", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}
