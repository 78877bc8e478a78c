package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/iago/media-jobs-back/internal/domain"
)

type stubResolver struct {
	err  error
	seen []string
}

func (s *stubResolver) Session(_ context.Context, accountID string) (domain.Session, error) {
	s.seen = append(s.seen, accountID)
	if s.err != nil {
		return domain.Session{}, s.err
	}
	return domain.Session{AccountID: accountID, Profile: &domain.Profile{ID: accountID, Tier: domain.TierFree}}, nil
}

func sessionEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := SessionFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(session.AccountID))
	})
}

func serve(t *testing.T, handler http.Handler, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, "/v1/profile", nil)
	setup(request)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func signHS256(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestSessionAuthHS256(t *testing.T) {
	resolver := &stubResolver{}
	auth, err := NewSessionAuth(context.Background(), SessionConfig{Secret: "s3cret", Issuer: "media-jobs"}, resolver)
	if err != nil {
		t.Fatalf("new session auth: %v", err)
	}
	handler := auth.Middleware(sessionEcho())

	valid := signHS256(t, "s3cret", jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "media-jobs",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	recorder := serve(t, handler, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) })
	if recorder.Code != http.StatusOK || recorder.Body.String() != "user-1" {
		t.Fatalf("expected session for user-1, got %d %q", recorder.Code, recorder.Body.String())
	}

	cases := map[string]string{
		"wrong secret": signHS256(t, "other", jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "media-jobs",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
		"expired": signHS256(t, "s3cret", jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "media-jobs",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}),
		"no expiry": signHS256(t, "s3cret", jwt.RegisteredClaims{
			Subject: "user-1",
			Issuer:  "media-jobs",
		}),
		"wrong issuer": signHS256(t, "s3cret", jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
		"no subject": signHS256(t, "s3cret", jwt.RegisteredClaims{
			Issuer:    "media-jobs",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}),
	}
	for name, token := range cases {
		recorder := serve(t, handler, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, recorder.Code)
		}
	}

	recorder = serve(t, handler, func(r *http.Request) { r.Header.Set("X-Account-Id", "user-2") })
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected account header to be ignored when tokens are verified, got %d", recorder.Code)
	}
	if len(resolver.seen) != 1 {
		t.Fatalf("expected resolver to run once, got %v", resolver.seen)
	}
}

func TestSessionAuthDevHeader(t *testing.T) {
	auth, err := NewSessionAuth(context.Background(), SessionConfig{}, &stubResolver{})
	if err != nil {
		t.Fatalf("new session auth: %v", err)
	}
	handler := RequestID(auth.Middleware(sessionEcho()))

	recorder := serve(t, handler, func(r *http.Request) { r.Header.Set("X-Account-Id", " dev-user ") })
	if recorder.Code != http.StatusOK || recorder.Body.String() != "dev-user" {
		t.Fatalf("expected dev-user session, got %d %q", recorder.Code, recorder.Body.String())
	}

	recorder = serve(t, handler, func(r *http.Request) {})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without account header, got %d", recorder.Code)
	}
	var body errorBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "unauthorized" || body.RequestID == "" || body.RequestID == "unknown" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestSessionAuthResolverFailure(t *testing.T) {
	auth, err := NewSessionAuth(context.Background(), SessionConfig{}, &stubResolver{err: errors.New("db down")})
	if err != nil {
		t.Fatalf("new session auth: %v", err)
	}
	recorder := serve(t, auth.Middleware(sessionEcho()), func(r *http.Request) { r.Header.Set("X-Account-Id", "u") })
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestSessionAuthJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	keys, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatalf("jwks keyfunc: %v", err)
	}

	auth, err := NewSessionAuth(context.Background(), SessionConfig{Keys: keys, Leeway: time.Second}, &stubResolver{})
	if err != nil {
		t.Fatalf("new session auth: %v", err)
	}
	handler := auth.Middleware(sessionEcho())

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "rsa-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	recorder := serve(t, handler, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signed) })
	if recorder.Code != http.StatusOK || recorder.Body.String() != "rsa-user" {
		t.Fatalf("expected rsa-user session, got %d %q", recorder.Code, recorder.Body.String())
	}

	hs := signHS256(t, "anything", jwt.RegisteredClaims{
		Subject:   "rsa-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	recorder = serve(t, handler, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+hs) })
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected HS256 token to be rejected by JWKS auth, got %d", recorder.Code)
	}
}
