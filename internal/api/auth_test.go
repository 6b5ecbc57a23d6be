package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthost/internal/agent/provider"
)

func signToken(t *testing.T, secret string) string {
	t.Helper()
	claims := &Claims{
		UserID:    "user-1",
		SessionID: "session-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestParseTokenRoundTrip(t *testing.T) {
	token := signToken(t, "s3cret")

	claims, err := ParseToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "session-1", claims.SessionID)

	_, err = ParseToken("wrong", token)
	assert.Error(t, err)
}

func TestMiddlewareRejectsWithoutToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware("s3cret")(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/weather", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/weather", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/weather", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewarePublicRoutes(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware("s3cret")(next)

	for _, path := range []string{
		"/health",
		"/metrics",
		"/api/v1/contexts/ctx-1/stream",
		"/api/v1/contexts/ctx-1/ws",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMiddlewareDisabledWithoutSecret(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Nil(t, ClaimsFrom(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware("")(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/weather", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClaimsPersistedOnTask(t *testing.T) {
	p := provider.NewScripted("scripted", provider.Capabilities{},
		provider.ScriptedStep{Content: "done"},
	)
	h, store, _ := newTestHandler(t, p)
	h.cfg.JWTSecret = "s3cret"

	body := `{
		"jsonrpc": "2.0", "id": 1, "method": "message/send",
		"params": {"message": {"parts": [{"kind": "text", "text": "hi"}]}}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/weather", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret"))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	dto := decodeTask(t, resp.Result)

	task, err := store.GetTask(context.Background(), dto.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", task.UserID)
	assert.Equal(t, "session-1", task.SessionID)
}
