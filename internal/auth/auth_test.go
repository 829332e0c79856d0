package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	s := NewService(map[string]string{"ops": "key-ops", "bot": "key-bot", "blank": "  "})
	require.True(t, s.Enabled())

	subject, err := s.Authenticate("Bearer key-bot", "")
	require.NoError(t, err)
	assert.Equal(t, "bot", subject.Name)

	subject, err = s.Authenticate("", "key-ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", subject.Name)

	subject, err = s.Authenticate("bearer key-ops", "")
	require.NoError(t, err)
	assert.Equal(t, "ops", subject.Name)

	_, err = s.Authenticate("", "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = s.Authenticate("Basic a2V5LW9wcw==", "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = s.Authenticate("Bearer wrong", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledWithoutKeys(t *testing.T) {
	assert.False(t, NewService(nil).Enabled())
	assert.False(t, NewService(map[string]string{"empty": ""}).Enabled())
	var nilService *Service
	assert.False(t, nilService.Enabled())
}

func TestMiddleware(t *testing.T) {
	var audit bytes.Buffer
	s := NewService(map[string]string{"bot": "secret"},
		WithAuditLogger(slog.New(slog.NewJSONHandler(&audit, nil))))

	var seen *Subject
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"code":"UNAUTHENTICATED","error":"Missing API key"}`, rec.Body.String())
	assert.Nil(t, seen)
	assert.Contains(t, audit.String(), "access_denied")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
	req.Header.Set(HeaderAPIKey, "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "bot", seen.Name)
	assert.Contains(t, audit.String(), `"status":202`)
}

func TestMiddlewarePassThroughWhenDisabled(t *testing.T) {
	handler := NewService(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSubjectContext(t *testing.T) {
	assert.Nil(t, SubjectFromContext(context.Background()))
	ctx := WithSubject(context.Background(), &Subject{Name: "ops"})
	assert.Equal(t, "ops", SubjectFromContext(ctx).Name)
	assert.Equal(t, context.Background(), WithSubject(context.Background(), nil))
}
