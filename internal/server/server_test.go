package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/geoxfer/internal/errors"
	"github.com/3leaps/geoxfer/internal/server/handlers"
	"github.com/3leaps/geoxfer/pkg/callback"
)

func serve(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)
	rec := serve(t, srv.Handler(), http.MethodGet, "/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
	assert.Equal(t, body.Error.RequestID, rec.Header().Get("X-Request-ID"))
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{8080, 9000, 0} {
		srv := New("127.0.0.1", port)
		assert.Equal(t, port, srv.Port())
	}
	assert.Equal(t, "127.0.0.1:8080", New("127.0.0.1", 8080).Addr())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)
	rec := serve(t, srv.Handler(), http.MethodPost, "/version", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(t, srv.Handler(), http.MethodGet, path, "")
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestServer_OptionalRoutes(t *testing.T) {
	bare := New("127.0.0.1", 0)
	assert.Equal(t, http.StatusNotFound, serve(t, bare.Handler(), http.MethodPost, "/callbacks", "{}").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, bare.Handler(), http.MethodGet, "/jobs", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, bare.Handler(), http.MethodGet, "/debug/pprof/", "").Code)

	inbox := callback.NewInbox(1)
	full := New("127.0.0.1", 0, WithCallbacks(inbox), WithProfiler(true))
	rec := serve(t, full.Handler(), http.MethodPost, "/callbacks", `{"job_id":"j","step_id":"s","outcome":"succeeded"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, inbox.Messages(), 1)
	assert.Equal(t, http.StatusOK, serve(t, full.Handler(), http.MethodGet, "/debug/pprof/", "").Code)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	srv := New("127.0.0.1", 0)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
