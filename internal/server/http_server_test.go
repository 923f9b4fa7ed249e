package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

func testLogger() log.Logger {
	return log.NewZerologAdapter(zerolog.Disabled, false)
}

func TestHealthzEndpoint(t *testing.T) {
	srv := New(Config{Port: "0"}, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStartReturnsNilAfterShutdown(t *testing.T) {
	srv := New(Config{Port: "0"}, testLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	// Wait for the listener to come up before shutting down.
	require.Eventually(t, func() bool {
		return srv.Echo().ListenerAddr() != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}
}
