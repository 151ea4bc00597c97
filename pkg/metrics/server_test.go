package metrics

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, handler http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMetricsWithoutAuth(t *testing.T) {
	handler := GuardedHandler("")
	rec := doRequest(t, handler, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetricsUnknownPathIs404(t *testing.T) {
	handler := GuardedHandler("")
	rec := doRequest(t, handler, http.MethodGet, "/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsNonGetIs405(t *testing.T) {
	handler := GuardedHandler("")
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := doRequest(t, handler, method, "/metrics", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
	}
}

func TestMetricsHeadAllowed(t *testing.T) {
	handler := GuardedHandler("")
	rec := doRequest(t, handler, http.MethodHead, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsAuthRequired(t *testing.T) {
	handler := GuardedHandler("ops:secret")

	rec := doRequest(t, handler, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Basic", rec.Header().Get("WWW-Authenticate"))

	rec = doRequest(t, handler, http.MethodGet, "/metrics", "ops:wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/metrics", "ops:secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsMalformedAuthHeader(t *testing.T) {
	handler := GuardedHandler("ops:secret")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Basic not-base64!!!")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTrailingSlashNormalized(t *testing.T) {
	handler := GuardedHandler("")
	rec := doRequest(t, handler, http.MethodGet, "/metrics/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
