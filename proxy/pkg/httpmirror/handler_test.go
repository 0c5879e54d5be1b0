package httpmirror

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerWithFallback(t *testing.T) {
	fallback := http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {
		rsp.WriteHeader(http.StatusServiceUnavailable)
	})
	real := http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {
		rsp.WriteHeader(http.StatusOK)
	})

	h := NewHandlerWithFallback(fallback)

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetHandler(real)
	rec = httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	h.ClearHandler()
	rec = httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
