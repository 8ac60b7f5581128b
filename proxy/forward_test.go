package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProxyForwardsIdentityAndStripsSpoofing(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	rp, err := NewReverseProxy(backend.URL, func(*http.Request) (string, string) {
		return "user-1", "203.0.113.7"
	}, zap.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/listings/bakery", nil)
	req.Header.Set(HeaderUserID, "admin")
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "guardian", rec.Header().Get("X-Proxy"))
	assert.Equal(t, "user-1", got.Get(HeaderUserID))
	assert.Equal(t, "203.0.113.7", got.Get(HeaderIP))
	assert.Empty(t, got.Get("X-API-Key"))
}

func TestProxyAnonymousRequestCarriesNoUser(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer backend.Close()

	rp, err := NewReverseProxy(backend.URL, func(*http.Request) (string, string) { return "", "" }, zap.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "spoofed")
	rp.ServeHTTP(httptest.NewRecorder(), req)

	assert.Empty(t, got.Get(HeaderUserID))
}

func TestProxyBackendDown(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := backend.URL
	backend.Close()

	rp, err := NewReverseProxy(url, nil, zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error": "backend service unavailable"}`, rec.Body.String())
}
