package storefront

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRevalidate(t *testing.T) {
	var got revalidateRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/revalidate", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(Config{
		URL:            server.URL,
		Token:          "tok",
		RequestTimeout: time.Second,
	}, testLogger())

	err := c.Revalidate(context.Background(), []string{"/", "/orders/ord_1"}, []string{"products"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, []string{"/", "/orders/ord_1"}, got.Paths)
	assert.Equal(t, []string{"products"}, got.Tags)
}

func TestRevalidateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient(Config{URL: server.URL, RequestTimeout: time.Second}, testLogger())
	err := c.Revalidate(context.Background(), []string{"/"}, nil)
	assert.Error(t, err)
}

func TestRevalidateDisabled(t *testing.T) {
	c := NewClient(Config{}, testLogger())
	assert.NoError(t, c.Revalidate(context.Background(), []string{"/"}, nil))
}
