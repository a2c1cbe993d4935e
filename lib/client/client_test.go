package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hangarproj/hangar/lib/image"
)

func stubServer(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestNotFoundBecomesSentinel(t *testing.T) {
	c := stubServer(t, http.StatusNotFound, `{"code":"not_found","message":"image abc: not found"}`)

	_, err := c.GetImageMeta(context.Background(), "abc")
	require.ErrorIs(t, err, image.ErrNotFound)
	require.Contains(t, err.Error(), "image abc")
}

func TestConflictBecomesSentinel(t *testing.T) {
	c := stubServer(t, http.StatusConflict, `{"code":"conflict","message":"id in use"}`)

	_, err := c.GetImageMeta(context.Background(), "abc")
	require.ErrorIs(t, err, image.ErrConflict)
}

func TestUnmappedStatusBecomesClientError(t *testing.T) {
	c := stubServer(t, http.StatusServiceUnavailable, `{"code":"backend_unavailable","message":"s3 down"}`)

	_, err := c.GetImageMeta(context.Background(), "abc")
	var apiErr *ClientError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	require.Equal(t, "backend_unavailable", apiErr.Code)
	require.Equal(t, "s3 down", apiErr.Message)
}

func TestNonJSONErrorBody(t *testing.T) {
	c := stubServer(t, http.StatusBadGateway, "upstream exploded")

	_, err := c.GetImageMeta(context.Background(), "abc")
	var apiErr *ClientError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "upstream exploded", apiErr.Message)
}

func TestDialFailureIsConnectionError(t *testing.T) {
	c := New("http://127.0.0.1:1")

	_, err := c.GetImageMeta(context.Background(), "abc")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.NotNil(t, connErr.Unwrap())
}

func TestBearerTokenAttached(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"images":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("secret-token"))
	_, err := c.GetImages(context.Background(), image.Filters{})
	require.NoError(t, err)
	require.Equal(t, "Bearer secret-token", gotAuth)
}
