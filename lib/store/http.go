package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPBackend serves blobs from external http(s) locations supplied by
// clients at create time. It is read-only: the registry never writes to or
// deletes from URLs it does not own. Reachability is only checked here, on
// first retrieval, never at create time.
type HTTPBackend struct {
	scheme string
	client *http.Client
}

// NewHTTPBackend returns a backend for the given scheme ("http" or "https").
func NewHTTPBackend(scheme string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{scheme: scheme, client: client}
}

func (b *HTTPBackend) Scheme() string { return b.scheme }

func (b *HTTPBackend) Put(ctx context.Context, id string, r io.Reader) (*PutResult, error) {
	return nil, fmt.Errorf("%w: %s backend", ErrReadOnly, b.scheme)
}

func (b *HTTPBackend) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request for %s: %w", location, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fetch %s: %v", ErrUnavailable, location, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrBlobNotFound, location)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: fetch %s: status %d", ErrUnavailable, location, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch %s: unexpected status %d", location, resp.StatusCode)
	}
}

func (b *HTTPBackend) Delete(ctx context.Context, location string) error {
	return fmt.Errorf("%w: %s backend", ErrReadOnly, b.scheme)
}
