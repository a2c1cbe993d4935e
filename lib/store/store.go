// Package store provides a uniform interface over the blob stores that hold
// image payloads. Backends are selected by the scheme of an image's location
// URI; the scheme table is built once at startup and never changes at runtime.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrUnavailable marks a retryable transport failure: the backend could
	// not be reached, not that the object is missing.
	ErrUnavailable = errors.New("storage backend unavailable")
	// ErrBlobNotFound is terminal: the location resolved to no object.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrUnknownScheme means no backend is registered for the location URI.
	ErrUnknownScheme = errors.New("unknown storage scheme")
	// ErrReadOnly is returned by backends that only serve reads.
	ErrReadOnly = errors.New("backend is read-only")
)

// IsRetryable reports whether the failure is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// PutResult describes a completed blob write.
type PutResult struct {
	// Location is the URI under which the blob can be retrieved later.
	Location string
	// Size is the number of payload bytes written.
	Size int64
	// Checksum is the hex sha256 of the payload.
	Checksum string
}

// Backend stores and serves image payloads. Put must accept a stream whose
// total length is unknown in advance and must never buffer the whole payload
// in memory.
type Backend interface {
	Scheme() string
	Put(ctx context.Context, id string, r io.Reader) (*PutResult, error)
	Get(ctx context.Context, location string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, location string) error
}

// Registry is the closed scheme -> backend table. It is assembled once from
// configuration; per-call resolution is a map lookup on the parsed scheme.
type Registry struct {
	backends      map[string]Backend
	defaultScheme string
}

// NewRegistry builds the dispatch table. defaultScheme selects the backend
// used for inline uploads and must be registered.
func NewRegistry(defaultScheme string, backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend, len(backends)), defaultScheme: defaultScheme}
	for _, b := range backends {
		if _, dup := r.backends[b.Scheme()]; dup {
			return nil, fmt.Errorf("duplicate backend for scheme %q", b.Scheme())
		}
		r.backends[b.Scheme()] = b
	}
	if _, ok := r.backends[defaultScheme]; !ok {
		return nil, fmt.Errorf("%w: default scheme %q has no backend", ErrUnknownScheme, defaultScheme)
	}
	return r, nil
}

// Default returns the backend that receives inline uploads.
func (r *Registry) Default() Backend {
	return r.backends[r.defaultScheme]
}

// ForLocation resolves the backend responsible for a location URI.
func (r *Registry) ForLocation(location string) (Backend, error) {
	scheme, _, err := SplitLocation(location)
	if err != nil {
		return nil, err
	}
	b, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return b, nil
}

// SplitLocation separates a location URI into scheme and backend-specific
// rest. The rest is opaque to everything but the owning backend.
func SplitLocation(location string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("%w: malformed location %q", ErrUnknownScheme, location)
	}
	return scheme, rest, nil
}
