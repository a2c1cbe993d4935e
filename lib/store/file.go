package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// FileBackend stores blobs as flat files under a root directory. Locations
// are of the form file://<path relative to root>.
type FileBackend struct {
	root string
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) Scheme() string { return "file" }

// Put streams r to a temp file, computing the sha256 and byte count as it
// goes, then renames into place. The stream length need not be known up
// front; a failed copy leaves nothing behind.
func (b *FileBackend) Put(ctx context.Context, id string, r io.Reader) (*PutResult, error) {
	finalPath := filepath.Join(b.root, id)
	tmp, err := os.CreateTemp(b.root, id+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), contextReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("rename blob: %w", err)
	}

	return &PutResult{
		Location: "file://" + id,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (b *FileBackend) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	path, err := b.resolve(location)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrBlobNotFound, location)
		}
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat blob: %w", err)
	}
	return f, stat.Size(), nil
}

func (b *FileBackend) Delete(ctx context.Context, location string) error {
	path, err := b.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, location)
		}
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// resolve maps a location to an on-disk path, refusing anything that would
// escape the blob root. Location paths come from the metadata store but are
// still treated as untrusted.
func (b *FileBackend) resolve(location string) (string, error) {
	scheme, rest, err := SplitLocation(location)
	if err != nil {
		return "", err
	}
	if scheme != "file" {
		return "", fmt.Errorf("%w: %q is not a file location", ErrUnknownScheme, location)
	}
	path, err := securejoin.SecureJoin(b.root, rest)
	if err != nil {
		return "", fmt.Errorf("resolve blob path: %w", err)
	}
	if !strings.HasPrefix(path, b.root+string(os.PathSeparator)) && path != b.root {
		return "", fmt.Errorf("%w: %s escapes blob root", ErrBlobNotFound, location)
	}
	return path, nil
}

// contextReader aborts an in-flight copy when the request context is
// cancelled, at the next chunk boundary rather than after the full stream.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
