// Package registry is the service core: it orchestrates metadata writes,
// payload streaming and lifecycle transitions, and owns recovery from
// partial failures between the metadata store and the storage backends.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/hangarproj/hangar/lib/image"
	"github.com/hangarproj/hangar/lib/metastore"
	"github.com/hangarproj/hangar/lib/store"
)

// Manager handles image lifecycle operations.
type Manager interface {
	CreateImage(ctx context.Context, req CreateImageRequest, payload io.Reader) (*image.Image, error)
	UploadPayload(ctx context.Context, id string, payload io.Reader) (*image.Image, error)
	UpdateImage(ctx context.Context, id string, req UpdateImageRequest) (*image.Image, error)
	DeleteImage(ctx context.Context, id string) error
	GetImage(ctx context.Context, id string) (*image.Image, error)
	ListImages(ctx context.Context, filters image.Filters) ([]*image.Image, error)
	DownloadImage(ctx context.Context, id string) (io.ReadCloser, *image.Image, error)
	// Close drains background work, completing pending blob deletions.
	Close()
}

// Options tunes the manager. Zero values get sensible defaults.
type Options struct {
	// UploadTimeout bounds a single payload upload end to end. A client
	// that stalls past it leaves the record killed, not stuck in saving.
	UploadTimeout time.Duration
	// MaxImageSize rejects payloads larger than this many bytes. Zero
	// means unlimited.
	MaxImageSize int64
}

type manager struct {
	meta    *metastore.Store
	stores  *store.Registry
	deleter *blobDeleter
	metrics *Metrics
	log     *slog.Logger
	opts    Options
}

// NewManager wires the service core. metrics may be nil.
func NewManager(meta *metastore.Store, stores *store.Registry, metrics *Metrics, log *slog.Logger, opts Options) Manager {
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Minute
	}
	return &manager{
		meta:    meta,
		stores:  stores,
		deleter: newBlobDeleter(stores, log),
		metrics: metrics,
		log:     log,
		opts:    opts,
	}
}

func (m *manager) CreateImage(ctx context.Context, req CreateImageRequest, payload io.Reader) (*image.Image, error) {
	if req.Location != "" && payload != nil {
		return nil, &image.ValidationError{Field: "location", Reason: "cannot combine an external location with an inline payload"}
	}

	id := req.ID
	if id == "" {
		id = cuid2.Generate()
	}

	img := &image.Image{
		ID:              id,
		Name:            req.Name,
		Status:          image.StatusQueued,
		IsPublic:        req.IsPublic,
		Owner:           req.Caller,
		DiskFormat:      req.DiskFormat,
		ContainerFormat: req.ContainerFormat,
		Properties:      req.Properties,
	}

	if req.Location != "" {
		// External location: nothing to stream, the record is active
		// immediately. The location is not probed here; a bad URL shows
		// up on first download.
		if _, err := m.stores.ForLocation(req.Location); err != nil {
			return nil, &image.ValidationError{Field: "location", Reason: err.Error()}
		}
		img.Status = image.StatusActive
		img.Location = req.Location
		return m.meta.Create(ctx, img)
	}

	created, err := m.meta.Create(ctx, img)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return created, nil
	}
	return m.upload(ctx, created.ID, payload)
}

func (m *manager) UploadPayload(ctx context.Context, id string, payload io.Reader) (*image.Image, error) {
	return m.upload(ctx, id, payload)
}

// upload streams a payload to the default backend and records the outcome.
// The record transitions queued -> saving -> active on success; any failure
// lands it in killed with the record retained, and the error is surfaced.
func (m *manager) upload(ctx context.Context, id string, payload io.Reader) (*image.Image, error) {
	if _, err := m.meta.SetStatus(ctx, id, image.StatusSaving, nil); err != nil {
		return nil, err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, m.opts.UploadTimeout)
	defer cancel()

	reader := payload
	if m.opts.MaxImageSize > 0 {
		reader = &boundedReader{r: payload, remaining: m.opts.MaxImageSize}
	}

	start := time.Now()
	res, err := m.stores.Default().Put(uploadCtx, id, reader)
	if err != nil {
		m.kill(id, err)
		m.metrics.recordUpload(ctx, "killed", time.Since(start))
		return nil, fmt.Errorf("store payload for %s: %w", id, err)
	}

	img, err := m.meta.SetStatus(ctx, id, image.StatusActive, &metastore.StatusChange{
		Size:     &res.Size,
		Location: &res.Location,
		Checksum: &res.Checksum,
	})
	if err != nil {
		// Metadata write lost after the blob landed: orphaned blob. Kill
		// the record and clean the blob up asynchronously.
		m.kill(id, err)
		m.deleter.schedule(res.Location)
		m.metrics.recordUpload(ctx, "killed", time.Since(start))
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}

	m.metrics.recordUpload(ctx, "active", time.Since(start))
	m.log.InfoContext(ctx, "image payload stored",
		"image_id", id, "size", res.Size, "location", res.Location)
	return img, nil
}

// kill moves a record to killed after a failed upload. Best effort: the
// reaper catches records this could not reach.
func (m *manager) kill(id string, cause error) {
	// The request context may already be cancelled; killing the record
	// must still go through.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.meta.SetStatus(ctx, id, image.StatusKilled, nil); err != nil {
		m.log.Error("failed to mark image killed", "image_id", id, "error", err)
		return
	}
	m.log.Warn("image upload killed", "image_id", id, "cause", cause)
}

func (m *manager) UpdateImage(ctx context.Context, id string, req UpdateImageRequest) (*image.Image, error) {
	return m.meta.Update(ctx, id, func(img *image.Image) error {
		if req.IsPublic != nil && *req.IsPublic != img.IsPublic {
			// Visibility is owner-only when the record has an owner and
			// the transport supplied an identity.
			if img.Owner != "" && req.Caller != "" && req.Caller != img.Owner {
				return fmt.Errorf("%w: only the owner may change visibility", image.ErrForbidden)
			}
			img.IsPublic = *req.IsPublic
		}
		if req.Name != nil {
			img.Name = *req.Name
		}
		if req.DiskFormat != nil {
			img.DiskFormat = *req.DiskFormat
		}
		if req.ContainerFormat != nil {
			img.ContainerFormat = *req.ContainerFormat
		}
		if req.Properties != nil {
			// Full replace, not merge: absent keys are dropped.
			img.Properties = req.Properties
		}
		return nil
	})
}

// DeleteImage marks the record deleted synchronously and hands blob removal
// to the background deleter; the caller never waits on backend latency and
// never sees backend cleanup failures.
func (m *manager) DeleteImage(ctx context.Context, id string) error {
	prev, err := m.meta.Get(ctx, id)
	if err != nil {
		return err
	}
	alreadyGone := prev.Status == image.StatusDeleted || prev.Status == image.StatusPendingDelete

	if _, err := m.meta.Delete(ctx, id); err != nil {
		return err
	}
	m.metrics.recordDelete(ctx)

	if !alreadyGone && prev.Location != "" {
		m.deleter.schedule(prev.Location)
	}
	return nil
}

func (m *manager) GetImage(ctx context.Context, id string) (*image.Image, error) {
	return m.meta.Get(ctx, id)
}

func (m *manager) ListImages(ctx context.Context, filters image.Filters) ([]*image.Image, error) {
	return m.meta.List(ctx, filters)
}

// DownloadImage streams the payload recorded in the image's location. Only
// active images have a complete, verified payload to serve.
func (m *manager) DownloadImage(ctx context.Context, id string) (io.ReadCloser, *image.Image, error) {
	img, err := m.meta.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if img.Status != image.StatusActive {
		return nil, nil, &image.ValidationError{Field: "status", Reason: fmt.Sprintf("image is %s, payload only available while active", img.Status)}
	}
	backend, err := m.stores.ForLocation(img.Location)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := backend.Get(ctx, img.Location)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve payload for %s: %w", id, err)
	}
	return rc, img, nil
}

// Close drains background work. Pending blob deletions complete first.
func (m *manager) Close() {
	m.deleter.close()
}

// ErrPayloadTooLarge aborts uploads that exceed the configured maximum.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum image size")

// boundedReader fails once more than remaining bytes have been read.
type boundedReader struct {
	r         io.Reader
	remaining int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrPayloadTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		// Read one byte past the cap so overflow is detected rather than
		// silently truncated.
		p = p[:b.remaining+1]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, ErrPayloadTooLarge
	}
	return n, err
}
