package registry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hangarproj/hangar/lib/image"
	"github.com/hangarproj/hangar/lib/metastore"
	"github.com/hangarproj/hangar/lib/store"
)

type testEnv struct {
	mgr      Manager
	meta     *metastore.Store
	blobRoot string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	meta, err := metastore.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blobRoot := t.TempDir()
	fileBackend, err := store.NewFileBackend(blobRoot)
	require.NoError(t, err)
	stores, err := store.NewRegistry("file", fileBackend, store.NewHTTPBackend("http", nil))
	require.NoError(t, err)

	log := slog.New(slog.DiscardHandler)
	mgr := NewManager(meta, stores, nil, log, opts)
	t.Cleanup(mgr.Close)

	return &testEnv{mgr: mgr, meta: meta, blobRoot: blobRoot}
}

func TestCreateImageWithInlinePayload(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	payload := bytes.Repeat([]byte("a"), 1024)
	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "test"}, bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, image.StatusActive, img.Status)
	require.Equal(t, int64(1024), img.Size)
	require.NotEmpty(t, img.Location)
	require.Len(t, img.Checksum, 64)

	// Location must resolve to the payload.
	rc, meta, err := env.mgr.DownloadImage(ctx, img.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, payload, got)
	require.Equal(t, img.ID, meta.ID)
}

func TestCreateImageInterruptedStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	disconnect := errors.New("simulated backend disconnect")
	stream := io.MultiReader(strings.NewReader("0123456789"), failingReader{err: disconnect})

	_, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "test"}, stream)
	require.ErrorIs(t, err, disconnect)

	// The record survives in killed for auditing and retry.
	imgs, err := env.mgr.ListImages(ctx, image.Filters{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, image.StatusKilled, imgs[0].Status)

	got, err := env.mgr.GetImage(ctx, imgs[0].ID)
	require.NoError(t, err)
	require.Equal(t, image.StatusKilled, got.Status)
	require.Equal(t, "test", got.Name)
}

func TestCreateImageMetadataOnlyThenUpload(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "later"}, nil)
	require.NoError(t, err)
	require.Equal(t, image.StatusQueued, img.Status)
	require.Empty(t, img.Location)

	uploaded, err := env.mgr.UploadPayload(ctx, img.ID, strings.NewReader("payload bytes"))
	require.NoError(t, err)
	require.Equal(t, image.StatusActive, uploaded.Status)
	require.Equal(t, int64(len("payload bytes")), uploaded.Size)
}

func TestCreateImageExternalLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "external bits")
	}))
	defer srv.Close()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{
		Name:     "external",
		Location: srv.URL + "/disk.qcow2",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, image.StatusActive, img.Status, "external locations activate without an upload")

	rc, _, err := env.mgr.DownloadImage(ctx, img.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "external bits", string(got))
}

func TestCreateImageExternalLocationUnknownScheme(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.mgr.CreateImage(context.Background(), CreateImageRequest{
		Name:     "bad",
		Location: "swift://container/object",
	}, nil)
	require.True(t, image.IsValidation(err))
}

func TestCreateImageLocationAndPayloadExclusive(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.mgr.CreateImage(context.Background(), CreateImageRequest{
		Name:     "both",
		Location: "http://example.com/x",
	}, strings.NewReader("payload"))
	require.True(t, image.IsValidation(err))
}

func TestCreateImageClientSuppliedIDConflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	_, err := env.mgr.CreateImage(ctx, CreateImageRequest{ID: "img-1", Name: "a"}, nil)
	require.NoError(t, err)
	_, err = env.mgr.CreateImage(ctx, CreateImageRequest{ID: "img-1", Name: "b"}, nil)
	require.ErrorIs(t, err, image.ErrConflict)

	// Deleting does not free the id.
	require.NoError(t, env.mgr.DeleteImage(ctx, "img-1"))
	_, err = env.mgr.CreateImage(ctx, CreateImageRequest{ID: "img-1", Name: "c"}, nil)
	require.ErrorIs(t, err, image.ErrConflict)
}

func TestCreateImagePayloadTooLarge(t *testing.T) {
	env := newTestEnv(t, Options{MaxImageSize: 16})
	ctx := context.Background()

	_, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "big"},
		bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	imgs, err := env.mgr.ListImages(ctx, image.Filters{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, image.StatusKilled, imgs[0].Status)
}

func TestCreateImageUploadTimeout(t *testing.T) {
	env := newTestEnv(t, Options{UploadTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	slow := io.MultiReader(strings.NewReader("begin"), stallingReader{delay: 60 * time.Millisecond})
	_, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "slow"}, slow)
	require.Error(t, err)

	imgs, err := env.mgr.ListImages(ctx, image.Filters{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, image.StatusKilled, imgs[0].Status, "a stalled upload must not stay in saving")
}

func TestUpdateImageMergeAndPropertiesReplace(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{
		Name:       "orig",
		Properties: map[string]string{"a": "1", "b": "2"},
	}, nil)
	require.NoError(t, err)

	newName := "renamed"
	updated, err := env.mgr.UpdateImage(ctx, img.ID, UpdateImageRequest{
		Name:       &newName,
		Properties: map[string]string{"a": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.Equal(t, map[string]string{"a": "1"}, updated.Properties, "properties replace wholesale; b must be gone")

	// Nil properties leave the mapping alone.
	public := true
	updated, err = env.mgr.UpdateImage(ctx, img.ID, UpdateImageRequest{IsPublic: &public})
	require.NoError(t, err)
	require.True(t, updated.IsPublic)
	require.Equal(t, map[string]string{"a": "1"}, updated.Properties)
}

func TestUpdateImageVisibilityOwnerOnly(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "owned", Caller: "alice"}, nil)
	require.NoError(t, err)

	public := true
	_, err = env.mgr.UpdateImage(ctx, img.ID, UpdateImageRequest{IsPublic: &public, Caller: "mallory"})
	require.ErrorIs(t, err, image.ErrForbidden)

	updated, err := env.mgr.UpdateImage(ctx, img.ID, UpdateImageRequest{IsPublic: &public, Caller: "alice"})
	require.NoError(t, err)
	require.True(t, updated.IsPublic)
}

func TestDeleteImageRemovesBlobAsync(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "doomed"}, strings.NewReader("bits"))
	require.NoError(t, err)
	blobPath := filepath.Join(env.blobRoot, img.ID)
	_, err = os.Stat(blobPath)
	require.NoError(t, err)

	require.NoError(t, env.mgr.DeleteImage(ctx, img.ID))

	// Record is marked deleted immediately.
	got, err := env.mgr.GetImage(ctx, img.ID)
	require.NoError(t, err)
	require.Equal(t, image.StatusDeleted, got.Status)

	// Blob removal happens in the background; Close drains it.
	env.mgr.Close()
	_, err = os.Stat(blobPath)
	require.True(t, os.IsNotExist(err))
}

func TestDeleteImageIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "x"}, nil)
	require.NoError(t, err)

	require.NoError(t, env.mgr.DeleteImage(ctx, img.ID))
	require.NoError(t, env.mgr.DeleteImage(ctx, img.ID), "second delete must succeed")
}

func TestDownloadImageNotActive(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	img, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "queued-only"}, nil)
	require.NoError(t, err)

	_, _, err = env.mgr.DownloadImage(ctx, img.ID)
	require.True(t, image.IsValidation(err))
}

func TestListImagesPublicFilter(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	pub, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "pub", IsPublic: true}, nil)
	require.NoError(t, err)
	_, err = env.mgr.CreateImage(ctx, CreateImageRequest{Name: "priv"}, nil)
	require.NoError(t, err)
	gone, err := env.mgr.CreateImage(ctx, CreateImageRequest{Name: "gone", IsPublic: true}, nil)
	require.NoError(t, err)
	require.NoError(t, env.mgr.DeleteImage(ctx, gone.ID))

	isPublic := true
	imgs, err := env.mgr.ListImages(ctx, image.Filters{IsPublic: &isPublic})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, pub.ID, imgs[0].ID)
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

// stallingReader sleeps through the upload deadline without ever making
// progress, mimicking a client that stopped sending.
type stallingReader struct{ delay time.Duration }

func (s stallingReader) Read(p []byte) (int, error) {
	time.Sleep(s.delay)
	return 0, nil
}

func TestCreateImageRejectsUnsafeID(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	// Ids become blob file names; a separator must fail validation up
	// front instead of surfacing as a backend failure mid-upload.
	_, err := env.mgr.CreateImage(ctx, CreateImageRequest{ID: "a/b", Name: "sneaky"},
		strings.NewReader("payload"))
	require.True(t, image.IsValidation(err))

	_, err = env.mgr.GetImage(ctx, "a/b")
	require.ErrorIs(t, err, image.ErrNotFound)

	entries, err := os.ReadDir(env.blobRoot)
	require.NoError(t, err)
	require.Empty(t, entries, "no blob or temp file may be left behind")
}
