package metastore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hangarproj/hangar/lib/image"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queuedImage(id, name string) *image.Image {
	return &image.Image{
		ID:     id,
		Name:   name,
		Status: image.StatusQueued,
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	in := &image.Image{
		ID:              "img-1",
		Name:            "ubuntu-22.04",
		Status:          image.StatusQueued,
		IsPublic:        true,
		Owner:           "alice",
		DiskFormat:      "qcow2",
		ContainerFormat: "bare",
		Properties:      map[string]string{"kernel_id": "k-1", "arch": "x86_64"},
	}
	created, err := s.Create(ctx, in)
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())
	require.False(t, created.UpdatedAt.IsZero())
	require.Nil(t, created.DeletedAt)

	got, err := s.Get(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, "ubuntu-22.04", got.Name)
	require.Equal(t, image.StatusQueued, got.Status)
	require.True(t, got.IsPublic)
	require.Equal(t, "alice", got.Owner)
	require.Equal(t, "qcow2", got.DiskFormat)
	require.Equal(t, "bare", got.ContainerFormat)
	require.Equal(t, map[string]string{"kernel_id": "k-1", "arch": "x86_64"}, got.Properties)
	require.True(t, got.CreatedAt.Equal(created.CreatedAt))
}

func TestCreateConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-1", "first"))
	require.NoError(t, err)

	_, err = s.Create(ctx, queuedImage("img-1", "second"))
	require.ErrorIs(t, err, image.ErrConflict)
}

// Ids are never reused: a deleted record still blocks re-creation.
func TestCreateConflictAfterDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-1", "first"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, "img-1")
	require.NoError(t, err)

	_, err = s.Create(ctx, queuedImage("img-1", "again"))
	require.ErrorIs(t, err, image.ErrConflict)
}

func TestCreateRejectsInvalidFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &image.Image{ID: "img-1", Name: "x", Status: image.StatusQueued, DiskFormat: "ntfs"})
	require.True(t, image.IsValidation(err))

	_, err = s.Create(ctx, &image.Image{ID: "img-2", Name: "x", Status: "made-up"})
	require.True(t, image.IsValidation(err))
}

func TestGetNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, image.ErrNotFound)
}

func TestUpdateMutableFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-1", "old-name"))
	require.NoError(t, err)

	updated, err := s.Update(ctx, "img-1", func(img *image.Image) error {
		img.Name = "new-name"
		img.IsPublic = true
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "new-name", updated.Name)
	require.True(t, updated.IsPublic)

	got, err := s.Get(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, "new-name", got.Name)
}

func TestUpdatePropertiesFullReplace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	img := queuedImage("img-1", "x")
	img.Properties = map[string]string{"a": "1", "b": "2"}
	_, err := s.Create(ctx, img)
	require.NoError(t, err)

	updated, err := s.Update(ctx, "img-1", func(img *image.Image) error {
		img.Properties = map[string]string{"a": "1"}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1"}, updated.Properties)

	got, err := s.Get(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1"}, got.Properties, "unspecified properties must be removed, not merged")
}

func TestUpdateRejectsImmutableFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-1", "x"))
	require.NoError(t, err)
	// Freeze size/location by finishing the upload.
	size := int64(42)
	loc := "file://img-1"
	_, err = s.SetStatus(ctx, "img-1", image.StatusSaving, nil)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "img-1", image.StatusActive, &StatusChange{Size: &size, Location: &loc})
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*image.Image) error
	}{
		{"id", func(img *image.Image) error { img.ID = "other"; return nil }},
		{"status", func(img *image.Image) error { img.Status = image.StatusKilled; return nil }},
		{"size", func(img *image.Image) error { img.Size = 7; return nil }},
		{"location", func(img *image.Image) error { img.Location = "file://elsewhere"; return nil }},
		{"checksum", func(img *image.Image) error { img.Checksum = "deadbeef"; return nil }},
		{"created_at", func(img *image.Image) error { img.CreatedAt = img.CreatedAt.Add(time.Hour); return nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Update(ctx, "img-1", tc.mutate)
			require.True(t, image.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

// Size and location stay writable while the record is still queued/saving,
// since the upload pipeline records them there.
func TestUpdateSizeAllowedWhileQueued(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-1", "x"))
	require.NoError(t, err)

	_, err = s.Update(ctx, "img-1", func(img *image.Image) error {
		img.Size = 1024
		img.Location = "https://example.com/img.qcow2"
		return nil
	})
	require.NoError(t, err)
}

func TestSetStatusEnforcesLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-1", "x"))
	require.NoError(t, err)

	_, err = s.SetStatus(ctx, "img-1", image.StatusSaving, nil)
	require.NoError(t, err)

	size := int64(1024)
	loc := "file://img-1"
	sum := "abc123"
	upd, err := s.SetStatus(ctx, "img-1", image.StatusActive, &StatusChange{Size: &size, Location: &loc, Checksum: &sum})
	require.NoError(t, err)
	require.Equal(t, image.StatusActive, upd.Status)
	require.Equal(t, int64(1024), upd.Size)
	require.Equal(t, "file://img-1", upd.Location)
	require.Equal(t, "abc123", upd.Checksum)

	// active -> saving is not an edge
	_, err = s.SetStatus(ctx, "img-1", image.StatusSaving, nil)
	require.ErrorIs(t, err, image.ErrInvalidTransition)

	// deleted is terminal
	_, err = s.SetStatus(ctx, "img-1", image.StatusDeleted, nil)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "img-1", image.StatusActive, nil)
	require.ErrorIs(t, err, image.ErrInvalidTransition)
}

func TestDeleteIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-1", "x"))
	require.NoError(t, err)

	first, err := s.Delete(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, image.StatusDeleted, first.Status)
	require.NotNil(t, first.DeletedAt)

	second, err := s.Delete(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, image.StatusDeleted, second.Status)

	// Deleted records stay readable by id for audit.
	got, err := s.Get(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, image.StatusDeleted, got.Status)
}

func TestDeleteNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Delete(context.Background(), "nope")
	require.ErrorIs(t, err, image.ErrNotFound)
}

func TestListOrderingAndVisibility(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := s.Create(ctx, queuedImage(fmt.Sprintf("img-%d", i), fmt.Sprintf("name-%d", i)))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := s.Delete(ctx, "img-2")
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "img-3", image.StatusKilled, nil)
	require.NoError(t, err)

	imgs, err := s.List(ctx, image.Filters{})
	require.NoError(t, err)
	ids := make([]string, len(imgs))
	for i, img := range imgs {
		ids[i] = img.ID
	}
	require.Equal(t, []string{"img-1", "img-4", "img-5"}, ids, "deleted and killed are hidden, order is creation time ascending")

	all, err := s.List(ctx, image.Filters{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestListFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pub := queuedImage("img-pub", "shared")
	pub.IsPublic = true
	pub.DiskFormat = "qcow2"
	_, err := s.Create(ctx, pub)
	require.NoError(t, err)

	priv := queuedImage("img-priv", "private")
	priv.DiskFormat = "raw"
	_, err = s.Create(ctx, priv)
	require.NoError(t, err)

	isPublic := true
	imgs, err := s.List(ctx, image.Filters{IsPublic: &isPublic})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, "img-pub", imgs[0].ID)

	imgs, err = s.List(ctx, image.Filters{DiskFormat: "raw"})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, "img-priv", imgs[0].ID)

	imgs, err = s.List(ctx, image.Filters{Name: "shared"})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	require.Equal(t, "img-pub", imgs[0].ID)
}

func TestListMarkerPagination(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		_, err := s.Create(ctx, queuedImage(fmt.Sprintf("img-%d", i), "x"))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	page1, err := s.List(ctx, image.Filters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, "img-1", page1[0].ID)
	require.Equal(t, "img-2", page1[1].ID)

	page2, err := s.List(ctx, image.Filters{Limit: 2, Marker: page1[1].ID})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.Equal(t, "img-3", page2[0].ID)
	require.Equal(t, "img-4", page2[1].ID)

	// A concurrent insert sorts after the marker and never shifts earlier pages.
	_, err = s.Create(ctx, queuedImage("img-7", "late"))
	require.NoError(t, err)

	page3, err := s.List(ctx, image.Filters{Limit: 10, Marker: page2[1].ID})
	require.NoError(t, err)
	require.Equal(t, "img-5", page3[0].ID)
	require.Equal(t, "img-6", page3[1].ID)
	require.Equal(t, "img-7", page3[2].ID)
}

func TestStaleSaving(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, queuedImage("img-stuck", "x"))
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "img-stuck", image.StatusSaving, nil)
	require.NoError(t, err)

	_, err = s.Create(ctx, queuedImage("img-fresh", "x"))
	require.NoError(t, err)

	ids, err := s.StaleSaving(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{"img-stuck"}, ids)

	ids, err = s.StaleSaving(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, ids)
}

// Concurrent writers to the same record serialize through the version check:
// every increment survives, no interleaved partial write is observable.
func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	img := queuedImage("img-1", "x")
	img.Properties = map[string]string{"counter": "0"}
	_, err := s.Create(ctx, img)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, "img-1", func(img *image.Image) error {
				img.Properties[fmt.Sprintf("writer_%d", i)] = "done"
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "img-1")
	require.NoError(t, err)
	for i := 0; i < writers; i++ {
		require.Equal(t, "done", got.Properties[fmt.Sprintf("writer_%d", i)])
	}
}
