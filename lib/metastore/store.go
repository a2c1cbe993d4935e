// Package metastore is the durable record of image metadata. It is the only
// component allowed to write image rows, and every status write goes through
// the lifecycle validator, so no caller can move a record along an illegal
// edge.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hangarproj/hangar/lib/image"
)

// Store persists image records in SQLite.
//
// Concurrency discipline: optimistic version checks. Every row carries a
// version counter; writers read the row, mutate a copy, and UPDATE with
// "WHERE id = ? AND version = ?". A lost race re-reads and re-applies, so
// concurrent writers serialize per record and a reader never observes a
// field combination that did not exist at some write boundary.
type Store struct {
	db *sql.DB
}

// maxWriteAttempts bounds the optimistic retry loop.
const maxWriteAttempts = 16

// Open opens (creating if necessary) the registry database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// WAL mode for better concurrency between readers and the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// SQLite permits one writer at a time; a single pooled connection keeps
	// concurrent request goroutines from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		is_public INTEGER NOT NULL DEFAULT 0,
		owner TEXT NOT NULL DEFAULT '',
		disk_format TEXT NOT NULL DEFAULT '',
		container_format TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS image_properties (
		image_id TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (image_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_images_status ON images(status);
	CREATE INDEX IF NOT EXISTS idx_images_created ON images(created_at, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new record. The caller supplies the id; timestamps and
// version are assigned here. Ids are never reused: a collision with any
// existing row, deleted or not, is ErrConflict.
func (s *Store) Create(ctx context.Context, img *image.Image) (*image.Image, error) {
	if err := image.Validate(img); err != nil {
		return nil, err
	}
	if !img.Status.Valid() {
		return nil, &image.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", img.Status)}
	}

	now := time.Now().UTC()
	rec := img.Clone()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.DeletedAt = nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM images WHERE id = ?`, rec.ID).Scan(&exists)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", image.ErrConflict, rec.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check id collision: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO images (id, name, size, status, checksum, is_public, owner,
			disk_format, container_format, location, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		rec.ID, rec.Name, rec.Size, string(rec.Status), rec.Checksum, rec.IsPublic,
		rec.Owner, rec.DiskFormat, rec.ContainerFormat, rec.Location,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert image: %w", err)
	}
	if err := replaceProperties(ctx, tx, rec.ID, rec.Properties); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return rec, nil
}

// Get returns a record by id. Deleted records are still returned: they are
// retained for audit and only hidden from listings.
func (s *Store) Get(ctx context.Context, id string) (*image.Image, error) {
	img, _, err := s.getWithVersion(ctx, s.db, id)
	return img, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) getWithVersion(ctx context.Context, q querier, id string) (*image.Image, int64, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, size, status, checksum, is_public, owner,
			disk_format, container_format, location, version,
			created_at, updated_at, deleted_at
		FROM images WHERE id = ?`, id)

	img, version, err := scanImage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: %s", image.ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("query image: %w", err)
	}

	props, err := loadProperties(ctx, q, id)
	if err != nil {
		return nil, 0, err
	}
	img.Properties = props
	return img, version, nil
}

// Update applies mutate to a copy of the current record and persists the
// result under the optimistic version check. System-managed and immutable
// fields are enforced here, not trusted to callers:
//
//   - id and timestamps may never change;
//   - status may not be set through Update at all (use SetStatus);
//   - size, location and checksum are frozen once status has left
//     queued/saving.
//
// Properties are replaced wholesale with whatever mutate leaves behind.
func (s *Store) Update(ctx context.Context, id string, mutate func(*image.Image) error) (*image.Image, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, version, err := s.getWithVersion(ctx, s.db, id)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		if err := checkImmutable(cur, next); err != nil {
			return nil, err
		}
		if err := image.Validate(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = time.Now().UTC()

		ok, err := s.writeVersioned(ctx, next, version)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		// Version moved under us: another writer won. Re-read and re-apply.
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
	return nil, fmt.Errorf("update %s: too many concurrent modifications", id)
}

func checkImmutable(cur, next *image.Image) error {
	if next.ID != cur.ID {
		return &image.ValidationError{Field: "id", Reason: "immutable"}
	}
	if next.Status != cur.Status {
		return &image.ValidationError{Field: "status", Reason: "cannot be set directly; transitions go through the lifecycle"}
	}
	if !next.CreatedAt.Equal(cur.CreatedAt) || !next.UpdatedAt.Equal(cur.UpdatedAt) {
		return &image.ValidationError{Field: "timestamps", Reason: "system-managed"}
	}
	frozen := cur.Status != image.StatusQueued && cur.Status != image.StatusSaving
	if frozen {
		if next.Size != cur.Size {
			return &image.ValidationError{Field: "size", Reason: "immutable once upload has completed"}
		}
		if next.Location != cur.Location {
			return &image.ValidationError{Field: "location", Reason: "immutable once upload has completed"}
		}
		if next.Checksum != cur.Checksum {
			return &image.ValidationError{Field: "checksum", Reason: "immutable once upload has completed"}
		}
	}
	return nil
}

func (s *Store) writeVersioned(ctx context.Context, img *image.Image, expectVersion int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE images SET name = ?, size = ?, status = ?, checksum = ?,
			is_public = ?, owner = ?, disk_format = ?, container_format = ?,
			location = ?, updated_at = ?, deleted_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		img.Name, img.Size, string(img.Status), img.Checksum, img.IsPublic,
		img.Owner, img.DiskFormat, img.ContainerFormat, img.Location,
		img.UpdatedAt.UnixNano(), nullableUnixNano(img.DeletedAt), img.ID, expectVersion)
	if err != nil {
		return false, fmt.Errorf("update image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update image: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := replaceProperties(ctx, tx, img.ID, img.Properties); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update: %w", err)
	}
	return true, nil
}

// StatusChange carries the fields that may only move together with a status
// transition, such as size and location when an upload completes.
type StatusChange struct {
	Size     *int64
	Location *string
	Checksum *string
}

// SetStatus transitions a record to a new lifecycle state. The transition is
// validated against the lifecycle table inside the write, so the edge either
// commits as a whole or not at all.
func (s *Store) SetStatus(ctx context.Context, id string, to image.Status, change *StatusChange) (*image.Image, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, version, err := s.getWithVersion(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if err := image.ValidateTransition(cur.Status, to); err != nil {
			return nil, err
		}

		next := cur.Clone()
		next.Status = to
		next.UpdatedAt = time.Now().UTC()
		if to == image.StatusDeleted || to == image.StatusPendingDelete {
			now := next.UpdatedAt
			next.DeletedAt = &now
		}
		if change != nil {
			if change.Size != nil {
				next.Size = *change.Size
			}
			if change.Location != nil {
				next.Location = *change.Location
			}
			if change.Checksum != nil {
				next.Checksum = *change.Checksum
			}
		}

		ok, err := s.writeVersioned(ctx, next, version)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
	return nil, fmt.Errorf("set status of %s: too many concurrent modifications", id)
}

// Delete marks a record deleted. Deleting an already-deleted record is a
// no-op success; records are retained for audit, never purged.
func (s *Store) Delete(ctx context.Context, id string) (*image.Image, error) {
	cur, _, err := s.getWithVersion(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == image.StatusDeleted || cur.Status == image.StatusPendingDelete {
		return cur, nil
	}
	img, err := s.SetStatus(ctx, id, image.StatusDeleted, nil)
	if err != nil && errors.Is(err, image.ErrInvalidTransition) {
		// Raced with another deleter; idempotence still holds.
		if latest, getErr := s.Get(ctx, id); getErr == nil && latest.Status.Terminal() {
			return latest, nil
		}
	}
	return img, err
}

// List returns records matching filters, ordered by (created_at, id)
// ascending. Deleted, pending_delete and killed records are hidden unless
// the filters ask for them. Pagination is marker-based so the sequence is
// stable under concurrent inserts.
func (s *Store) List(ctx context.Context, filters image.Filters) ([]*image.Image, error) {
	query := `
		SELECT id, name, size, status, checksum, is_public, owner,
			disk_format, container_format, location, version,
			created_at, updated_at, deleted_at
		FROM images WHERE 1=1`
	var args []any

	if !filters.IncludeDeleted {
		query += ` AND status NOT IN (?, ?, ?)`
		args = append(args, string(image.StatusDeleted), string(image.StatusPendingDelete), string(image.StatusKilled))
	}
	if filters.Name != "" {
		query += ` AND name = ?`
		args = append(args, filters.Name)
	}
	if filters.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filters.Status))
	}
	if filters.DiskFormat != "" {
		query += ` AND disk_format = ?`
		args = append(args, filters.DiskFormat)
	}
	if filters.ContainerFormat != "" {
		query += ` AND container_format = ?`
		args = append(args, filters.ContainerFormat)
	}
	if filters.IsPublic != nil {
		query += ` AND is_public = ?`
		args = append(args, *filters.IsPublic)
	}
	if filters.Marker != "" {
		marker, _, err := s.getWithVersion(ctx, s.db, filters.Marker)
		if err != nil {
			return nil, fmt.Errorf("resolve marker: %w", err)
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		nanos := marker.CreatedAt.UnixNano()
		args = append(args, nanos, nanos, marker.ID)
	}

	query += ` ORDER BY created_at ASC, id ASC`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []*image.Image
	for rows.Next() {
		img, _, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	for _, img := range out {
		props, err := loadProperties(ctx, s.db, img.ID)
		if err != nil {
			return nil, err
		}
		img.Properties = props
	}
	return out, nil
}

// StaleSaving returns ids of records stuck in saving since before cutoff.
// The reaper uses this to bound how long an abandoned upload can linger.
func (s *Store) StaleSaving(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM images WHERE status = ? AND updated_at < ?`,
		string(image.StatusSaving), cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query stale saving records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanImage(row scannable) (*image.Image, int64, error) {
	var img image.Image
	var status string
	var version, createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&img.ID, &img.Name, &img.Size, &status, &img.Checksum,
		&img.IsPublic, &img.Owner, &img.DiskFormat, &img.ContainerFormat,
		&img.Location, &version, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, 0, err
	}
	img.Status = image.Status(status)
	img.CreatedAt = time.Unix(0, createdAt).UTC()
	img.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		img.DeletedAt = &t
	}
	return &img, version, nil
}

func loadProperties(ctx context.Context, q querier, id string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM image_properties WHERE image_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query properties: %w", err)
	}
	defer rows.Close()

	var props map[string]string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		if props == nil {
			props = make(map[string]string)
		}
		props[k] = v
	}
	return props, rows.Err()
}

// replaceProperties implements full-replace semantics: whatever was stored
// before is dropped, only the supplied mapping survives.
func replaceProperties(ctx context.Context, tx *sql.Tx, id string, props map[string]string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM image_properties WHERE image_id = ?`, id); err != nil {
		return fmt.Errorf("clear properties: %w", err)
	}
	for k, v := range props {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO image_properties (image_id, key, value) VALUES (?, ?, ?)`, id, k, v); err != nil {
			return fmt.Errorf("insert property %q: %w", k, err)
		}
	}
	return nil
}

func nullableUnixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
