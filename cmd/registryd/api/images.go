package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/hangarproj/hangar/lib/image"
	"github.com/hangarproj/hangar/lib/logger"
	"github.com/hangarproj/hangar/lib/middleware"
	"github.com/hangarproj/hangar/lib/registry"
)

// metaHeader carries image metadata on payload-bearing create requests,
// where the body is the payload itself.
const metaHeader = "X-Image-Meta"

// ListImages returns the brief listing.
func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	imgs, err := s.Images.ListImages(r.Context(), filters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	briefs := lo.Map(imgs, func(img *image.Image, _ int) image.Brief {
		return img.ToBrief()
	})
	writeJSON(w, http.StatusOK, map[string][]image.Brief{"images": briefs})
}

// ListImagesDetailed returns full records.
func (s *ApiService) ListImagesDetailed(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	imgs, err := s.Images.ListImages(r.Context(), filters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*image.Image{"images": imgs})
}

// CreateImage registers a new image. A JSON body carries metadata only; an
// octet-stream body is the payload with metadata in the X-Image-Meta header.
func (s *ApiService) CreateImage(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateImageRequest
	var payload io.Reader

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/octet-stream") {
		raw := r.Header.Get(metaHeader)
		if raw == "" {
			writeError(w, r, &image.ValidationError{Field: metaHeader, Reason: "header required with an octet-stream body"})
			return
		}
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			writeError(w, r, &image.ValidationError{Field: metaHeader, Reason: err.Error()})
			return
		}
		payload = r.Body
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, &image.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
	}
	req.Caller = middleware.GetUserIDFromContext(r.Context())

	img, err := s.Images.CreateImage(r.Context(), req, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).InfoContext(r.Context(), "image created",
		"image_id", img.ID, "status", img.Status)
	writeJSON(w, http.StatusCreated, img)
}

// GetImage returns full metadata for one image, deleted records included.
func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.Images.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// HeadImage returns metadata as X-Image-Meta-* headers with an empty body.
func (s *ApiService) HeadImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.Images.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setMetaHeaders(w.Header(), img)
	w.WriteHeader(http.StatusOK)
}

// UpdateImage applies a metadata merge.
func (s *ApiService) UpdateImage(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &image.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	req.Caller = middleware.GetUserIDFromContext(r.Context())

	img, err := s.Images.UpdateImage(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// DeleteImage marks the record deleted; blob cleanup happens asynchronously.
func (s *ApiService) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.Images.DeleteImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadImage streams the payload. The transfer is bounded by the
// configured download timeout: a client that stops draining the stream is
// cut off, with no metadata change.
func (s *ApiService) DownloadImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.Config.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.DownloadTimeout)
		defer cancel()
		// Break a write parked on a full socket too; the context check
		// only fires between chunks.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.Config.DownloadTimeout))
	}

	rc, img, err := s.Images.DownloadImage(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if img.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(img.Size, 10))
	}
	if img.Checksum != "" {
		w.Header().Set("X-Image-Meta-Checksum", img.Checksum)
	}
	if _, err := io.Copy(w, deadlineReader{ctx: ctx, r: rc}); err != nil {
		// Headers are gone; all we can do is log and drop the connection.
		logger.FromContext(r.Context()).WarnContext(r.Context(), "payload stream aborted",
			"image_id", img.ID, "error", err)
	}
}

// deadlineReader aborts an in-flight download copy once the transfer
// deadline passes, at the next chunk boundary.
type deadlineReader struct {
	ctx context.Context
	r   io.Reader
}

func (dr deadlineReader) Read(p []byte) (int, error) {
	if err := dr.ctx.Err(); err != nil {
		return 0, err
	}
	return dr.r.Read(p)
}

// UploadImage accepts a payload for a queued image.
func (s *ApiService) UploadImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.Images.UploadPayload(r.Context(), chi.URLParam(r, "id"), r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func parseFilters(r *http.Request) (image.Filters, error) {
	q := r.URL.Query()
	filters := image.Filters{
		Name:            q.Get("name"),
		Status:          image.Status(q.Get("status")),
		DiskFormat:      q.Get("disk_format"),
		ContainerFormat: q.Get("container_format"),
		Marker:          q.Get("marker"),
	}
	if raw := q.Get("is_public"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filters, &image.ValidationError{Field: "is_public", Reason: "must be a boolean"}
		}
		filters.IsPublic = &v
	}
	if raw := q.Get("deleted"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filters, &image.ValidationError{Field: "deleted", Reason: "must be a boolean"}
		}
		filters.IncludeDeleted = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filters, &image.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		filters.Limit = v
	}
	return filters, nil
}

func setMetaHeaders(h http.Header, img *image.Image) {
	h.Set("X-Image-Meta-Id", img.ID)
	h.Set("X-Image-Meta-Name", img.Name)
	h.Set("X-Image-Meta-Size", strconv.FormatInt(img.Size, 10))
	h.Set("X-Image-Meta-Status", string(img.Status))
	h.Set("X-Image-Meta-Is-Public", strconv.FormatBool(img.IsPublic))
	h.Set("X-Image-Meta-Created-At", img.CreatedAt.Format(time.RFC3339Nano))
	h.Set("X-Image-Meta-Updated-At", img.UpdatedAt.Format(time.RFC3339Nano))
	if img.Checksum != "" {
		h.Set("X-Image-Meta-Checksum", img.Checksum)
	}
	if img.Owner != "" {
		h.Set("X-Image-Meta-Owner", img.Owner)
	}
	if img.DiskFormat != "" {
		h.Set("X-Image-Meta-Disk-Format", img.DiskFormat)
	}
	if img.ContainerFormat != "" {
		h.Set("X-Image-Meta-Container-Format", img.ContainerFormat)
	}
	if img.Location != "" {
		h.Set("X-Image-Meta-Location", img.Location)
	}
	for k, v := range img.Properties {
		h.Set(fmt.Sprintf("X-Image-Meta-Property-%s", k), v)
	}
}
