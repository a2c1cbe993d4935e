// Package client is the typed façade external tooling uses to talk to the
// registry over HTTP. Transport failures and API failures stay
// distinguishable: the former are ConnectionError (retryable), the latter
// carry the server's error kind.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hangarproj/hangar/lib/image"
	"github.com/hangarproj/hangar/lib/registry"
)

// Client talks to a registryd instance.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the registry at baseURL (e.g. "http://localhost:9191").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddImage registers an image. payload may be nil for metadata-only or
// external-location creates.
func (c *Client) AddImage(ctx context.Context, req registry.CreateImageRequest, payload io.Reader) (*image.Image, error) {
	var httpReq *http.Request
	var err error

	if payload != nil {
		meta, merr := json.Marshal(req)
		if merr != nil {
			return nil, fmt.Errorf("marshal image metadata: %w", merr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images", payload)
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/octet-stream")
			httpReq.Header.Set("X-Image-Meta", string(meta))
		}
	} else {
		body, merr := json.Marshal(req)
		if merr != nil {
			return nil, fmt.Errorf("marshal image metadata: %w", merr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images", bytes.NewReader(body))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var img image.Image
	if err := c.do(httpReq, http.StatusCreated, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// UpdateImage merges metadata fields into an existing image.
func (c *Client) UpdateImage(ctx context.Context, id string, req registry.UpdateImageRequest) (*image.Image, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.imageURL(id), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var img image.Image
	if err := c.do(httpReq, http.StatusOK, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// UploadImage streams a payload for a previously queued image.
func (c *Client) UploadImage(ctx context.Context, id string, payload io.Reader) (*image.Image, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.imageURL(id)+"/file", payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	var img image.Image
	if err := c.do(httpReq, http.StatusOK, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// DeleteImage removes an image. Deleting twice is not an error.
func (c *Client) DeleteImage(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.imageURL(id), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(httpReq, http.StatusNoContent, nil)
}

// GetImageMeta fetches full metadata for one image.
func (c *Client) GetImageMeta(ctx context.Context, id string) (*image.Image, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.imageURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var img image.Image
	if err := c.do(httpReq, http.StatusOK, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// GetImages lists brief records.
func (c *Client) GetImages(ctx context.Context, filters image.Filters) ([]image.Brief, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/images?"+filterQuery(filters).Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var resp struct {
		Images []image.Brief `json:"images"`
	}
	if err := c.do(httpReq, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// GetImagesDetailed lists full records.
func (c *Client) GetImagesDetailed(ctx context.Context, filters image.Filters) ([]*image.Image, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/images/detail?"+filterQuery(filters).Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var resp struct {
		Images []*image.Image `json:"images"`
	}
	if err := c.do(httpReq, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// DownloadImage streams the payload. The caller owns the returned reader.
func (c *Client) DownloadImage(ctx context.Context, id string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.imageURL(id)+"/file", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.auth(httpReq)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}

func (c *Client) imageURL(id string) string {
	return c.baseURL + "/v1/images/" + url.PathEscape(id)
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do runs the request, maps failures and decodes a JSON body into out when
// the expected status arrives.
func (c *Client) do(req *http.Request, expectStatus int, out any) error {
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectStatus {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func filterQuery(filters image.Filters) url.Values {
	q := url.Values{}
	if filters.Name != "" {
		q.Set("name", filters.Name)
	}
	if filters.Status != "" {
		q.Set("status", string(filters.Status))
	}
	if filters.DiskFormat != "" {
		q.Set("disk_format", filters.DiskFormat)
	}
	if filters.ContainerFormat != "" {
		q.Set("container_format", filters.ContainerFormat)
	}
	if filters.IsPublic != nil {
		q.Set("is_public", strconv.FormatBool(*filters.IsPublic))
	}
	if filters.IncludeDeleted {
		q.Set("deleted", "true")
	}
	if filters.Marker != "" {
		q.Set("marker", filters.Marker)
	}
	if filters.Limit > 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}
	return q
}
