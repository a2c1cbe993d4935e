package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hangarproj/hangar/lib/image"
)

// ConnectionError wraps failures that happened before the server produced a
// response: DNS, dial, TLS, a dropped connection. Retrying is reasonable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("registry unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ClientError is a non-2xx API response that does not map onto one of the
// shared image sentinels.
type ClientError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("registry request failed (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeAPIError turns an error response back into the domain error the
// server started from, so callers can errors.Is against image sentinels
// whether the registry is in-process or across the wire.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		body.Message = string(bytes.TrimSpace(raw))
	}
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", image.ErrNotFound, body.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", image.ErrConflict, body.Message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", image.ErrForbidden, body.Message)
	}
	return &ClientError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Message}
}
