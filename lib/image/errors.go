package image

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("image not found")
	ErrConflict          = errors.New("image id already in use")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("operation not permitted for caller")
)

// ValidationError reports a malformed or disallowed field value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
