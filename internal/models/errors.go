package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrFeedIDRequired indicates a record without a feed id.
	ErrFeedIDRequired = errors.New("feed_id is required")

	// ErrCapturedAtRequired indicates a snapshot without a capture time.
	ErrCapturedAtRequired = errors.New("captured_at is required")
)
