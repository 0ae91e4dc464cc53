package artifact

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors for artifact operations.
var (
	// ErrRateLimited indicates the client exhausted its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrValidation indicates the submitted archive was rejected.
	ErrValidation = errors.New("archive validation failed")

	// ErrConflict indicates the version exists with different content.
	ErrConflict = errors.New("artifact version conflict")

	// ErrNotFound indicates the artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrStorage indicates an infrastructure failure.
	ErrStorage = errors.New("storage failure")

	// ErrInvalidName indicates an unacceptable artifact name.
	ErrInvalidName = errors.New("invalid artifact name")

	// ErrInvalidVersion indicates an unacceptable artifact version.
	ErrInvalidVersion = errors.New("invalid artifact version")

	// ErrMissingReleaseTime indicates a descriptor without a release time.
	ErrMissingReleaseTime = errors.New("missing release time")

	// ErrInvalidReleaseTime indicates a release time outside years 1 to 9999.
	ErrInvalidReleaseTime = errors.New("release time out of range")
)

// Reason is the stable reason code of a validation failure.
type Reason string

// Validation reason codes.
const (
	ReasonOversize         Reason = "oversize"
	ReasonMalformed        Reason = "malformed"
	ReasonTraversal        Reason = "traversal"
	ReasonUnsupportedCodec Reason = "unsupported-codec"
)

// ValidationError describes why an archive was rejected.
type ValidationError struct {
	Reason Reason
	// Entry is the offending entry path, if any.
	Entry  string
	Detail string
	Err    error
}

// NewValidationError creates a validation error.
func NewValidationError(reason Reason, entry, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Entry: entry, Detail: detail}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	if e.Entry != "" {
		msg += fmt.Sprintf(" (entry %q)", e.Entry)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RateLimitError carries the wait until enough tokens accrue.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

// Is matches ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// DescriptorError reports a descriptor that fails Validate as a malformed
// archive.
func DescriptorError(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Reason: ReasonMalformed, Entry: "descriptor", Detail: "invalid descriptor", Err: err}
}

// StorageError wraps an infrastructure failure of op.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return errors.Join(ErrStorage, fmt.Errorf("failed to %s: %w", op, err))
}

// ReasonOf returns the validation reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

// RetryAfter returns the wait carried by a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rerr *RateLimitError
	if errors.As(err, &rerr) {
		return rerr.RetryAfter, true
	}
	return 0, false
}

// Code returns the stable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate.limit.exceeded"
	case errors.Is(err, ErrValidation):
		if reason, ok := ReasonOf(err); ok {
			return "validation." + string(reason)
		}
		return "validation.malformed"
	case errors.Is(err, ErrConflict):
		return "artifact.conflict"
	case errors.Is(err, ErrNotFound):
		return "artifact.not.found"
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidVersion),
		errors.Is(err, ErrMissingReleaseTime), errors.Is(err, ErrInvalidReleaseTime):
		return "bad.request"
	case errors.Is(err, ErrStorage):
		return "storage.error"
	default:
		return "internal.server.error"
	}
}

// Retryable returns true if the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrStorage)
}
