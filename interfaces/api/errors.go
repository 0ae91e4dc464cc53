package api

import (
	"errors"
	"math"
	"net/http"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// Body is the stable error representation handed to HTTP collaborators.
type Body struct {
	// Status is the HTTP status code.
	Status int `json:"-"`
	// Code is the stable machine-readable code, e.g. "rate.limit.exceeded".
	Code string `json:"code"`
	// Reason is the validation reason for rejected archives.
	Reason string `json:"reason,omitempty"`
	// Entry names the offending archive entry, if any.
	Entry string `json:"entry,omitempty"`
	// RetryAfterSeconds is set for refusals the caller should retry.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// ErrorBody maps err to its stable Body. A nil error yields the zero Body.
func ErrorBody(err error) Body {
	if err == nil {
		return Body{}
	}

	body := Body{Code: artifact.Code(err)}
	switch {
	case errors.Is(err, artifact.ErrRateLimited):
		body.Status = http.StatusTooManyRequests
		if wait, ok := artifact.RetryAfter(err); ok {
			body.RetryAfterSeconds = max(1, int(math.Ceil(wait.Seconds())))
		}
	case errors.Is(err, artifact.ErrValidation):
		body.Status = http.StatusBadRequest
		var verr *artifact.ValidationError
		if errors.As(err, &verr) {
			body.Reason = string(verr.Reason)
			body.Entry = verr.Entry
		}
	case errors.Is(err, artifact.ErrInvalidName), errors.Is(err, artifact.ErrInvalidVersion),
		errors.Is(err, artifact.ErrMissingReleaseTime), errors.Is(err, artifact.ErrInvalidReleaseTime):
		body.Status = http.StatusBadRequest
	case errors.Is(err, artifact.ErrConflict):
		body.Status = http.StatusConflict
	case errors.Is(err, artifact.ErrNotFound):
		body.Status = http.StatusNotFound
	case errors.Is(err, artifact.ErrStorage):
		body.Status = http.StatusServiceUnavailable
	default:
		body.Status = http.StatusInternalServerError
	}
	return body
}
