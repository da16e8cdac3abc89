package gateway

import (
	"errors"
	"net/http"

	"unichat/internal/providers"
)

type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindQuotaExceeded   ErrorKind = "quota_exceeded"
	KindProviderFailure ErrorKind = "provider_failure"
)

// Error is the gateway's closed failure taxonomy. Message is safe to
// show to the end user.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// wrapProviderErr folds an arbitrary provider error into the taxonomy,
// preferring the HTTP status over body text when one is available.
func wrapProviderErr(err error) *Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}

	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindUnauthenticated, Message: "provider rejected the API credential", cause: err}
		case http.StatusTooManyRequests:
			return &Error{Kind: KindQuotaExceeded, Message: "provider quota or rate limit exceeded", cause: err}
		}
	}
	return &Error{Kind: KindProviderFailure, Message: err.Error(), cause: err}
}
