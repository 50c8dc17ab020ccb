package upstream

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies upstream failures for retry decisions and reporting.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindHTTPError     ErrorKind = "http_error"
	KindEmptyResponse ErrorKind = "empty_response"
)

// UpstreamError wraps a provider call failure with its classification.
type UpstreamError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s (%s): %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s (%s)", e.Provider, e.Kind)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Classify converts a raw client error into an UpstreamError.
func Classify(provider string, err error) *UpstreamError {
	kind := KindHTTPError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &UpstreamError{Kind: kind, Provider: provider, Err: err}
}

// AsUpstream extracts an UpstreamError if err carries one.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
