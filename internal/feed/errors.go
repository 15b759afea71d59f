package feed

import (
	"errors"
	"fmt"
)

// ErrUnsafeURL marks a feed URL rejected before any request was made.
var ErrUnsafeURL = errors.New("unsafe feed url")

// UnsafeURLError names the check that rejected a URL.
type UnsafeURLError struct {
	URL    string
	Reason string
}

func (e *UnsafeURLError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrUnsafeURL.Error(), e.URL, e.Reason)
}

func (e *UnsafeURLError) Unwrap() error {
	return ErrUnsafeURL
}

// HTTPStatusError is returned for any response other than 2xx or 304.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// ParseError wraps a body that could not be read as any supported feed format.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse feed %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
