// Package engine implements the per-task execution paths - download,
// upload, and parallel-download - each returning a terminal TaskStatus
// plus an optional TransferError. The coordinator that schedules and
// supervises these runs lives in internal/coordinator.
package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel error kinds, checked via errors.Is against the Kind field
// wrapped inside a TransferError.
var (
	ErrGeneral      = errors.New("general")
	ErrFileSystem   = errors.New("file system")
	ErrConnection   = errors.New("connection")
	ErrHTTPResponse = errors.New("http response")
	ErrResume       = errors.New("resume")
)

// TransferError is the exception record carried on a failed/notFound
// final status: a Kind (one of the sentinels above), an optional HTTP
// status code, and a short human-readable description.
type TransferError struct {
	Kind        error
	HTTPStatus  int
	Description string

	// RetryAfter is set on a 429 httpResponse error to the server's
	// requested backoff, parsed from the Retry-After header. Zero if
	// the status wasn't 429 or the header was absent/unparseable.
	RetryAfter time.Duration
}

func (e *TransferError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.HTTPStatus, e.Description)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Description)
}

func (e *TransferError) Unwrap() error {
	return e.Kind
}

// Is lets errors.Is(err, engine.ErrConnection) match a *TransferError
// whose Kind is that sentinel, without requiring callers to unwrap.
func (e *TransferError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func newError(kind error, httpStatus int, description string) *TransferError {
	return &TransferError{Kind: kind, HTTPStatus: httpStatus, Description: description}
}

// NewGeneralError builds a TransferError of kind general.
func NewGeneralError(description string) *TransferError {
	return newError(ErrGeneral, 0, description)
}

// NewFileSystemError builds a TransferError of kind fileSystem.
func NewFileSystemError(description string) *TransferError {
	return newError(ErrFileSystem, 0, description)
}

// NewConnectionError builds a TransferError of kind connection.
func NewConnectionError(description string) *TransferError {
	return newError(ErrConnection, 0, description)
}

// NewHTTPResponseError builds a TransferError of kind httpResponse
// carrying the response status code.
func NewHTTPResponseError(status int, description string) *TransferError {
	return newError(ErrHTTPResponse, status, description)
}

// ParseRetryAfter parses an HTTP Retry-After header value, which is
// either a delay in seconds or an HTTP-date. Returns 0 if v is empty
// or neither form parses.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// NewResumeError builds a TransferError of kind resume.
func NewResumeError(description string) *TransferError {
	return newError(ErrResume, 0, description)
}
