package source

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures reported by adapters.
type ErrorKind string

const (
	NotFound          ErrorKind = "not found"
	AccessDenied      ErrorKind = "access denied"
	MalformedResponse ErrorKind = "malformed response"
	Transient         ErrorKind = "transient"
)

// ErrSkip is returned by Describe when the source marks a record as not
// harvestable (confidential, metadata-only, deleted...).
var ErrSkip = errors.New("record skipped by source")

// SourceError is the error type returned by adapters. Only Transient errors
// are retried, and only inside the adapter.
type SourceError struct {
	Kind   ErrorKind
	Source string
	URL    string
	Status int
	Err    error
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.URL != "" {
		msg = msg + " " + e.URL
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Cause() error { return e.Err }

func kindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func IsNotFound(err error) bool { return kindOf(err) == NotFound }

func IsAccessDenied(err error) bool { return kindOf(err) == AccessDenied }

func IsMalformed(err error) bool { return kindOf(err) == MalformedResponse }

func IsTransient(err error) bool { return kindOf(err) == Transient }
