// Package apperr defines the error kinds surfaced by the retrieval, generation
// and pairing engines. Callers branch on the Kind to decide retry policy.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindUnknown is returned by KindOf for errors not produced by this package.
	KindUnknown Kind = "unknown"

	// KindIndexUnavailable means the vector store could not be reached.
	// Fatal to the current run; the whole run is safe to retry later.
	KindIndexUnavailable Kind = "index_unavailable"

	// KindEmbeddingFailure means a single text could not be embedded.
	KindEmbeddingFailure Kind = "embedding_failure"

	// KindGenerationParse means the LLM output did not match the expected shape.
	// Never retried automatically.
	KindGenerationParse Kind = "generation_parse_error"

	// KindInsufficientRoster means a pairing run had fewer students than the group size.
	KindInsufficientRoster Kind = "insufficient_roster"

	// KindTransportTimeout and KindRateLimited are transport-level LLM/embedding
	// failures. They are retried with bounded exponential backoff.
	KindTransportTimeout Kind = "transport_timeout"
	KindRateLimited      Kind = "rate_limited"
)

// Error carries a Kind, the id of the item it concerns (may be empty) and the cause.
type Error struct {
	Kind Kind
	ID   string
	Err  error
}

// New wraps err with the given kind. A nil err still produces an error.
func New(kind Kind, id string, err error) *Error {
	return &Error{Kind: kind, ID: id, Err: err}
}

// Errorf builds an Error from a format string.
func Errorf(kind Kind, id string, format string, args ...any) *Error {
	return &Error{Kind: kind, ID: id, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.ID != "" {
		msg += " [" + e.ID + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, apperr.ErrRateLimited)
// works regardless of id or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrIndexUnavailable   = &Error{Kind: KindIndexUnavailable}
	ErrEmbeddingFailure   = &Error{Kind: KindEmbeddingFailure}
	ErrGenerationParse    = &Error{Kind: KindGenerationParse}
	ErrInsufficientRoster = &Error{Kind: KindInsufficientRoster}
	ErrTransportTimeout   = &Error{Kind: KindTransportTimeout}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
)

// KindOf returns the Kind of the first *Error in err's chain.
// A bare context.DeadlineExceeded is reported as a transport timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransportTimeout
	}
	return KindUnknown
}

// IsTransient reports whether err is a transport-level failure worth retrying.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransportTimeout, KindRateLimited:
		return true
	}
	return false
}
