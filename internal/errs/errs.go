// Package errs defines the module-wide error taxonomy (spec.md §7):
// a small set of typed sentinel kinds that every layer, remote-client,
// and queue package classifies its failures into, so retry policy and
// logging can be driven off one switch instead of ad hoc string
// matching.
package errs

import "errors"

// Kind classifies an error for retry and logging policy.
type Kind int

const (
	// KindOther is the default for an error that hasn't been
	// classified; treated like BadInput (not retried).
	KindOther Kind = iota
	// KindCorruption covers summary mismatches, CRC failures,
	// disk_consistent_lsn disagreement, out-of-order B-tree input, and
	// truncated blobs. Fatal for the affected layer/index.
	KindCorruption
	// KindNotFound covers expected-absent objects.
	KindNotFound
	// KindUnmodified is a success-shaped result: a conditional
	// download's ETag matched.
	KindUnmodified
	// KindTransient covers timeouts, 5xx, and connection resets;
	// retried with backoff.
	KindTransient
	// KindCancelled is cooperative shutdown; propagates unchanged and
	// is never logged as an error.
	KindCancelled
	// KindBadInput covers 4xx from remote storage and malformed
	// config; surfaced to the caller without retry.
	KindBadInput
	// KindInvariantViolation covers stale-generation detection and
	// similar local programming-invariant breaks; fatal.
	KindInvariantViolation
)

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err, or KindOther if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Retryable reports whether an error of this kind should be retried
// with backoff.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

var (
	ErrNotFound   = New(KindNotFound, "not found")
	ErrUnmodified = New(KindUnmodified, "unmodified")
	ErrCancelled  = New(KindCancelled, "cancelled")
)
