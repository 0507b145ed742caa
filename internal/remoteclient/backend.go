// Package remoteclient implements the remote timeline client (C8):
// a storage-backend-agnostic upload/download path with crash-atomic
// local materialization, conditional (ETag-based) downloads, byte
// ranges, and a retry policy that distinguishes transient from
// permanent failures.
//
// Grounded on spec.md §4.8. The Backend interface is deliberately
// thin so the S3 (aws-sdk-go-v2), Azure (azblob), and in-memory test
// backends all implement it the same way the teacher's pathdb layer
// abstracts over its underlying key-value store.
package remoteclient

import (
	"context"
	"errors"
	"io"

	"github.com/neondatabase/pageserver-go/internal/errs"
)

// ByteRange requests bytes [Start, End) of an object. End of nil means
// "to end of object"; an End beyond the object's length is clamped to
// it by the backend.
type ByteRange struct {
	Start int64
	End   *int64
}

// Object is the result of a successful Get.
type Object struct {
	Body io.ReadCloser
	ETag string
	Size int64
}

// Meta is the result of a Head call.
type Meta struct {
	ETag string
	Size int64
}

// Backend is the minimal object-store surface the remote timeline
// client drives. Implementations translate their own error shapes
// (HTTP status, SDK error types) into the errs.Kind taxonomy: 404 →
// errs.KindNotFound, other 4xx → errs.KindBadInput, timeouts/5xx/
// connection resets → errs.KindTransient. S3Backend and AzureBackend
// report any error they cannot classify as errs.KindTransient; a raw,
// unclassified error reaching Client is treated as errs.KindOther.
type Backend interface {
	// Put uploads body (exactly size bytes) to key.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get downloads key, optionally restricted to rng and optionally
	// conditional on ifNoneMatch. If the stored object's ETag equals
	// ifNoneMatch, Get returns errs.ErrUnmodified.
	Get(ctx context.Context, key string, rng *ByteRange, ifNoneMatch string) (*Object, error)

	// Head returns metadata without downloading the body.
	Head(ctx context.Context, key string) (Meta, error)

	// Delete removes one object. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// DeleteObjects removes up to 1024 objects in one batch request.
	DeleteObjects(ctx context.Context, keys []string) error

	// List returns every key with the given prefix, handling
	// pagination internally and preserving key order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// classify maps a raw backend error to its errs.Kind if it is not
// already a classified *errs.Error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *errs.Error
	if errors.As(err, &classified) {
		return err
	}
	return errs.Wrap(errs.KindOther, "remoteclient", err)
}
