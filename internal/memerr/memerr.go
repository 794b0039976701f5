// Package memerr defines the small, closed set of error kinds the memory
// engine's components branch on. Call sites wrap these with fmt.Errorf's
// %w verb and callers unwrap with errors.Is/errors.As; nothing in this
// package ever crosses the hook boundary unwrapped (see internal/hook).
package memerr

import "errors"

// Sentinel kinds. These are the taxonomy from the error handling design:
// every fallible operation in the engine fails with one of these (wrapped
// with context) or succeeds.
var (
	// ErrNotFound means the requested row does not exist. Soft error.
	ErrNotFound = errors.New("memerr: not found")

	// ErrConflict means a write collided with an existing row (e.g. a
	// duplicate dedupe key). Callers translate this into a non-error
	// "duplicate" result rather than surfacing it.
	ErrConflict = errors.New("memerr: conflict")

	// ErrStorageUnavailable means the backing SQL engine could not be
	// reached or is locked past its busy timeout. Fatal to the caller.
	ErrStorageUnavailable = errors.New("memerr: storage unavailable")

	// ErrSchemaVersionMismatch means the on-disk schema predates a column
	// this build expects and self-migration did not resolve it.
	ErrSchemaVersionMismatch = errors.New("memerr: schema version mismatch")

	// ErrEmbedderUnavailable means the embedding provider could not be
	// reached. Retryable by the outbox worker.
	ErrEmbedderUnavailable = errors.New("memerr: embedder unavailable")

	// ErrEmbedderInputInvalid means the embedder rejected its input
	// (e.g. empty text, over its token limit). Retryable in case the
	// condition is transient (truncation upstream, provider hiccup).
	ErrEmbedderInputInvalid = errors.New("memerr: embedder input invalid")

	// ErrCancelled means a caller-supplied deadline elapsed before the
	// operation finished. The retriever returns an empty context rather
	// than a partial one when this occurs.
	ErrCancelled = errors.New("memerr: cancelled")

	// ErrVectorStoreUnavailable means the vector store could not be
	// written to or read from.
	ErrVectorStoreUnavailable = errors.New("memerr: vector store unavailable")
)
