package domain

import "errors"

var (
	// ErrNotFound is returned when a session, file or cached result does not
	// exist, including one that was just evicted.
	ErrNotFound = errors.New("not found")

	// ErrCreateFailed is returned when the underlying add-torrent operation
	// itself failed (e.g. malformed magnet). Never retried.
	ErrCreateFailed = errors.New("session create failed")

	// ErrMetadataTimeout is returned when torrent metadata never resolved
	// within the configured timeout across all retry attempts.
	ErrMetadataTimeout = errors.New("metadata timeout")

	// ErrProbeFailed is returned when the external prober timed out or
	// produced unusable output. Probe failures are never cached.
	ErrProbeFailed = errors.New("media probe failed")
)
