package ports

import (
	"context"

	"streamgate/internal/domain"
)

// Session is one live streaming session, bound to a specific torrent
// incarnation. Destroy targets this instance: a session recreated under the
// same identifier is a different Session and is unaffected.
type Session interface {
	ID() domain.InfoHash
	Magnet() string

	// AwaitMetadata blocks until the torrent's file list is known, the context
	// expires, or the session is destroyed.
	AwaitMetadata(ctx context.Context) error

	Files() []domain.FileRef

	// SelectFile returns the file at index, or for a negative index the
	// largest file matching the media type hint ("video", "" for any).
	SelectFile(index int, hint string) (domain.FileRef, error)

	// Prioritize asks the torrent engine to fetch the byte range ahead of
	// other pieces.
	Prioritize(file domain.FileRef, r domain.Range, prio domain.Priority)

	NewReader(file domain.FileRef) (StreamReader, error)

	// Destroy releases this instance's resources. Idempotent.
	Destroy() error
}
