package ports

import (
	"context"
	"time"

	"streamgate/internal/domain"
)

// Engine is the session registry and manager: the single source of truth for
// "is there a live session for identifier X", with safe concurrent creation.
type Engine interface {
	// GetOrCreate returns the live session for the source's infohash, creating
	// one if absent. Concurrent calls for the same identifier coalesce onto a
	// single in-flight creation.
	GetOrCreate(ctx context.Context, src domain.StreamSource) (Session, error)

	// Get returns the live session for an identifier or domain.ErrNotFound.
	Get(ctx context.Context, id domain.InfoHash) (Session, error)

	// Destroy removes the current session for the identifier and releases its
	// resources. Destroying an absent or already-destroyed identifier is a
	// harmless no-op.
	Destroy(ctx context.Context, id domain.InfoHash) error

	// RecordDelivery updates rolling delivery statistics and resets the
	// session's idle timer.
	RecordDelivery(id domain.InfoHash, bytes int64, elapsed time.Duration) error

	// Stats returns a point-sample snapshot or domain.ErrNotFound.
	Stats(id domain.InfoHash) (domain.StreamStats, error)

	// List returns the identifiers of all live sessions.
	List() []domain.InfoHash

	Close() error
}
