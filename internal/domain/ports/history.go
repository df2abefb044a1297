package ports

import (
	"context"
	"time"

	"streamgate/internal/domain"
)

// PlaybackRecord is the persisted trace of one streaming session, used by the
// catalog application for "continue watching" surfaces.
type PlaybackRecord struct {
	InfoHash       domain.InfoHash
	Magnet         string
	FileIndex      int
	FileName       string
	BytesDelivered int64
	StartedAt      time.Time
	LastSeenAt     time.Time
	ClosedAt       time.Time
}

type HistoryStore interface {
	Upsert(ctx context.Context, rec PlaybackRecord) error
	AddBytes(ctx context.Context, id domain.InfoHash, delta int64) error
	MarkClosed(ctx context.Context, id domain.InfoHash, at time.Time) error
	Get(ctx context.Context, id domain.InfoHash) (PlaybackRecord, error)
	ListRecent(ctx context.Context, limit int) ([]PlaybackRecord, error)
}
