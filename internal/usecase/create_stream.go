package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
)

// CreateStream warms a session up front: creates it, waits through the
// metadata retry loop and returns a first stats snapshot. Streaming itself
// does not require this call; it exists so a UI can resolve the file list
// before committing to playback.
type CreateStream struct {
	Stream  *StreamFile
	History ports.HistoryStore
	Logger  *slog.Logger
}

func (uc *CreateStream) Execute(ctx context.Context, src domain.StreamSource) (domain.StreamStats, error) {
	if uc.Stream == nil || uc.Stream.Engine == nil {
		return domain.StreamStats{}, errors.New("engine not configured")
	}

	session, err := uc.Stream.resolveSession(ctx, src)
	if err != nil {
		return domain.StreamStats{}, err
	}

	if uc.History != nil {
		rec := ports.PlaybackRecord{
			InfoHash:  session.ID(),
			Magnet:    session.Magnet(),
			StartedAt: time.Now().UTC(),
		}
		if err := uc.History.Upsert(ctx, rec); err != nil && uc.Logger != nil {
			uc.Logger.Warn("history upsert failed",
				slog.String("infoHash", string(session.ID())),
				slog.String("error", err.Error()),
			)
		}
	}

	stats, err := uc.Stream.Engine.Stats(session.ID())
	if err != nil {
		return domain.StreamStats{}, wrapEngine(err)
	}
	return stats, nil
}
