package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
)

// DestroyStream is the convergence point of the cleanup protocol: explicit
// requests, best-effort beacons and idle eviction all end here. A second
// destroy for an already-gone or never-existing session is a defined no-op.
type DestroyStream struct {
	Engine  ports.Engine
	History ports.HistoryStore
	Logger  *slog.Logger
}

func (uc *DestroyStream) Execute(ctx context.Context, id domain.InfoHash) error {
	if uc.Engine == nil {
		return errors.New("engine not configured")
	}

	if err := uc.Engine.Destroy(ctx, id); err != nil {
		return wrapEngine(err)
	}

	if uc.History != nil {
		if err := uc.History.MarkClosed(ctx, id, time.Now().UTC()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			if uc.Logger != nil {
				uc.Logger.Warn("history close failed",
					slog.String("infoHash", string(id)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}
