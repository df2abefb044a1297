package usecase

import (
	"errors"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
)

// StreamStats exposes point-sample statistics for the polling stats consumer.
// NotFound is an expected outcome for a session that has since been evicted.
type StreamStats struct {
	Engine ports.Engine
}

func (uc *StreamStats) Execute(id domain.InfoHash) (domain.StreamStats, error) {
	if uc.Engine == nil {
		return domain.StreamStats{}, errors.New("engine not configured")
	}
	stats, err := uc.Engine.Stats(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.StreamStats{}, err
		}
		return domain.StreamStats{}, wrapEngine(err)
	}
	return stats, nil
}

// List samples every live session, skipping any evicted mid-iteration.
func (uc *StreamStats) List() []domain.StreamStats {
	if uc.Engine == nil {
		return nil
	}
	ids := uc.Engine.List()
	out := make([]domain.StreamStats, 0, len(ids))
	for _, id := range ids {
		stats, err := uc.Engine.Stats(id)
		if err != nil {
			continue
		}
		out = append(out, stats)
	}
	return out
}
