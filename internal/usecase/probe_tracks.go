package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/metrics"
)

const (
	defaultProbePrefixBytes int64 = 2 << 20
	defaultProbeCacheTTL          = 5 * time.Minute
)

// MediaProber is the external subprocess collaborator that turns a bounded
// media prefix into track descriptors.
type MediaProber interface {
	ProbeReader(ctx context.Context, reader io.Reader) (domain.MediaInfo, error)
}

type probeKey struct {
	id        domain.InfoHash
	fileIndex int
}

type probeEntry struct {
	info      domain.MediaInfo
	expiresAt time.Time
}

// probeCall is an in-flight probe shared by all concurrent callers with the
// same key; it is removed from the pending map once resolved or failed.
type probeCall struct {
	done chan struct{}
	info domain.MediaInfo
	err  error
}

// ProbeTracks answers "what tracks does this file contain" with TTL caching
// of successes and single-flight coalescing of concurrent misses. Failures
// are never cached.
type ProbeTracks struct {
	Stream      *StreamFile
	Prober      MediaProber
	PrefixBytes int64
	TTL         time.Duration
	Now         func() time.Time // test hook; defaults to time.Now

	mu      sync.Mutex
	cache   map[probeKey]probeEntry
	pending map[probeKey]*probeCall
}

func (uc *ProbeTracks) Execute(ctx context.Context, src domain.StreamSource, fileIndex int) (domain.MediaInfo, error) {
	if uc.Stream == nil || uc.Prober == nil {
		return domain.MediaInfo{}, errors.New("probe not configured")
	}

	result, err := uc.Stream.Execute(ctx, src, fileIndex, "")
	if err != nil {
		return domain.MediaInfo{}, err
	}
	return uc.resolve(ctx, result)
}

// ExecuteByID probes a file of an already-live session; an unknown
// identifier surfaces domain.ErrNotFound.
func (uc *ProbeTracks) ExecuteByID(ctx context.Context, id domain.InfoHash, fileIndex int) (domain.MediaInfo, error) {
	if uc.Stream == nil || uc.Prober == nil {
		return domain.MediaInfo{}, errors.New("probe not configured")
	}

	result, err := uc.Stream.ExecuteByID(ctx, id, fileIndex, "")
	if err != nil {
		return domain.MediaInfo{}, err
	}
	return uc.resolve(ctx, result)
}

func (uc *ProbeTracks) resolve(ctx context.Context, result StreamResult) (domain.MediaInfo, error) {
	key := probeKey{id: result.Session.ID(), fileIndex: result.File.Index}

	uc.mu.Lock()
	if uc.cache == nil {
		uc.cache = make(map[probeKey]probeEntry)
	}
	if uc.pending == nil {
		uc.pending = make(map[probeKey]*probeCall)
	}
	if entry, ok := uc.cache[key]; ok {
		if uc.now().Before(entry.expiresAt) {
			uc.mu.Unlock()
			_ = result.Reader.Close()
			metrics.ProbeCacheHitsTotal.Inc()
			return entry.info, nil
		}
		delete(uc.cache, key)
	}
	if call, ok := uc.pending[key]; ok {
		uc.mu.Unlock()
		_ = result.Reader.Close()
		select {
		case <-call.done:
			return call.info, call.err
		case <-ctx.Done():
			return domain.MediaInfo{}, ctx.Err()
		}
	}
	call := &probeCall{done: make(chan struct{})}
	uc.pending[key] = call
	uc.mu.Unlock()
	metrics.ProbeCacheMissesTotal.Inc()

	call.info, call.err = uc.probe(ctx, result)

	uc.mu.Lock()
	delete(uc.pending, key)
	if call.err == nil {
		uc.cache[key] = probeEntry{info: call.info, expiresAt: uc.now().Add(uc.ttl())}
	}
	uc.mu.Unlock()
	close(call.done)

	return call.info, call.err
}

func (uc *ProbeTracks) probe(ctx context.Context, result StreamResult) (domain.MediaInfo, error) {
	defer result.Reader.Close()

	prefix := uc.PrefixBytes
	if prefix <= 0 {
		prefix = defaultProbePrefixBytes
	}
	if result.File.Length > 0 && prefix > result.File.Length {
		prefix = result.File.Length
	}

	// Pull the prefix ahead of other pieces so the probe does not starve
	// behind a concurrent playback stream.
	result.Prioritize(domain.Range{Off: 0, Length: prefix})

	return uc.Prober.ProbeReader(ctx, io.LimitReader(result.Reader, prefix))
}

func (uc *ProbeTracks) ttl() time.Duration {
	if uc.TTL > 0 {
		return uc.TTL
	}
	return defaultProbeCacheTTL
}

func (uc *ProbeTracks) now() time.Time {
	if uc.Now != nil {
		return uc.Now()
	}
	return time.Now()
}
