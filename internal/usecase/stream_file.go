package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
	"streamgate/internal/metrics"
)

const (
	defaultMetadataTimeout = 50 * time.Second
	defaultMetadataRetries = 2

	// startupHighBand is the leading slice of a new stream fetched at top
	// priority so playback starts before the rest of the window fills.
	startupHighBand int64 = 4 << 20
)

// StreamResult is a resolved file handle: a reader positioned at byte zero
// plus a Prioritize hook the HTTP layer calls once it knows the exact
// requested range.
type StreamResult struct {
	File       domain.FileRef
	Reader     ports.StreamReader
	Session    ports.Session
	Prioritize func(r domain.Range)
}

// StreamFile resolves a magnet descriptor into a byte-addressable file,
// creating the session lazily and waiting for metadata with bounded retries:
// each attempt gets MetadataTimeout, a failed attempt destroys the partial
// session, and exhaustion surfaces domain.ErrMetadataTimeout.
type StreamFile struct {
	Engine          ports.Engine
	MetadataTimeout time.Duration
	MetadataRetries int
	Logger          *slog.Logger
}

func (uc *StreamFile) Execute(ctx context.Context, src domain.StreamSource, fileIndex int, hint string) (StreamResult, error) {
	if uc.Engine == nil {
		return StreamResult{}, errors.New("engine not configured")
	}

	session, err := uc.resolveSession(ctx, src)
	if err != nil {
		return StreamResult{}, err
	}

	return uc.open(ctx, session, fileIndex, hint)
}

// ExecuteByID resolves a file against an already-live session. No session is
// created: an unknown identifier surfaces domain.ErrNotFound so the caller
// can fall back to the magnet path.
func (uc *StreamFile) ExecuteByID(ctx context.Context, id domain.InfoHash, fileIndex int, hint string) (StreamResult, error) {
	if uc.Engine == nil {
		return StreamResult{}, errors.New("engine not configured")
	}

	session, err := uc.Engine.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StreamResult{}, err
		}
		return StreamResult{}, wrapEngine(err)
	}

	// The session can still be waiting on metadata if another caller created
	// it moments ago. Wait bounded, but never destroy a session this caller
	// did not create.
	timeout := uc.MetadataTimeout
	if timeout <= 0 {
		timeout = defaultMetadataTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	err = session.AwaitMetadata(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return StreamResult{}, ctx.Err()
		}
		if errors.Is(err, domain.ErrNotFound) {
			return StreamResult{}, err
		}
		return StreamResult{}, domain.ErrMetadataTimeout
	}

	return uc.open(ctx, session, fileIndex, hint)
}

func (uc *StreamFile) open(ctx context.Context, session ports.Session, fileIndex int, hint string) (StreamResult, error) {
	file, err := session.SelectFile(fileIndex, hint)
	if err != nil {
		return StreamResult{}, ErrInvalidFileIndex
	}

	reader, err := session.NewReader(file)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StreamResult{}, ErrInvalidFileIndex
		}
		return StreamResult{}, wrapEngine(err)
	}
	reader.SetContext(ctx)

	return StreamResult{
		File:    file,
		Reader:  reader,
		Session: session,
		Prioritize: func(r domain.Range) {
			prioritizeRange(session, file, r)
		},
	}, nil
}

// resolveSession runs the metadata retry loop. Attempts are independent: a
// timed-out attempt destroys its session so the next one starts from scratch.
func (uc *StreamFile) resolveSession(ctx context.Context, src domain.StreamSource) (ports.Session, error) {
	timeout := uc.MetadataTimeout
	if timeout <= 0 {
		timeout = defaultMetadataTimeout
	}
	retries := uc.MetadataRetries
	if retries < 0 {
		retries = defaultMetadataRetries
	}

	var session ports.Session
	for attempt := 0; attempt <= retries; attempt++ {
		var err error
		session, err = uc.Engine.GetOrCreate(ctx, src)
		if err != nil {
			if errors.Is(err, domain.ErrCreateFailed) {
				return nil, err
			}
			return nil, wrapEngine(err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err = session.AwaitMetadata(waitCtx)
		cancel()
		if err == nil {
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Timed out or the session died under us: tear down and retry fresh.
		_ = session.Destroy()
		if attempt < retries {
			metrics.MetadataRetriesTotal.Inc()
		}
		if uc.Logger != nil {
			uc.Logger.Warn("metadata attempt failed",
				slog.String("infoHash", string(session.ID())),
				slog.Int("attempt", attempt+1),
				slog.Int("maxAttempts", retries+1),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, domain.ErrMetadataTimeout
}

// prioritizeRange signals sequential scheduling for the requested byte range:
// the first few megabytes at top priority, the rest of the range as
// readahead. Short ranges collapse to a single high-priority span.
func prioritizeRange(session ports.Session, file domain.FileRef, r domain.Range) {
	if r.Length <= 0 {
		return
	}
	high := startupHighBand
	if high > r.Length {
		high = r.Length
	}
	session.Prioritize(file, domain.Range{Off: r.Off, Length: high}, domain.PriorityHigh)
	if rest := r.Length - high; rest > 0 {
		session.Prioritize(file, domain.Range{Off: r.Off + high, Length: rest}, domain.PriorityReadahead)
	}
}
