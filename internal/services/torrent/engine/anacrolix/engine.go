package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
	"streamgate/internal/metrics"
)

var ErrSessionNotFound = domain.ErrNotFound

// addMagnetTimeout caps the time we wait for the anacrolix client to accept a
// magnet link. AddMagnet can block on an internal client mutex when the
// client is busy resolving metadata for another torrent.
const defaultAddTimeout = 10 * time.Second

type Config struct {
	DataDir     string
	IdleTimeout time.Duration // destroy sessions idle longer than this; 0 = disabled
	AddTimeout  time.Duration
	Logger      *slog.Logger
}

// Engine owns the identifier -> session table. It guarantees at most one live
// session per infohash and coalesces concurrent creations for the same
// identifier onto a single in-flight AddMagnet call.
type Engine struct {
	client      *torrent.Client
	idleTimeout time.Duration
	addTimeout  time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[domain.InfoHash]*Session
	pending  map[domain.InfoHash]*inflightCreate
	gen      uint64
}

// inflightCreate is shared by all callers racing GetOrCreate for one
// identifier; the loser callers wait on done instead of adding a duplicate
// torrent.
type inflightCreate struct {
	done chan struct{}
	sess *Session
	err  error
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	e := NewWithClient(client)
	e.idleTimeout = cfg.IdleTimeout
	if cfg.AddTimeout > 0 {
		e.addTimeout = cfg.AddTimeout
	}
	if cfg.Logger != nil {
		e.logger = cfg.Logger
	}
	return e, nil
}

func NewWithClient(client *torrent.Client) *Engine {
	return &Engine{
		client:     client,
		addTimeout: defaultAddTimeout,
		logger:     slog.Default(),
		sessions:   make(map[domain.InfoHash]*Session),
		pending:    make(map[domain.InfoHash]*inflightCreate),
	}
}

func (e *Engine) GetOrCreate(ctx context.Context, src domain.StreamSource) (ports.Session, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}

	m, err := metainfo.ParseMagnetUri(src.Magnet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCreateFailed, err)
	}
	id := domain.NormalizeInfoHash(m.InfoHash.HexString())

	for {
		e.mu.Lock()
		if s, ok := e.sessions[id]; ok && !s.isDestroyed() {
			e.mu.Unlock()
			s.touch()
			return s, nil
		}
		if fl, ok := e.pending[id]; ok {
			e.mu.Unlock()
			select {
			case <-fl.done:
				if fl.err != nil {
					return nil, fl.err
				}
				if fl.sess.isDestroyed() {
					// The shared creation resolved but the session was
					// destroyed before we observed it; start over.
					continue
				}
				return fl.sess, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		fl := &inflightCreate{done: make(chan struct{})}
		e.pending[id] = fl
		e.gen++
		gen := e.gen
		e.mu.Unlock()

		sess, createErr := e.createSession(ctx, id, src.Magnet, gen)

		e.mu.Lock()
		delete(e.pending, id)
		if createErr == nil {
			e.sessions[id] = sess
		}
		e.mu.Unlock()

		fl.sess, fl.err = sess, createErr
		close(fl.done)

		if createErr != nil {
			return nil, createErr
		}
		return sess, nil
	}
}

// createSession runs AddMagnet under a timeout so an HTTP handler never
// blocks indefinitely on a busy client, then wires the session's lifecycle
// (metadata watcher, idle timer).
func (e *Engine) createSession(ctx context.Context, id domain.InfoHash, magnet string, gen uint64) (*Session, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, err := e.client.AddMagnet(magnet)
		ch <- addResult{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCreateFailed, res.err)
		}
		t = res.t
	case <-time.After(e.addTimeout):
		// The goroutine may still complete AddMagnet after we return; drop
		// the orphaned torrent when it does.
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, fmt.Errorf("%w: torrent client busy", domain.ErrCreateFailed)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ctx.Err()
	}

	s := &Session{
		engine:    e,
		torrent:   t,
		id:        id,
		magnet:    magnet,
		gen:       gen,
		createdAt: time.Now().UTC(),
		phase:     domain.PhaseCreated,
		destroyCh: make(chan struct{}),
	}
	s.transition(domain.PhaseAwaitingMetadata)

	if e.idleTimeout > 0 {
		s.idleTimer = time.AfterFunc(e.idleTimeout, func() {
			e.logger.Info("evicting idle session",
				slog.String("infoHash", string(id)),
				slog.Uint64("gen", gen),
				slog.Duration("idleTimeout", e.idleTimeout),
			)
			metrics.SessionsEvictedTotal.Inc()
			_ = s.Destroy()
		})
	}

	go s.watchMetadata()

	e.logger.Info("session created",
		slog.String("infoHash", string(id)),
		slog.Uint64("gen", gen),
	)
	return s, nil
}

func (e *Engine) Get(ctx context.Context, id domain.InfoHash) (ports.Session, error) {
	s := e.lookup(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	s.touch()
	return s, nil
}

// Destroy removes the current session for the identifier. Absent or already
// destroyed identifiers are a defined no-op.
func (e *Engine) Destroy(ctx context.Context, id domain.InfoHash) error {
	s := e.lookup(id)
	if s == nil {
		return nil
	}
	return s.Destroy()
}

func (e *Engine) RecordDelivery(id domain.InfoHash, bytes int64, elapsed time.Duration) error {
	s := e.lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.recordDelivery(bytes, elapsed)
	return nil
}

func (e *Engine) Stats(id domain.InfoHash) (domain.StreamStats, error) {
	s := e.lookup(id)
	if s == nil {
		return domain.StreamStats{}, ErrSessionNotFound
	}
	// Stats polling is deliberately not an idle-timer reset: a dashboard
	// polling once per second must not keep an abandoned session alive.
	return s.snapshot(), nil
}

func (e *Engine) List() []domain.InfoHash {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]domain.InfoHash, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) Close() error {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		_ = s.Destroy()
	}

	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

func (e *Engine) lookup(id domain.InfoHash) *Session {
	e.mu.Lock()
	s := e.sessions[id]
	e.mu.Unlock()
	if s == nil || s.isDestroyed() {
		return nil
	}
	return s
}

// detach removes a specific session instance from the table. A destroy that
// lost a race against a fresh creation for the same identifier finds a
// different instance in the map and leaves it alone.
func (e *Engine) detach(s *Session) {
	e.mu.Lock()
	if cur, ok := e.sessions[s.id]; ok && cur == s {
		delete(e.sessions, s.id)
	}
	e.mu.Unlock()
}

// freeOSMemory returns freed memory to the OS promptly after dropping a
// session. Without this, the GC may hold freed piece buffers for a long
// time, which causes OOM on memory-constrained hosts.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}
