package anacrolix

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
)

// Session is one incarnation of a torrent streaming session. The pointer
// identity is the generation: destroy acts on this instance only, so a
// session recreated under the same infohash after eviction is never destroyed
// by a stale cleanup call.
type Session struct {
	engine    *Engine
	torrent   *torrent.Torrent
	id        domain.InfoHash
	magnet    string
	gen       uint64
	createdAt time.Time

	mu             sync.Mutex
	phase          domain.SessionPhase
	files          []domain.FileRef
	idleTimer      *time.Timer
	lastAccess     time.Time
	bytesDelivered int64
	speed          speedSample
	destroyCh      chan struct{}
}

func (s *Session) ID() domain.InfoHash { return s.id }
func (s *Session) Magnet() string      { return s.magnet }

// watchMetadata flips the session to Ready as soon as the torrent's info
// arrives, so Files() works without every caller passing through
// AwaitMetadata.
func (s *Session) watchMetadata() {
	select {
	case <-s.torrent.GotInfo():
		s.markReady()
	case <-s.destroyCh:
	}
}

func (s *Session) AwaitMetadata(ctx context.Context) error {
	if s.isDestroyed() {
		return domain.ErrNotFound
	}
	select {
	case <-s.torrent.GotInfo():
		s.markReady()
		s.touch()
		return nil
	case <-s.destroyCh:
		return domain.ErrNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != domain.PhaseAwaitingMetadata {
		return
	}
	s.phase = domain.PhaseReady
	s.files = mapFiles(s.torrent)
}

func (s *Session) Files() []domain.FileRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FileRef(nil), s.files...)
}

// videoExtensions is the media type hint filter for heuristic file selection.
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".webm": true,
	".mov": true, ".m4v": true, ".ts": true, ".wmv": true, ".flv": true,
}

func (s *Session) SelectFile(index int, hint string) (domain.FileRef, error) {
	s.touch()
	files := s.Files()
	if len(files) == 0 {
		return domain.FileRef{}, domain.ErrNotFound
	}

	if index >= 0 {
		if index >= len(files) {
			return domain.FileRef{}, domain.ErrNotFound
		}
		return files[index], nil
	}

	// Heuristic: largest file, preferring the media type hint when one is
	// given. Falls back to the overall largest when nothing matches the hint.
	best := -1
	bestHinted := -1
	for i, f := range files {
		if best < 0 || f.Length > files[best].Length {
			best = i
		}
		if hint == "video" && !videoExtensions[strings.ToLower(path.Ext(f.Path))] {
			continue
		}
		if bestHinted < 0 || f.Length > files[bestHinted].Length {
			bestHinted = i
		}
	}
	if hint != "" && bestHinted >= 0 {
		return files[bestHinted], nil
	}
	return files[best], nil
}

func (s *Session) Prioritize(file domain.FileRef, r domain.Range, prio domain.Priority) {
	if s.torrent == nil || s.isDestroyed() || !torrentInfoReady(s.torrent) {
		return
	}
	applyPiecePriority(s.torrent, s.id, file, r, prio)
}

func (s *Session) NewReader(file domain.FileRef) (ports.StreamReader, error) {
	if s.torrent == nil || s.isDestroyed() {
		return nil, domain.ErrNotFound
	}
	if !torrentInfoReady(s.torrent) {
		return nil, domain.ErrNotFound
	}
	files := s.torrent.Files()
	if file.Index < 0 || file.Index >= len(files) {
		return nil, domain.ErrNotFound
	}
	s.touch()
	return files[file.Index].NewReader(), nil
}

// Destroy tears down this instance: phase flips to Destroyed, the idle timer
// stops, the torrent is dropped, and the registry entry is removed only if it
// still points at this instance. Safe to call any number of times.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.phase == domain.PhaseDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.phase = domain.PhaseDestroyed
	close(s.destroyCh)
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	s.engine.detach(s)
	if s.torrent != nil {
		s.torrent.Drop()
	}
	freeOSMemory()

	s.engine.logger.Info("session destroyed",
		slog.String("infoHash", string(s.id)),
		slog.Uint64("gen", s.gen),
	)
	return nil
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == domain.PhaseDestroyed
}

func (s *Session) Phase() domain.SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// transition applies a phase change, dropping invalid ones. Creation-time
// only; runtime changes go through markReady/Destroy.
func (s *Session) transition(to domain.SessionPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.CanTransition(s.phase, to) {
		return
	}
	s.phase = to
}

// touch resets the idle-eviction timer. Any file lookup, reader creation or
// byte delivery counts as activity.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == domain.PhaseDestroyed {
		return
	}
	s.lastAccess = time.Now().UTC()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.engine.idleTimeout)
	}
}

func (s *Session) recordDelivery(bytes int64, elapsed time.Duration) {
	s.mu.Lock()
	if s.phase != domain.PhaseDestroyed {
		s.bytesDelivered += bytes
		s.lastAccess = time.Now().UTC()
		if s.idleTimer != nil {
			s.idleTimer.Reset(s.engine.idleTimeout)
		}
	}
	s.mu.Unlock()
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

// snapshot builds a point-sample of the session's statistics. Download and
// upload speeds are derived from deltas between consecutive torrent.Stats()
// samples, so the first call after creation reports zero.
func (s *Session) snapshot() domain.StreamStats {
	now := time.Now().UTC()
	stats := s.torrent.Stats()
	ready := torrentInfoReady(s.torrent)

	var progress float64
	var files []domain.FileRef
	if ready {
		length := s.torrent.Length()
		if length > 0 {
			progress = float64(s.torrent.BytesCompleted()) / float64(length)
		}
		files = mapFiles(s.torrent)
	}

	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	s.mu.Lock()
	defer s.mu.Unlock()

	var download, upload int64
	prev := s.speed
	s.speed = speedSample{at: now, bytesRead: currentRead, bytesWritten: currentWritten}
	if !prev.at.IsZero() {
		dt := now.Sub(prev.at).Seconds()
		if dt > 0 {
			if delta := currentRead - prev.bytesRead; delta > 0 {
				download = int64(float64(delta) / dt)
			}
			if delta := currentWritten - prev.bytesWritten; delta > 0 {
				upload = int64(float64(delta) / dt)
			}
		}
	}

	return domain.StreamStats{
		InfoHash:       s.id,
		Phase:          s.phase,
		Progress:       progress,
		Peers:          stats.ActivePeers,
		DownloadSpeed:  download,
		UploadSpeed:    upload,
		BytesDelivered: s.bytesDelivered,
		Files:          files,
		UpdatedAt:      now,
	}
}
