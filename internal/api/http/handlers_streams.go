package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/metrics"
	"streamgate/internal/usecase"
)

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateStream(w, r)
	case http.MethodGet:
		s.handleListStreams(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createStreamRequest struct {
	Magnet string `json:"magnet"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	if s.createStream == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "create stream use case not configured")
		return
	}

	var body createStreamRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	magnet := strings.TrimSpace(body.Magnet)
	if magnet == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "magnet is required")
		return
	}

	// Cap the handler execution time: the metadata retry loop can legally run
	// for several attempts.
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
	defer cancel()

	stats, err := s.createStream.Execute(ctx, domain.StreamSource{Magnet: magnet})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, stats)
}

type streamListResponse struct {
	Items []domain.StreamStats `json:"items"`
	Count int                  `json:"count"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	if s.streamStats == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stats use case not configured")
		return
	}
	items := s.streamStats.List()
	if items == nil {
		items = []domain.StreamStats{}
	}
	writeJSON(w, http.StatusOK, streamListResponse{Items: items, Count: len(items)})
}

func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	id := domain.NormalizeInfoHash(parts[0])
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleStreamStats(w, r, id)
		case http.MethodDelete:
			s.handleDestroyStream(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "stats":
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.handleStreamStats(w, r, id)
		case "cleanup":
			// Beacon path: navigator.sendBeacon can only POST.
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.handleDestroyStream(w, r, id)
		default:
			fileIndex, ok := parseFileIndex(parts[1])
			if !ok {
				http.NotFound(w, r)
				return
			}
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.handleStreamFile(w, r, id, fileIndex)
		}
		return
	}

	if len(parts) == 3 && parts[1] == "tracks" {
		fileIndex, ok := parseFileIndex(parts[2])
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleProbeTracks(w, r, id, fileIndex)
		return
	}

	http.NotFound(w, r)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request, id domain.InfoHash) {
	if s.streamStats == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stats use case not configured")
		return
	}
	stats, err := s.streamStats.Execute(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDestroyStream(w http.ResponseWriter, r *http.Request, id domain.InfoHash) {
	if s.destroyStream == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "destroy stream use case not configured")
		return
	}
	if err := s.destroyStream.Execute(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProbeTracks(w http.ResponseWriter, r *http.Request, id domain.InfoHash, fileIndex int) {
	if s.probeTracks == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "probe tracks use case not configured")
		return
	}

	var (
		info domain.MediaInfo
		err  error
	)
	if magnet := strings.TrimSpace(r.URL.Query().Get("magnet")); magnet != "" {
		info, err = s.probeTracks.Execute(r.Context(), domain.StreamSource{Magnet: magnet}, fileIndex)
	} else {
		info, err = s.probeTracks.ExecuteByID(r.Context(), id, fileIndex)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if info.Tracks == nil {
		info.Tracks = []domain.MediaTrack{}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request, id domain.InfoHash, fileIndex int) {
	if s.streamFile == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stream file use case not configured")
		return
	}

	ctx := r.Context()

	var (
		result usecase.StreamResult
		err    error
	)
	if magnet := strings.TrimSpace(r.URL.Query().Get("magnet")); magnet != "" {
		// Lazy create: the player's first request carries the magnet so no
		// separate create round-trip is needed.
		result, err = s.streamFile.Execute(ctx, domain.StreamSource{Magnet: magnet}, fileIndex, "")
	} else {
		result, err = s.streamFile.ExecuteByID(ctx, id, fileIndex, "")
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if result.Reader == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stream reader not available")
		return
	}
	defer result.Reader.Close()
	// Do NOT use SetResponsive() here: the responsive reader returns EOF when
	// piece data isn't available yet, which makes io.CopyN terminate early and
	// silently truncate the stream. Let the reader block until pieces arrive.

	if format := subtitleFormat(result.File.Path); format != "" {
		s.serveSubtitle(w, r, result, format)
		return
	}

	ext := strings.ToLower(path.Ext(result.File.Path))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	// Close the connection after streaming to prevent keep-alive from holding
	// the reader open after the player stops playback.
	w.Header().Set("Connection", "close")

	size := result.File.Length

	// HEAD request: return headers only, no body.
	if r.Method == http.MethodHead {
		if size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, err := parseByteRange(rangeHeader, size)
		if errors.Is(err, errInvalidRange) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
			return
		}
		if errors.Is(err, errRangeNotSatisfiable) {
			if size >= 0 {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			}
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}

		end = clampChunk(start, end, s.maxChunkBytes)

		if _, err := result.Reader.Seek(start, io.SeekStart); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to seek stream")
			return
		}
		length := end - start + 1
		result.Prioritize(domain.Range{Off: start, Length: length})

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)

		_, copyErr := s.streamCopy(r.Context(), w, result, length)
		if copyErr != nil {
			s.logger.Debug("stream range copy interrupted",
				slog.String("infoHash", string(id)),
				slog.Int("fileIndex", fileIndex),
				slog.String("error", copyErr.Error()),
			)
		}
		return
	}

	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	result.Prioritize(domain.Range{Off: 0, Length: size})
	w.WriteHeader(http.StatusOK)

	_, copyErr := s.streamCopy(r.Context(), w, result, -1)
	if copyErr != nil {
		s.logger.Debug("stream copy interrupted",
			slog.String("infoHash", string(id)),
			slog.Int("fileIndex", fileIndex),
			slog.String("error", copyErr.Error()),
		)
	}
}

// maxSubtitleBytes caps whole-file subtitle reads; real subtitle files are a
// few hundred kilobytes at most.
const maxSubtitleBytes = 10 << 20

// serveSubtitle reads the whole subtitle file and hands it to the external
// conversion collaborator. Subtitles are small, so no range machinery.
func (s *Server) serveSubtitle(w http.ResponseWriter, r *http.Request, result usecase.StreamResult, format string) {
	length := result.File.Length
	if length <= 0 || length > maxSubtitleBytes {
		writeError(w, http.StatusUnprocessableEntity, "invalid_subtitle", "subtitle file size out of bounds")
		return
	}
	result.Prioritize(domain.Range{Off: 0, Length: length})

	raw, err := io.ReadAll(io.LimitReader(result.Reader, length))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read subtitle")
		return
	}

	out := raw
	started := time.Now()
	if s.subtitles != nil {
		converted, convErr := s.subtitles.Convert(r.Context(), raw, format)
		if convErr != nil {
			// Conversion is best-effort; fall back to the raw bytes.
			s.logger.Warn("subtitle conversion failed",
				slog.String("infoHash", string(result.Session.ID())),
				slog.String("format", format),
				slog.String("error", convErr.Error()),
			)
		} else {
			out = converted
			format = "vtt"
		}
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", subtitleContentType(format))
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", subtitleContentType(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(out)
	s.recordDelivery(r.Context(), result, int64(n), time.Since(started))
}

// deliveryReportBytes slices a response copy into bounded pieces so each
// piece lands in recordDelivery while the stream is still flowing. A single
// report at copy end would let the idle timer evict the session underneath a
// slow but actively-consumed response.
const deliveryReportBytes = 1 << 20

// streamCopy copies up to length bytes from the stream reader to the
// response (negative length means until EOF), reporting every delivered
// slice as session activity.
func (s *Server) streamCopy(ctx context.Context, w io.Writer, result usecase.StreamResult, length int64) (int64, error) {
	var total int64
	for {
		slice := int64(deliveryReportBytes)
		if length >= 0 {
			remaining := length - total
			if remaining <= 0 {
				return total, nil
			}
			if slice > remaining {
				slice = remaining
			}
		}
		started := time.Now()
		n, err := io.CopyN(w, result.Reader, slice)
		total += n
		s.recordDelivery(ctx, result, n, time.Since(started))
		if err != nil {
			if length < 0 && errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

// recordDelivery reports delivered bytes through the engine side channel and
// the history store. A failed report never fails the response that carried
// the bytes.
func (s *Server) recordDelivery(ctx context.Context, result usecase.StreamResult, bytes int64, elapsed time.Duration) {
	if bytes <= 0 {
		return
	}
	metrics.BytesDeliveredTotal.Add(float64(bytes))
	if s.engine != nil {
		_ = s.engine.RecordDelivery(result.Session.ID(), bytes, elapsed)
	}
	if s.history != nil {
		// The request context is often already canceled when the client
		// disconnects mid-copy; use a detached timeout instead.
		histCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.history.AddBytes(histCtx, result.Session.ID(), bytes); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Debug("history byte report failed",
				slog.String("infoHash", string(result.Session.ID())),
				slog.String("error", err.Error()),
			)
		}
	}
}

type historyListResponse struct {
	Items []historyItem `json:"items"`
	Count int           `json:"count"`
}

type historyItem struct {
	InfoHash       domain.InfoHash `json:"infoHash"`
	Magnet         string          `json:"magnet"`
	FileIndex      int             `json:"fileIndex"`
	FileName       string          `json:"fileName,omitempty"`
	BytesDelivered int64           `json:"bytesDelivered"`
	StartedAt      time.Time       `json:"startedAt"`
	LastSeenAt     time.Time       `json:"lastSeenAt"`
	ClosedAt       *time.Time      `json:"closedAt,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// The gateway runs degraded without a history store.
	if s.history == nil {
		writeJSON(w, http.StatusOK, historyListResponse{Items: []historyItem{}})
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = parsed
	}

	records, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}

	items := make([]historyItem, 0, len(records))
	for _, rec := range records {
		item := historyItem{
			InfoHash:       rec.InfoHash,
			Magnet:         rec.Magnet,
			FileIndex:      rec.FileIndex,
			FileName:       rec.FileName,
			BytesDelivered: rec.BytesDelivered,
			StartedAt:      rec.StartedAt,
			LastSeenAt:     rec.LastSeenAt,
		}
		if !rec.ClosedAt.IsZero() {
			closedAt := rec.ClosedAt
			item.ClosedAt = &closedAt
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, historyListResponse{Items: items, Count: len(items)})
}
