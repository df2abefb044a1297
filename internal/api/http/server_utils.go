package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"streamgate/internal/domain"
	"streamgate/internal/usecase"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "stream not found")
		return
	}
	if errors.Is(err, domain.ErrCreateFailed) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid magnet")
		return
	}
	if errors.Is(err, usecase.ErrInvalidFileIndex) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIndex")
		return
	}
	if errors.Is(err, domain.ErrMetadataTimeout) {
		writeError(w, http.StatusGatewayTimeout, "metadata_timeout", "torrent metadata not received in time")
		return
	}
	if errors.Is(err, domain.ErrProbeFailed) {
		writeError(w, http.StatusBadGateway, "probe_failed", "media probe failed")
		return
	}
	if errors.Is(err, usecase.ErrEngine) {
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var (
	errInvalidRange        = errors.New("invalid range")
	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

func parseByteRange(value string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errRangeNotSatisfiable
	}

	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return 0, 0, errInvalidRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) == 1 {
		parts = append(parts, "")
	}
	if len(parts) != 2 {
		return 0, 0, errInvalidRange
	}

	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr == "" {
		if endStr == "" {
			return 0, 0, errInvalidRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		start := size - suffix
		end := size - 1
		return start, end, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}

	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}

	if endStr == "" {
		return start, size - 1, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, errInvalidRange
	}
	if end < start {
		return 0, 0, errInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// clampChunk bounds the end of an accepted range so a single response never
// exceeds maxChunk bytes. Players follow up with the next range themselves.
func clampChunk(start, end, maxChunk int64) int64 {
	if maxChunk <= 0 {
		return end
	}
	if capEnd := start + maxChunk - 1; capEnd < end {
		return capEnd
	}
	return end
}

func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".m4v":
		return "video/x-m4v"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// subtitleFormat returns the declared subtitle format for a file path, or ""
// when the file is not a subtitle.
func subtitleFormat(filePath string) string {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".srt":
		return "srt"
	case ".vtt":
		return "vtt"
	case ".ass":
		return "ass"
	case ".ssa":
		return "ssa"
	case ".sub":
		return "sub"
	default:
		return ""
	}
}

func subtitleContentType(format string) string {
	if format == "vtt" {
		return "text/vtt; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

func parseFileIndex(value string) (int, bool) {
	index, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}
