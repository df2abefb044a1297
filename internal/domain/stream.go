package domain

import "strings"

// InfoHash is the 40-hex-character content hash that uniquely names a
// torrent's metadata. It is the session key throughout the gateway.
type InfoHash string

func (h InfoHash) String() string { return string(h) }

// NormalizeInfoHash lowercases a hex infohash so map lookups are
// case-insensitive (magnet URIs carry both cases in the wild).
func NormalizeInfoHash(raw string) InfoHash {
	return InfoHash(strings.ToLower(strings.TrimSpace(raw)))
}

// StreamSource identifies the torrent a streaming session is built from.
type StreamSource struct {
	Magnet string `json:"magnet"`
}

// FileRef is a reference to one file within a session's torrent.
type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

// Range is a byte range within a file.
type Range struct {
	Off    int64
	Length int64
}

type Priority int

const (
	PriorityNone      Priority = -1
	PriorityNormal    Priority = 0
	PriorityReadahead Priority = 1 // within the readahead window
	PriorityNext      Priority = 2 // very next bytes to be consumed
	PriorityHigh      Priority = 3 // immediate need, fetch first
)
