package domain

import "time"

// StreamStats is an eventually-consistent point sample of a live session.
// It is not linearizable with delivery events; consumers poll it.
type StreamStats struct {
	InfoHash       InfoHash     `json:"infoHash"`
	Phase          SessionPhase `json:"phase"`
	Progress       float64      `json:"progress"`
	Peers          int          `json:"peers"`
	DownloadSpeed  int64        `json:"downloadSpeed"`
	UploadSpeed    int64        `json:"uploadSpeed"`
	BytesDelivered int64        `json:"bytesDelivered"`
	Files          []FileRef    `json:"files,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}
