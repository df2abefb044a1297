package domain

// MediaTrack describes one audio, subtitle or video track inside a media
// container. Label is synthesized from language/channels/codec when the
// container carries no explicit title.
type MediaTrack struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	Codec    string `json:"codec"`
	Language string `json:"language"`
	Title    string `json:"title"`
	Label    string `json:"label"`
	Channels int    `json:"channels,omitempty"`
	Default  bool   `json:"default"`
	Forced   bool   `json:"forced"`
}

type MediaInfo struct {
	Tracks   []MediaTrack `json:"tracks"`
	Duration float64      `json:"duration"`
}
