package ffprobe

import (
	"strconv"
	"strings"

	"streamgate/internal/domain"
)

// languageNames maps common ISO 639-2/B codes from container metadata to
// display names. Unknown codes fall through to the raw code.
var languageNames = map[string]string{
	"eng": "English",
	"spa": "Spanish",
	"fre": "French",
	"fra": "French",
	"ger": "German",
	"deu": "German",
	"ita": "Italian",
	"por": "Portuguese",
	"rus": "Russian",
	"jpn": "Japanese",
	"kor": "Korean",
	"chi": "Chinese",
	"zho": "Chinese",
	"ara": "Arabic",
	"hin": "Hindi",
	"tur": "Turkish",
	"pol": "Polish",
	"dut": "Dutch",
	"nld": "Dutch",
	"swe": "Swedish",
	"nor": "Norwegian",
	"dan": "Danish",
	"fin": "Finnish",
	"heb": "Hebrew",
	"tha": "Thai",
	"vie": "Vietnamese",
	"ind": "Indonesian",
	"ukr": "Ukrainian",
	"cze": "Czech",
	"ces": "Czech",
	"hun": "Hungarian",
	"gre": "Greek",
	"ell": "Greek",
	"rum": "Romanian",
	"ron": "Romanian",
	"und": "",
}

// synthesizeLabel produces a human-readable track label when the container
// carries no explicit title: language name, then channel layout for audio,
// then the codec. Tracks with a title keep it.
func synthesizeLabel(track domain.MediaTrack, channelLayout string) string {
	if track.Title != "" {
		return track.Title
	}

	var parts []string
	lang := strings.ToLower(track.Language)
	if name, ok := languageNames[lang]; ok {
		if name != "" {
			parts = append(parts, name)
		}
	} else if lang != "" {
		parts = append(parts, track.Language)
	}

	if track.Type == "audio" {
		if layout := describeChannels(track.Channels, channelLayout); layout != "" {
			parts = append(parts, layout)
		}
	}

	if track.Codec != "" {
		parts = append(parts, strings.ToUpper(track.Codec))
	}

	if len(parts) == 0 {
		return "Track " + strconv.Itoa(track.Index+1)
	}
	return strings.Join(parts, " ")
}

func describeChannels(channels int, layout string) string {
	switch {
	case strings.Contains(layout, "5.1"):
		return "5.1"
	case strings.Contains(layout, "7.1"):
		return "7.1"
	case layout == "stereo" || channels == 2:
		return "Stereo"
	case layout == "mono" || channels == 1:
		return "Mono"
	case channels == 6:
		return "5.1"
	case channels == 8:
		return "7.1"
	case layout != "":
		return layout
	default:
		return ""
	}
}
