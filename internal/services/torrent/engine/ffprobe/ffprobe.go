package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/domain"
)

// Prober runs an external ffprobe subprocess against a bounded byte prefix of
// a media file and parses its JSON output into track descriptors. The
// subprocess is bounded by a timeout; on expiry its whole process group is
// killed.
type Prober struct {
	binary  string
	timeout time.Duration
}

const defaultProbeTimeout = 15 * time.Second

func New(binary string, timeout time.Duration) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{binary: bin, timeout: timeout}
}

// ProbeReader pipes the reader (already bounded by the caller) into ffprobe's
// stdin and returns the parsed track list. Errors wrap domain.ErrProbeFailed.
func (p *Prober) ProbeReader(ctx context.Context, reader io.Reader) (domain.MediaInfo, error) {
	if reader == nil {
		return domain.MediaInfo{}, fmt.Errorf("%w: reader is required", domain.ErrProbeFailed)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		"-i", "pipe:0",
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdin = reader
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcGroup(cmd)
	cmd.Cancel = func() error { return killProcGroup(cmd) }

	runErr := cmd.Run()

	info, parseErr := parseProbeOutput(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return domain.MediaInfo{}, fmt.Errorf("%w: %v: %s", domain.ErrProbeFailed, runErr, trimStderr(stderr))
		}
		return domain.MediaInfo{}, fmt.Errorf("%w: output parse: %v", domain.ErrProbeFailed, parseErr)
	}

	// ffprobe exits non-zero when its input is truncated (it always is for a
	// bounded prefix) yet still emits usable stream metadata. Keep it.
	if runErr != nil && len(info.Tracks) == 0 {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.MediaInfo{}, fmt.Errorf("%w: prober timed out", domain.ErrProbeFailed)
		}
		return domain.MediaInfo{}, fmt.Errorf("%w: %v: %s", domain.ErrProbeFailed, runErr, trimStderr(stderr))
	}

	return info, nil
}

func trimStderr(buf bytes.Buffer) string {
	msg := strings.TrimSpace(buf.String())
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType     string            `json:"codec_type"`
	CodecName     string            `json:"codec_name"`
	Channels      int               `json:"channels"`
	ChannelLayout string            `json:"channel_layout"`
	Tags          map[string]string `json:"tags"`
	Disposition   struct {
		Default int `json:"default"`
		Forced  int `json:"forced"`
	} `json:"disposition"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

func parseProbeOutput(data []byte) (domain.MediaInfo, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.MediaInfo{}, err
	}

	tracks := make([]domain.MediaTrack, 0, len(payload.Streams))
	indexByType := map[string]int{}

	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video", "audio", "subtitle":
		default:
			continue
		}
		track := domain.MediaTrack{
			Index:    indexByType[stream.CodecType],
			Type:     stream.CodecType,
			Codec:    stream.CodecName,
			Language: strings.TrimSpace(getTag(stream.Tags, "language")),
			Title:    strings.TrimSpace(getTag(stream.Tags, "title")),
			Channels: stream.Channels,
			Default:  stream.Disposition.Default == 1,
			Forced:   stream.Disposition.Forced == 1,
		}
		track.Label = synthesizeLabel(track, stream.ChannelLayout)
		tracks = append(tracks, track)
		indexByType[stream.CodecType]++
	}

	var duration float64
	if payload.Format.Duration != "" {
		if d, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil && d > 0 {
			duration = d
		}
	}

	return domain.MediaInfo{Tracks: tracks, Duration: duration}, nil
}

func getTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	if value, ok := tags[key]; ok {
		return value
	}
	if value, ok := tags[strings.ToUpper(key)]; ok {
		return value
	}
	if value, ok := tags[strings.ToLower(key)]; ok {
		return value
	}
	return ""
}
