package ports

import "context"

// SubtitleConverter is the external text-format collaborator: raw subtitle
// bytes plus a declared source format in, normalized subtitle text out. Its
// internals live outside this service.
type SubtitleConverter interface {
	Convert(ctx context.Context, raw []byte, sourceFormat string) ([]byte, error)
}
