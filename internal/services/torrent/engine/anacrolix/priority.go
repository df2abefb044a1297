package anacrolix

import (
	"log/slog"

	"github.com/anacrolix/torrent"

	"streamgate/internal/domain"
)

type pieceSpan struct {
	start int
	end   int
}

func mapPriority(prio domain.Priority) torrent.PiecePriority {
	switch prio {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityReadahead:
		return torrent.PiecePriorityReadahead
	case domain.PriorityNext:
		return torrent.PiecePriorityNext
	case domain.PriorityHigh:
		return torrent.PiecePriorityNow
	default:
		return torrent.PiecePriorityNormal
	}
}

func applyPiecePriority(t *torrent.Torrent, id domain.InfoHash, file domain.FileRef, r domain.Range, prio domain.Priority) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("applyPiecePriority recovered from panic",
				slog.Any("panic", rec),
				slog.String("infoHash", string(id)),
			)
		}
	}()

	files := t.Files()
	if file.Index < 0 || file.Index >= len(files) {
		return
	}

	span, ok := computePieceSpan(t, files[file.Index], r)
	if !ok {
		return
	}

	target := mapPriority(prio)
	for i := span.start; i < span.end; i++ {
		t.Piece(i).SetPriority(target)
	}
}

// computePieceSpan converts a byte range within a file to the half-open piece
// index range [start, end) covering it, clamped to the torrent's bounds.
func computePieceSpan(t *torrent.Torrent, f *torrent.File, r domain.Range) (pieceSpan, bool) {
	if t == nil || f == nil {
		return pieceSpan{}, false
	}
	if r.Length <= 0 {
		return pieceSpan{}, false
	}
	pieceSize := int64(t.Info().PieceLength)
	if pieceSize <= 0 {
		return pieceSpan{}, false
	}
	fileOffset := f.Offset()
	fileLength := f.Length()
	if fileLength <= 0 {
		return pieceSpan{}, false
	}
	start := fileOffset + r.Off
	if start < fileOffset {
		start = fileOffset
	}
	fileEnd := fileOffset + fileLength
	if start >= fileEnd {
		return pieceSpan{}, false
	}
	end := start + r.Length
	if end > fileEnd || end < start {
		end = fileEnd
	}

	startPiece := int(start / pieceSize)
	endPiece := int((end + pieceSize - 1) / pieceSize)
	if endPiece <= startPiece {
		endPiece = startPiece + 1
	}

	numPieces := t.NumPieces()
	if numPieces <= 0 {
		return pieceSpan{}, false
	}
	if startPiece < 0 {
		startPiece = 0
	}
	if startPiece >= numPieces {
		return pieceSpan{}, false
	}
	if endPiece > numPieces {
		endPiece = numPieces
	}
	if endPiece <= startPiece {
		return pieceSpan{}, false
	}

	return pieceSpan{start: startPiece, end: endPiece}, true
}
