package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/domain/ports"
	"streamgate/internal/usecase"
)

type sliceReader struct {
	*bytes.Reader
	closed int
}

func (r *sliceReader) SetContext(ctx context.Context) {}
func (r *sliceReader) SetReadahead(n int64)           {}
func (r *sliceReader) SetResponsive()                 {}
func (r *sliceReader) Close() error {
	r.closed++
	return nil
}

type stubSession struct {
	id domain.InfoHash
}

func (s *stubSession) ID() domain.InfoHash                 { return s.id }
func (s *stubSession) Magnet() string                      { return "" }
func (s *stubSession) AwaitMetadata(context.Context) error { return nil }
func (s *stubSession) Files() []domain.FileRef             { return nil }
func (s *stubSession) SelectFile(int, string) (domain.FileRef, error) {
	return domain.FileRef{}, domain.ErrNotFound
}
func (s *stubSession) Prioritize(domain.FileRef, domain.Range, domain.Priority) {}
func (s *stubSession) NewReader(domain.FileRef) (ports.StreamReader, error) {
	return nil, domain.ErrNotFound
}
func (s *stubSession) Destroy() error { return nil }

type fakeStreamFileUC struct {
	data []byte
	file domain.FileRef
	err  error

	magnets     []string
	byIDCalls   int
	prioritized []domain.Range
}

func (f *fakeStreamFileUC) newResult() usecase.StreamResult {
	return usecase.StreamResult{
		File:    f.file,
		Reader:  &sliceReader{Reader: bytes.NewReader(f.data)},
		Session: &stubSession{id: "aa11"},
		Prioritize: func(r domain.Range) {
			f.prioritized = append(f.prioritized, r)
		},
	}
}

func (f *fakeStreamFileUC) Execute(ctx context.Context, src domain.StreamSource, fileIndex int, hint string) (usecase.StreamResult, error) {
	f.magnets = append(f.magnets, src.Magnet)
	if f.err != nil {
		return usecase.StreamResult{}, f.err
	}
	return f.newResult(), nil
}

func (f *fakeStreamFileUC) ExecuteByID(ctx context.Context, id domain.InfoHash, fileIndex int, hint string) (usecase.StreamResult, error) {
	f.byIDCalls++
	if f.err != nil {
		return usecase.StreamResult{}, f.err
	}
	return f.newResult(), nil
}

type fakeCreateUC struct {
	stats domain.StreamStats
	err   error
	calls int
}

func (f *fakeCreateUC) Execute(ctx context.Context, src domain.StreamSource) (domain.StreamStats, error) {
	f.calls++
	return f.stats, f.err
}

type fakeProbeUC struct {
	info        domain.MediaInfo
	err         error
	byIDCalls   int
	magnetCalls int
}

func (f *fakeProbeUC) Execute(ctx context.Context, src domain.StreamSource, fileIndex int) (domain.MediaInfo, error) {
	f.magnetCalls++
	return f.info, f.err
}

func (f *fakeProbeUC) ExecuteByID(ctx context.Context, id domain.InfoHash, fileIndex int) (domain.MediaInfo, error) {
	f.byIDCalls++
	return f.info, f.err
}

type fakeDestroyUC struct {
	err   error
	calls []domain.InfoHash
}

func (f *fakeDestroyUC) Execute(ctx context.Context, id domain.InfoHash) error {
	f.calls = append(f.calls, id)
	return f.err
}

type fakeStatsUC struct {
	stats domain.StreamStats
	err   error
	items []domain.StreamStats
}

func (f *fakeStatsUC) Execute(id domain.InfoHash) (domain.StreamStats, error) {
	return f.stats, f.err
}

func (f *fakeStatsUC) List() []domain.StreamStats { return f.items }

type recordingEngine struct {
	recorded []int64
}

func (e *recordingEngine) GetOrCreate(context.Context, domain.StreamSource) (ports.Session, error) {
	return nil, domain.ErrCreateFailed
}
func (e *recordingEngine) Get(context.Context, domain.InfoHash) (ports.Session, error) {
	return nil, domain.ErrNotFound
}
func (e *recordingEngine) Destroy(context.Context, domain.InfoHash) error { return nil }
func (e *recordingEngine) RecordDelivery(id domain.InfoHash, bytes int64, elapsed time.Duration) error {
	e.recorded = append(e.recorded, bytes)
	return nil
}
func (e *recordingEngine) Stats(domain.InfoHash) (domain.StreamStats, error) {
	return domain.StreamStats{}, domain.ErrNotFound
}
func (e *recordingEngine) List() []domain.InfoHash { return nil }
func (e *recordingEngine) Close() error            { return nil }

type memoryHistory struct {
	records []ports.PlaybackRecord
	added   map[domain.InfoHash]int64
	listErr error
}

func (h *memoryHistory) Upsert(ctx context.Context, rec ports.PlaybackRecord) error { return nil }
func (h *memoryHistory) AddBytes(ctx context.Context, id domain.InfoHash, delta int64) error {
	if h.added == nil {
		h.added = make(map[domain.InfoHash]int64)
	}
	h.added[id] += delta
	return nil
}
func (h *memoryHistory) MarkClosed(ctx context.Context, id domain.InfoHash, at time.Time) error {
	return nil
}
func (h *memoryHistory) Get(ctx context.Context, id domain.InfoHash) (ports.PlaybackRecord, error) {
	return ports.PlaybackRecord{}, domain.ErrNotFound
}
func (h *memoryHistory) ListRecent(ctx context.Context, limit int) ([]ports.PlaybackRecord, error) {
	if h.listErr != nil {
		return nil, h.listErr
	}
	if limit < len(h.records) {
		return h.records[:limit], nil
	}
	return h.records, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mediaBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func decodeErrorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var envelope errorEnvelope
	if err := json.Unmarshal(body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, body.String())
	}
	return envelope.Error.Code
}

func TestStreamFileRangeRequest(t *testing.T) {
	data := mediaBytes(1000)
	streamUC := &fakeStreamFileUC{
		data: data,
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: 1000},
	}
	engine := &recordingEngine{}
	srv := NewServer(nil,
		WithLogger(testLogger()),
		WithStreamFile(streamUC),
		WithEngine(engine),
	)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	req.Header.Set("Range", "bytes=100-299")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206 (body %q)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-299/1000" {
		t.Fatalf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "200" {
		t.Fatalf("Content-Length = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("Accept-Ranges = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[100:300]) {
		t.Fatal("body does not match the requested slice")
	}
	if streamUC.byIDCalls != 1 {
		t.Fatalf("byIDCalls = %d, want 1", streamUC.byIDCalls)
	}
	if len(streamUC.prioritized) != 1 || streamUC.prioritized[0] != (domain.Range{Off: 100, Length: 200}) {
		t.Fatalf("prioritized = %+v, want the exact requested range", streamUC.prioritized)
	}
	if len(engine.recorded) != 1 || engine.recorded[0] != 200 {
		t.Fatalf("engine recorded = %v, want [200]", engine.recorded)
	}
}

func TestStreamFileChunkCap(t *testing.T) {
	data := mediaBytes(1000)
	streamUC := &fakeStreamFileUC{
		data: data,
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: 1000},
	}
	srv := NewServer(nil,
		WithLogger(testLogger()),
		WithStreamFile(streamUC),
		WithMaxChunkBytes(100),
	)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	req.Header.Set("Range", "bytes=0-")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-99/1000" {
		t.Fatalf("Content-Range = %q, want the capped chunk", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[:100]) {
		t.Fatal("body does not match the capped chunk")
	}
}

func TestStreamFileReportsDeliveryPerSlice(t *testing.T) {
	size := int64(2*deliveryReportBytes + 512)
	streamUC := &fakeStreamFileUC{
		data: mediaBytes(int(size)),
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: size},
	}
	engine := &recordingEngine{}
	history := &memoryHistory{}
	srv := NewServer(nil,
		WithLogger(testLogger()),
		WithStreamFile(streamUC),
		WithEngine(engine),
		WithHistory(history),
	)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	req.Header.Set("Range", "bytes=0-")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if int64(rec.Body.Len()) != size {
		t.Fatalf("body length = %d, want %d", rec.Body.Len(), size)
	}

	// A long copy must report activity slice by slice, not once at the end,
	// so the session's idle timer keeps resetting while bytes are flowing.
	want := []int64{deliveryReportBytes, deliveryReportBytes, 512}
	if len(engine.recorded) != len(want) {
		t.Fatalf("recorded deliveries = %v, want %v", engine.recorded, want)
	}
	for i, n := range want {
		if engine.recorded[i] != n {
			t.Fatalf("recorded[%d] = %d, want %d", i, engine.recorded[i], n)
		}
	}
	if history.added["aa11"] != size {
		t.Fatalf("history bytes = %d, want %d", history.added["aa11"], size)
	}
}

func TestStreamFileRangeNotSatisfiable(t *testing.T) {
	streamUC := &fakeStreamFileUC{
		data: mediaBytes(1000),
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: 1000},
	}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamFile(streamUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	req.Header.Set("Range", "bytes=5000-")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */1000" {
		t.Fatalf("Content-Range = %q, want bytes */1000", got)
	}
}

func TestStreamFileInvalidRange(t *testing.T) {
	streamUC := &fakeStreamFileUC{
		data: mediaBytes(100),
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: 100},
	}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamFile(streamUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	req.Header.Set("Range", "bytes=10-5")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "invalid_request" {
		t.Fatalf("error code = %q", code)
	}
}

func TestStreamFileFullBody(t *testing.T) {
	data := mediaBytes(500)
	streamUC := &fakeStreamFileUC{
		data: data,
		file: domain.FileRef{Index: 0, Path: "movie/movie.mp4", Length: 500},
	}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamFile(streamUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "video/mp4") {
		t.Fatalf("Content-Type = %q, want video/mp4", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatal("body does not match the full file")
	}
}

func TestStreamFileHead(t *testing.T) {
	streamUC := &fakeStreamFileUC{
		data: mediaBytes(500),
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: 500},
	}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamFile(streamUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodHead, "/streams/aa11/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "500" {
		t.Fatalf("Content-Length = %q, want 500", got)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD response carried %d body bytes", rec.Body.Len())
	}
}

func TestStreamFileLazyCreateByMagnet(t *testing.T) {
	streamUC := &fakeStreamFileUC{
		data: mediaBytes(100),
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: 100},
	}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamFile(streamUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0?magnet=magnet%3A%3Fxt%3Dx", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(streamUC.magnets) != 1 || streamUC.byIDCalls != 0 {
		t.Fatalf("magnet calls = %d, byID calls = %d; want the magnet path", len(streamUC.magnets), streamUC.byIDCalls)
	}
}

func TestStreamFileNotFound(t *testing.T) {
	streamUC := &fakeStreamFileUC{err: domain.ErrNotFound}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamFile(streamUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/dead/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "not_found" {
		t.Fatalf("error code = %q", code)
	}
}

func TestStreamFileMetadataTimeout(t *testing.T) {
	streamUC := &fakeStreamFileUC{err: domain.ErrMetadataTimeout}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamFile(streamUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "metadata_timeout" {
		t.Fatalf("error code = %q", code)
	}
}

type vttConverter struct {
	out  []byte
	err  error
	seen string
}

func (c *vttConverter) Convert(ctx context.Context, raw []byte, sourceFormat string) ([]byte, error) {
	c.seen = sourceFormat
	return c.out, c.err
}

func TestStreamFileSubtitleConversion(t *testing.T) {
	srt := []byte("1\n00:00:01,000 --> 00:00:02,000\nhello\n")
	converter := &vttConverter{out: []byte("WEBVTT\n\n00:00:01.000 --> 00:00:02.000\nhello\n")}
	streamUC := &fakeStreamFileUC{
		data: srt,
		file: domain.FileRef{Index: 2, Path: "movie/subs.srt", Length: int64(len(srt))},
	}
	srv := NewServer(nil,
		WithLogger(testLogger()),
		WithStreamFile(streamUC),
		WithSubtitleConverter(converter),
	)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/2", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if converter.seen != "srt" {
		t.Fatalf("converter saw format %q, want srt", converter.seen)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/vtt; charset=utf-8" {
		t.Fatalf("Content-Type = %q, want text/vtt", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), converter.out) {
		t.Fatal("body is not the converted subtitle")
	}
}

func TestStreamFileSubtitleConversionFallsBackToRaw(t *testing.T) {
	srt := []byte("1\n00:00:01,000 --> 00:00:02,000\nhello\n")
	converter := &vttConverter{err: errors.New("converter unavailable")}
	streamUC := &fakeStreamFileUC{
		data: srt,
		file: domain.FileRef{Index: 2, Path: "movie/subs.srt", Length: int64(len(srt))},
	}
	srv := NewServer(nil,
		WithLogger(testLogger()),
		WithStreamFile(streamUC),
		WithSubtitleConverter(converter),
	)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/2", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (conversion is best-effort)", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("Content-Type = %q, want text/plain for raw srt", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), srt) {
		t.Fatal("body is not the raw subtitle")
	}
}

func TestStreamFileDeliveryReachesHistory(t *testing.T) {
	data := mediaBytes(300)
	streamUC := &fakeStreamFileUC{
		data: data,
		file: domain.FileRef{Index: 0, Path: "movie/movie.mkv", Length: 300},
	}
	history := &memoryHistory{}
	srv := NewServer(nil,
		WithLogger(testLogger()),
		WithStreamFile(streamUC),
		WithHistory(history),
	)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if history.added["aa11"] != 300 {
		t.Fatalf("history bytes = %d, want 300", history.added["aa11"])
	}
}

func TestCreateStreamEndpoint(t *testing.T) {
	createUC := &fakeCreateUC{stats: domain.StreamStats{InfoHash: "aa11", Phase: domain.PhaseReady}}
	srv := NewServer(createUC, WithLogger(testLogger()))
	defer srv.Close()

	body := strings.NewReader(`{"magnet":"magnet:?xt=urn:btih:aa11"}`)
	req := httptest.NewRequest(http.MethodPost, "/streams", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %q)", rec.Code, rec.Body.String())
	}
	var stats domain.StreamStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.InfoHash != "aa11" || stats.Phase != domain.PhaseReady {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCreateStreamEndpointRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"magnet":`},
		{name: "empty magnet", body: `{"magnet":"  "}`},
		{name: "unknown field", body: `{"magnet":"x","bogus":true}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			createUC := &fakeCreateUC{}
			srv := NewServer(createUC, WithLogger(testLogger()))
			defer srv.Close()

			req := httptest.NewRequest(http.MethodPost, "/streams", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if createUC.calls != 0 {
				t.Fatal("use case must not run for rejected input")
			}
		})
	}
}

func TestListStreamsEndpoint(t *testing.T) {
	statsUC := &fakeStatsUC{items: []domain.StreamStats{
		{InfoHash: "aa11", Phase: domain.PhaseReady},
		{InfoHash: "bb22", Phase: domain.PhaseAwaitingMetadata},
	}}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamStats(statsUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp streamListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Items) != 2 {
		t.Fatalf("response = %+v, want 2 items", resp)
	}
}

func TestStreamStatsEndpointNotFound(t *testing.T) {
	statsUC := &fakeStatsUC{err: domain.ErrNotFound}
	srv := NewServer(nil, WithLogger(testLogger()), WithStreamStats(statsUC))
	defer srv.Close()

	for _, target := range []string{"/streams/dead", "/streams/dead/stats"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", target, rec.Code)
		}
		if code := decodeErrorCode(t, rec.Body); code != "not_found" {
			t.Fatalf("%s: error code = %q", target, code)
		}
	}
}

func TestDestroyStreamEndpointIdempotent(t *testing.T) {
	destroyUC := &fakeDestroyUC{}
	srv := NewServer(nil, WithLogger(testLogger()), WithDestroyStream(destroyUC))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/streams/aa11", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("delete %d: status = %d, want 204", i+1, rec.Code)
		}
	}
	if len(destroyUC.calls) != 2 {
		t.Fatalf("destroy calls = %d, want 2", len(destroyUC.calls))
	}
}

func TestCleanupBeaconEndpoint(t *testing.T) {
	destroyUC := &fakeDestroyUC{}
	srv := NewServer(nil, WithLogger(testLogger()), WithDestroyStream(destroyUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "/streams/AA11/cleanup", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(destroyUC.calls) != 1 || destroyUC.calls[0] != "aa11" {
		t.Fatalf("destroy calls = %v, want the lowercased id", destroyUC.calls)
	}
}

func TestProbeTracksEndpoint(t *testing.T) {
	probeUC := &fakeProbeUC{info: domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "audio", Codec: "aac", Language: "eng", Label: "English 5.1"},
		},
		Duration: 7200,
	}}
	srv := NewServer(nil, WithLogger(testLogger()), WithProbeTracks(probeUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/tracks/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if probeUC.byIDCalls != 1 || probeUC.magnetCalls != 0 {
		t.Fatalf("byID calls = %d, magnet calls = %d", probeUC.byIDCalls, probeUC.magnetCalls)
	}
	var info domain.MediaInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(info.Tracks) != 1 || info.Tracks[0].Label != "English 5.1" {
		t.Fatalf("info = %+v", info)
	}
}

func TestProbeTracksEndpointProbeFailed(t *testing.T) {
	probeUC := &fakeProbeUC{err: fmt.Errorf("%w: ffprobe exited", domain.ErrProbeFailed)}
	srv := NewServer(nil, WithLogger(testLogger()), WithProbeTracks(probeUC))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/streams/aa11/tracks/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body); code != "probe_failed" {
		t.Fatalf("error code = %q", code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	closed := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	history := &memoryHistory{records: []ports.PlaybackRecord{
		{InfoHash: "aa11", Magnet: "magnet:?xt=x", BytesDelivered: 42, ClosedAt: closed},
		{InfoHash: "bb22", Magnet: "magnet:?xt=y"},
	}}
	srv := NewServer(nil, WithLogger(testLogger()), WithHistory(history))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp historyListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Items[0].ClosedAt == nil || !resp.Items[0].ClosedAt.Equal(closed) {
		t.Fatalf("closedAt = %v, want %v", resp.Items[0].ClosedAt, closed)
	}
	if resp.Items[1].ClosedAt != nil {
		t.Fatal("open session must not carry a closedAt")
	}
}

func TestHistoryEndpointWithoutStore(t *testing.T) {
	srv := NewServer(nil, WithLogger(testLogger()))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (degraded mode)", rec.Code)
	}
	var resp historyListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 0 {
		t.Fatalf("items = %d, want 0", len(resp.Items))
	}
}

func TestHistoryEndpointInvalidLimit(t *testing.T) {
	srv := NewServer(nil, WithLogger(testLogger()), WithHistory(&memoryHistory{}))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/history?limit=zero", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStreamByIDRejectsUnknownPaths(t *testing.T) {
	srv := NewServer(nil, WithLogger(testLogger()))
	defer srv.Close()

	for _, target := range []string{"/streams/aa11/bogus", "/streams/aa11/-1", "/streams/aa11/0/extra/deep"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", target, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := NewServer(nil, WithLogger(testLogger()))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
}
