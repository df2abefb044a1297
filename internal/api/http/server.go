package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"streamgate/internal/domain"
	domainports "streamgate/internal/domain/ports"
	"streamgate/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type CreateStreamUseCase interface {
	Execute(ctx context.Context, src domain.StreamSource) (domain.StreamStats, error)
}

type StreamFileUseCase interface {
	Execute(ctx context.Context, src domain.StreamSource, fileIndex int, hint string) (usecase.StreamResult, error)
	ExecuteByID(ctx context.Context, id domain.InfoHash, fileIndex int, hint string) (usecase.StreamResult, error)
}

type ProbeTracksUseCase interface {
	Execute(ctx context.Context, src domain.StreamSource, fileIndex int) (domain.MediaInfo, error)
	ExecuteByID(ctx context.Context, id domain.InfoHash, fileIndex int) (domain.MediaInfo, error)
}

type DestroyStreamUseCase interface {
	Execute(ctx context.Context, id domain.InfoHash) error
}

type StreamStatsUseCase interface {
	Execute(id domain.InfoHash) (domain.StreamStats, error)
	List() []domain.StreamStats
}

type Server struct {
	createStream   CreateStreamUseCase
	streamFile     StreamFileUseCase
	probeTracks    ProbeTracksUseCase
	destroyStream  DestroyStreamUseCase
	streamStats    StreamStatsUseCase
	engine         domainports.Engine
	history        domainports.HistoryStore
	subtitles      domainports.SubtitleConverter
	maxChunkBytes  int64
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithStreamFile(uc StreamFileUseCase) ServerOption {
	return func(s *Server) {
		s.streamFile = uc
	}
}

func WithProbeTracks(uc ProbeTracksUseCase) ServerOption {
	return func(s *Server) {
		s.probeTracks = uc
	}
}

func WithDestroyStream(uc DestroyStreamUseCase) ServerOption {
	return func(s *Server) {
		s.destroyStream = uc
	}
}

func WithStreamStats(uc StreamStatsUseCase) ServerOption {
	return func(s *Server) {
		s.streamStats = uc
	}
}

func WithEngine(engine domainports.Engine) ServerOption {
	return func(s *Server) {
		s.engine = engine
	}
}

func WithHistory(store domainports.HistoryStore) ServerOption {
	return func(s *Server) {
		s.history = store
	}
}

func WithSubtitleConverter(conv domainports.SubtitleConverter) ServerOption {
	return func(s *Server) {
		s.subtitles = conv
	}
}

// WithMaxChunkBytes caps the byte count of a single range response.
// Zero disables the cap.
func WithMaxChunkBytes(n int64) ServerOption {
	return func(s *Server) {
		s.maxChunkBytes = n
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(create CreateStreamUseCase, opts ...ServerOption) *Server {
	s := &Server{
		createStream: create,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/streams/", s.handleStreamByID)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "streamgate",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close shuts the WebSocket hub down, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.wsHub.enter(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// BroadcastStats sends session stat snapshots to all WebSocket clients.
func (s *Server) BroadcastStats(stats []domain.StreamStats) {
	if s.wsHub != nil {
		s.wsHub.BroadcastStats(stats)
	}
}
