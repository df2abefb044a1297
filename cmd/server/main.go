package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "streamgate/internal/api/http"
	"streamgate/internal/app"
	"streamgate/internal/domain/ports"
	"streamgate/internal/metrics"
	mongorepo "streamgate/internal/repository/mongo"
	"streamgate/internal/services/torrent/engine/anacrolix"
	"streamgate/internal/services/torrent/engine/ffprobe"
	"streamgate/internal/telemetry"
	"streamgate/internal/usecase"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "streamgate")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "streamgate"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.Duration("metadataTimeout", cfg.MetadataTimeout),
		slog.Duration("idleTimeout", cfg.IdleTimeout),
		slog.Bool("historyEnabled", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Mongo is optional: without it the gateway serves streams but keeps no
	// playback history.
	var mongoClient *mongo.Client
	var history ports.HistoryStore
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		mongoClient, err = mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err == nil {
			err = mongoClient.Ping(ctx, readpref.Primary())
		}
		cancel()
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		repo := mongorepo.NewPlaybackHistoryRepository(mongoClient, cfg.MongoDatabase)
		if err := repo.EnsureIndexes(rootCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		history = repo
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:     cfg.TorrentDataDir,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	streamUC := &usecase.StreamFile{
		Engine:          engine,
		MetadataTimeout: cfg.MetadataTimeout,
		MetadataRetries: cfg.MetadataRetries,
		Logger:          logger,
	}
	createUC := &usecase.CreateStream{Stream: streamUC, History: history, Logger: logger}
	probeUC := &usecase.ProbeTracks{
		Stream:      streamUC,
		Prober:      ffprobe.New(cfg.FFProbePath, cfg.ProbeTimeout),
		PrefixBytes: cfg.ProbePrefixBytes,
		TTL:         cfg.ProbeCacheTTL,
	}
	destroyUC := &usecase.DestroyStream{Engine: engine, History: history, Logger: logger}
	statsUC := &usecase.StreamStats{Engine: engine}

	handler := apihttp.NewServer(createUC,
		apihttp.WithLogger(logger),
		apihttp.WithStreamFile(streamUC),
		apihttp.WithProbeTracks(probeUC),
		apihttp.WithDestroyStream(destroyUC),
		apihttp.WithStreamStats(statsUC),
		apihttp.WithEngine(engine),
		apihttp.WithHistory(history),
		apihttp.WithMaxChunkBytes(cfg.MaxChunkBytes),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	)

	// Periodically update Prometheus gauges and push stats to WS clients.
	go updateEngineMetrics(rootCtx, statsUC, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

func updateEngineMetrics(ctx context.Context, statsUC *usecase.StreamStats, handler *apihttp.Server) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := statsUC.List()
			metrics.ActiveSessions.Set(float64(len(stats)))
			var dlTotal, ulTotal int64
			var peersTotal int64
			for _, st := range stats {
				dlTotal += st.DownloadSpeed
				ulTotal += st.UploadSpeed
				peersTotal += int64(st.Peers)
			}
			metrics.DownloadSpeedBytes.Set(float64(dlTotal))
			metrics.UploadSpeedBytes.Set(float64(ulTotal))
			metrics.PeersConnected.Set(float64(peersTotal))
			handler.BroadcastStats(stats)
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
