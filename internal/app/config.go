package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	TorrentDataDir     string
	MongoURI           string // empty disables the history store
	MongoDatabase      string
	MetadataTimeout    time.Duration
	MetadataRetries    int
	IdleTimeout        time.Duration
	MaxChunkBytes      int64
	ProbePrefixBytes   int64
	ProbeTimeout       time.Duration
	ProbeCacheTTL      time.Duration
	FFProbePath        string
	CORSAllowedOrigins []string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		TorrentDataDir:     getEnv("TORRENT_DATA_DIR", "data"),
		MongoURI:           getEnv("MONGO_URI", ""),
		MongoDatabase:      getEnv("MONGO_DB", "streamgate"),
		MetadataTimeout:    getEnvDuration("STREAM_METADATA_TIMEOUT", 50*time.Second),
		MetadataRetries:    int(getEnvInt64("STREAM_METADATA_RETRIES", 2)),
		IdleTimeout:        getEnvDuration("STREAM_IDLE_TIMEOUT", 120*time.Second),
		MaxChunkBytes:      getEnvInt64("STREAM_MAX_CHUNK_BYTES", 32<<20),
		ProbePrefixBytes:   getEnvInt64("PROBE_PREFIX_BYTES", 2<<20),
		ProbeTimeout:       getEnvDuration("PROBE_TIMEOUT", 15*time.Second),
		ProbeCacheTTL:      getEnvDuration("PROBE_CACHE_TTL", 5*time.Minute),
		FFProbePath:        getEnv("FFPROBE_PATH", "ffprobe"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("50s", "2m") and, for
// compatibility with older deployments, bare integers meaning seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}
