package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort        = "8080"
	defaultFragmentDir = "arkiv/fragments"
	defaultBlobDir     = "arkiv/files"
	defaultBlobBackend = "local"

	defaultChunkSizeBytes    int64 = 8 << 20  // 8MB
	defaultMaxChunkSizeBytes int64 = 64 << 20 // 64MB
	defaultMaxUploadBytes    int64 = 10 << 30 // 10GB
)

// Config captures server runtime configuration.
type Config struct {
	Port        string
	DatabaseURL string
	APIKey      string
	LogLevel    string

	FragmentDir string

	BlobBackend    string // "local" or "s3"
	BlobDir        string
	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3Endpoint     string
	S3UsePathStyle bool

	DefaultChunkSizeBytes int64
	MaxChunkSizeBytes     int64
	MaxUploadBytes        int64

	SessionTTL    time.Duration
	SweepInterval time.Duration
	GracePeriod   time.Duration
}

// Load reads environment variables into a Config structure. DATABASE_URL is
// optional; without it the server runs on the in-memory store.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getEnv("ARKIV_PORT", defaultPort),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		APIKey:                os.Getenv("ARKIV_API_KEY"),
		LogLevel:              getEnv("ARKIV_LOG_LEVEL", "info"),
		FragmentDir:           getEnv("ARKIV_FRAGMENT_DIR", defaultFragmentDir),
		BlobBackend:           strings.ToLower(getEnv("ARKIV_BLOB_BACKEND", defaultBlobBackend)),
		BlobDir:               getEnv("ARKIV_BLOB_DIR", defaultBlobDir),
		S3Bucket:              os.Getenv("ARKIV_S3_BUCKET"),
		S3Prefix:              os.Getenv("ARKIV_S3_PREFIX"),
		S3Region:              os.Getenv("ARKIV_S3_REGION"),
		S3Endpoint:            os.Getenv("ARKIV_S3_ENDPOINT"),
		S3UsePathStyle:        parseBool("ARKIV_S3_PATH_STYLE", false),
		DefaultChunkSizeBytes: parseInt64("ARKIV_CHUNK_SIZE", defaultChunkSizeBytes),
		MaxChunkSizeBytes:     parseInt64("ARKIV_MAX_CHUNK_SIZE", defaultMaxChunkSizeBytes),
		MaxUploadBytes:        parseInt64("ARKIV_MAX_UPLOAD_SIZE", defaultMaxUploadBytes),
		SessionTTL:            parseDuration("ARKIV_SESSION_TTL", 24*time.Hour),
		SweepInterval:         parseDuration("ARKIV_SWEEP_INTERVAL", time.Minute),
		GracePeriod:           parseDuration("ARKIV_PURGE_GRACE", 6*time.Hour),
	}

	if cfg.APIKey == "" {
		return nil, errors.New("ARKIV_API_KEY is required")
	}
	switch cfg.BlobBackend {
	case "local":
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("ARKIV_S3_BUCKET is required when ARKIV_BLOB_BACKEND=s3")
		}
	default:
		return nil, fmt.Errorf("unknown ARKIV_BLOB_BACKEND %q", cfg.BlobBackend)
	}

	if cfg.DefaultChunkSizeBytes <= 0 {
		cfg.DefaultChunkSizeBytes = defaultChunkSizeBytes
	}
	if cfg.MaxChunkSizeBytes < cfg.DefaultChunkSizeBytes {
		cfg.MaxChunkSizeBytes = cfg.DefaultChunkSizeBytes
	}
	if !filepath.IsAbs(cfg.FragmentDir) {
		cfg.FragmentDir = filepath.Join(os.TempDir(), cfg.FragmentDir)
	}
	if cfg.BlobBackend == "local" && !filepath.IsAbs(cfg.BlobDir) {
		cfg.BlobDir = filepath.Join(os.TempDir(), cfg.BlobDir)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseInt64(key string, fallback int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return dur
}
