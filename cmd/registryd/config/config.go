package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the SQLite file holding image metadata.
	DatabasePath string

	// DefaultBackend is the scheme blobs are written to on upload.
	DefaultBackend string
	// BlobDir is the root of the file backend.
	BlobDir string
	// S3 backend settings; the backend is only registered when S3Bucket
	// is set.
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	// MaxImageSize caps payload uploads, e.g. "10GB". Zero means no cap.
	MaxImageSize int64
	// UploadTimeout bounds a single payload upload.
	UploadTimeout time.Duration
	// DownloadTimeout bounds a single payload download. A client that
	// stops draining the stream is cut off rather than holding a handler
	// goroutine forever.
	DownloadTimeout time.Duration
	// ReapInterval and ReapDeadline drive the stuck-upload sweeper.
	ReapInterval time.Duration
	ReapDeadline time.Duration

	// JwtSecret enables bearer auth when non-empty.
	JwtSecret string

	// OtelEndpoint is the OTLP gRPC collector address. Metrics export is
	// disabled when empty.
	OtelEndpoint string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() (*Config, error) {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "9191"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabasePath:   getEnv("DATABASE_PATH", "/var/lib/hangar/registry.db"),
		DefaultBackend: getEnv("DEFAULT_BACKEND", "file"),
		BlobDir:        getEnv("BLOB_DIR", "/var/lib/hangar/blobs"),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Prefix:       getEnv("S3_PREFIX", "images"),
		JwtSecret:      getEnv("JWT_SECRET", ""),
		OtelEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if cfg.MaxImageSize, err = getEnvBytes("MAX_IMAGE_SIZE", "0B"); err != nil {
		return nil, err
	}
	if cfg.UploadTimeout, err = getEnvDuration("UPLOAD_TIMEOUT", "30m"); err != nil {
		return nil, err
	}
	if cfg.DownloadTimeout, err = getEnvDuration("DOWNLOAD_TIMEOUT", "30m"); err != nil {
		return nil, err
	}
	if cfg.ReapInterval, err = getEnvDuration("REAP_INTERVAL", "1m"); err != nil {
		return nil, err
	}
	if cfg.ReapDeadline, err = getEnvDuration("REAP_DEADLINE", "1h"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBytes(key, defaultValue string) (int64, error) {
	raw := getEnv(key, defaultValue)
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return int64(v.Bytes()), nil
}

func getEnvDuration(key, defaultValue string) (time.Duration, error) {
	raw := getEnv(key, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return d, nil
}
