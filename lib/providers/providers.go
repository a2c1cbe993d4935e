// Package providers holds the wire provider functions that assemble the
// registry daemon.
package providers

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hangarproj/hangar/cmd/registryd/config"
	"github.com/hangarproj/hangar/lib/logger"
	"github.com/hangarproj/hangar/lib/metastore"
	"github.com/hangarproj/hangar/lib/middleware"
	"github.com/hangarproj/hangar/lib/otel"
	"github.com/hangarproj/hangar/lib/registry"
	"github.com/hangarproj/hangar/lib/store"
)

// ProvideContext provides a base context
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig provides the application configuration
func ProvideConfig() (*config.Config, error) {
	return config.Load()
}

// ProvideLogger provides a structured logger
func ProvideLogger(cfg *config.Config) *slog.Logger {
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	return log
}

// ProvideMetastore opens the metadata database.
func ProvideMetastore(cfg *config.Config) (*metastore.Store, func(), error) {
	meta, err := metastore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return meta, func() { meta.Close() }, nil
}

// ProvideStoreRegistry assembles the storage backends. The file backend is
// always present; S3 joins when a bucket is configured; http and https are
// read-only backends for externally hosted payloads.
func ProvideStoreRegistry(ctx context.Context, cfg *config.Config) (*store.Registry, error) {
	fileBackend, err := store.NewFileBackend(cfg.BlobDir)
	if err != nil {
		return nil, err
	}

	backends := []store.Backend{
		fileBackend,
		store.NewHTTPBackend("http", nil),
		store.NewHTTPBackend("https", nil),
	}

	if cfg.S3Bucket != "" {
		s3Backend, err := store.NewS3Backend(ctx, store.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, s3Backend)
	}

	return store.NewRegistry(cfg.DefaultBackend, backends...)
}

// ProvideMeter provides the meter metrics hang off. nil when export is
// disabled.
func ProvideMeter(ctx context.Context, cfg *config.Config) (metric.Meter, func(), error) {
	provider, shutdown, err := otel.SetupMetrics(ctx, "hangar-registryd", cfg.OtelEndpoint)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}
	if provider == nil {
		return nil, cleanup, nil
	}
	return provider.Meter("hangar"), cleanup, nil
}

// ProvideRegistryMetrics provides registry instruments; nil disables them.
func ProvideRegistryMetrics(meter metric.Meter) (*registry.Metrics, error) {
	if meter == nil {
		return nil, nil
	}
	return registry.NewMetrics(meter)
}

// ProvideHTTPMetrics provides HTTP middleware instruments; nil disables them.
func ProvideHTTPMetrics(meter metric.Meter) (*middleware.HTTPMetrics, error) {
	if meter == nil {
		return nil, nil
	}
	return middleware.NewHTTPMetrics(meter)
}

// ProvideImageManager provides the image manager
func ProvideImageManager(meta *metastore.Store, stores *store.Registry, metrics *registry.Metrics, log *slog.Logger, cfg *config.Config) (registry.Manager, func()) {
	mgr := registry.NewManager(meta, stores, metrics, log, registry.Options{
		UploadTimeout: cfg.UploadTimeout,
		MaxImageSize:  cfg.MaxImageSize,
	})
	return mgr, mgr.Close
}

// ProvideReaper provides the stuck-upload sweeper.
func ProvideReaper(meta *metastore.Store, metrics *registry.Metrics, log *slog.Logger, cfg *config.Config) *registry.Reaper {
	return registry.NewReaper(meta, metrics, log, cfg.ReapInterval, cfg.ReapDeadline)
}
