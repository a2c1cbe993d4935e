//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/hangarproj/hangar/cmd/registryd/api"
	"github.com/hangarproj/hangar/cmd/registryd/config"
	"github.com/hangarproj/hangar/lib/middleware"
	"github.com/hangarproj/hangar/lib/providers"
	"github.com/hangarproj/hangar/lib/registry"
)

// application struct to hold initialized components
type application struct {
	Ctx         context.Context
	Logger      *slog.Logger
	Config      *config.Config
	Images      registry.Manager
	Reaper      *registry.Reaper
	HTTPMetrics *middleware.HTTPMetrics
	ApiService  *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvideLogger,
		providers.ProvideMetastore,
		providers.ProvideStoreRegistry,
		providers.ProvideMeter,
		providers.ProvideRegistryMetrics,
		providers.ProvideHTTPMetrics,
		providers.ProvideImageManager,
		providers.ProvideReaper,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
