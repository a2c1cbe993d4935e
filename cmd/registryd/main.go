package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	app, cleanup, err := initializeApp()
	if err != nil {
		return err
	}
	defer cleanup()

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", app.Config.Port),
		Handler:     app.ApiService.Router(app.Logger, app.HTTPMetrics),
		IdleTimeout: 2 * time.Minute,
	}

	// Error group for coordinated shutdown
	grp, gctx := errgroup.WithContext(ctx)

	// Run the server
	grp.Go(func() error {
		app.Logger.Info("starting registry API server", "port", app.Config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	// Sweep stuck uploads until shutdown
	grp.Go(func() error {
		if err := app.Reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Shutdown handler
	grp.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error("failed to shutdown http server", "error", err)
			return err
		}

		app.Logger.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}
