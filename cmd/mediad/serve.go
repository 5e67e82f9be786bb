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

	"github.com/RegistryAccord/registryaccord-media-go/internal/adapter"
	"github.com/RegistryAccord/registryaccord-media-go/internal/config"
	"github.com/RegistryAccord/registryaccord-media-go/internal/event"
	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-media-go/internal/server"
	"github.com/RegistryAccord/registryaccord-media-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-media-go/internal/telemetry"
	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the media HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("trace-stdout", false, "Pretty print spans to stdout")
}

// runServe wires every component, serves HTTP and shuts down gracefully on
// SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if p, _ := cmd.Flags().GetString("collections"); p != "" {
		cfg.CollectionsFile = p
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	traceOpts := telemetry.Options{Version: version}
	if stdout, _ := cmd.Flags().GetBool("trace-stdout"); stdout {
		traceOpts.Writer = os.Stdout
	}
	shutdownTracer, err := telemetry.InitTracer(traceOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracer(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	collections, err := config.LoadCollections(cfg.CollectionsFile)
	if err != nil {
		return err
	}
	a, err := adapter.New(adapter.Options{
		Service:     svc,
		Collections: collections,
		Logger:      logger,
		Metrics:     metrics.NewMetrics(),
	})
	if err != nil {
		return err
	}

	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
	} else {
		logger.Warn("MEDIA_DB_DSN not set, documents are kept in memory")
		store = storage.NewMemory()
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	mux := server.NewMux(server.Options{
		Store:              store,
		Publisher:          pub,
		Adapter:            a,
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		MaxUploadSize:      cfg.MaxUploadSize,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             logger,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("upload queues did not drain", "error", err)
	}
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}

	logger.Info("server exited")
	return nil
}

// newService builds the remote backend selected by MEDIA_BACKEND.
func newService(ctx context.Context, cfg config.Config, logger *slog.Logger) (media.Service, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return media.NewS3(ctx, media.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PublicURL: cfg.S3PublicURL,
			Logger:    logger,
		})
	default:
		return media.NewCloudinary(media.CloudinaryConfig{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Logger:    logger,
		})
	}
}
