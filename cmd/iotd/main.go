// cmd/iotd/main.go
// Package main implements the entry point for the IoT registry service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/config"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/event"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/registry"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/server"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-iot-go/internal/telemetry"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

// main is the entry point for the IoT registry service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Spans go to stdout in dev only; elsewhere they are sampled but discarded
	var spanOut io.Writer
	if cfg.Env == "dev" {
		spanOut = os.Stderr
	}
	tp, err := telemetry.InitTracer(telemetry.ServiceName, version, spanOut)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx, tp, logger)
	}()

	// Initialize storage and ledger backends (PostgreSQL or in-memory)
	var (
		store storage.Store
		led   ledger.Ledger
	)
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		pool, err := storage.OpenPool(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to open ledger pool: %w", err)
		}
		defer pool.Close()
		if led, err = ledger.NewPostgres(ctx, pool); err != nil {
			return err
		}
		logger.Info("using postgres storage and ledger")
	} else {
		store = storage.NewMemory()
		led = ledger.NewMemory()
		logger.Warn("IOT_DB_DSN not set, using in-memory storage and ledger")
	}
	defer func() {
		if closer, ok := store.(interface{ Close() }); ok {
			closer.Close()
		}
	}()

	clock, err := ledger.NewBlockClock(cfg.Genesis, cfg.BlockInterval)
	if err != nil {
		return err
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	// The identity client backs the identity verification policy
	var resolver registry.Resolver
	if cfg.IdentityURL != "" {
		resolver = identity.New(cfg.IdentityURL)
	}
	policy, err := registry.ParsePolicy(cfg.VerificationPolicy, resolver)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	reg, err := registry.New(ctx, store, led, clock, model.GlobalParams{
		ContractOwner:      model.Principal(cfg.ContractOwner),
		PlatformFeeRateBPS: cfg.PlatformFeeRateBPS,
		MinAccessPrice:     cfg.MinAccessPrice,
	},
		registry.WithPublisher(pub),
		registry.WithMetrics(m),
		registry.WithPolicy(policy),
		registry.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithMetrics(m),
		server.WithLogger(logger),
		server.WithCORS(cfg.CORSAllowedOrigins),
	}
	if cfg.S3Bucket != "" {
		exporter, err := archive.NewS3Exporter(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 client: %w", err)
		}
		opts = append(opts, server.WithArchive(exporter))
	}

	if cfg.JWKSURL == "" {
		return errors.New("IOT_JWKS_URL or IDENTITY_URL is required to verify bearer tokens")
	}
	auth := jwks.NewClient(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)

	handler, err := server.NewMux(reg, auth, opts...)
	if err != nil {
		return fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "policy", cfg.VerificationPolicy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
