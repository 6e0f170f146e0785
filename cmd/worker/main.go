package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/reimagine/internal/config"
	"github.com/dunamismax/reimagine/internal/provider"
	"github.com/dunamismax/reimagine/internal/signature"
	"github.com/dunamismax/reimagine/internal/storage"
	"github.com/dunamismax/reimagine/internal/store"
	"github.com/dunamismax/reimagine/internal/telemetry"
	"github.com/dunamismax/reimagine/internal/webhook"
	"github.com/dunamismax/reimagine/internal/worker"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "reimagine-worker",
		Usage: "Relay dispatched jobs to the compute provider",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "Optional dotenv file loaded before the environment",
				Value:   ".env",
				Sources: cli.EnvVars("REIMAGINE_ENV_FILE"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return err
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, "worker")

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-worker",
		Component:    "worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing flush failed")
		}
	}()

	jobStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.Warn().Err(err).Msg("job store close error")
		}
	}()

	blobs, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		return err
	}

	providerClient, err := provider.NewClient(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout,
	})
	if err != nil {
		return err
	}

	signer, err := signature.NewSigner(cfg.Callback.SigningSecret)
	if err != nil {
		return err
	}

	callbacks := webhook.NewClient(webhook.Config{
		Timeout:        cfg.Callback.Timeout,
		MaxAttempts:    cfg.Callback.MaxAttempts,
		InitialBackoff: cfg.Callback.InitialBackoff,
		MaxBackoff:     cfg.Callback.MaxBackoff,
		Logger:         logger.With().Str("module", "webhook").Logger(),
	})

	srv, err := worker.NewServer(worker.Config{
		Queue:         cfg.Queue,
		Worker:        cfg.Worker,
		PublicBaseURL: cfg.API.PublicBaseURL,
		Workflow:      cfg.Provider.Workflow,
	}, worker.Deps{
		Store:     jobStore,
		Blobs:     blobs,
		Provider:  providerClient,
		Callbacks: callbacks,
		Signer:    signer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.Worker.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           srv.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("sweep_cron", cfg.Worker.SweepCron).
		Msg("starting worker")

	return srv.Run()
}
