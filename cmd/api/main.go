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

	"github.com/dunamismax/reimagine/internal/api"
	"github.com/dunamismax/reimagine/internal/config"
	"github.com/dunamismax/reimagine/internal/live"
	"github.com/dunamismax/reimagine/internal/orchestrator"
	"github.com/dunamismax/reimagine/internal/preprocess"
	"github.com/dunamismax/reimagine/internal/provider"
	"github.com/dunamismax/reimagine/internal/queue"
	"github.com/dunamismax/reimagine/internal/ratelimit"
	"github.com/dunamismax/reimagine/internal/signature"
	"github.com/dunamismax/reimagine/internal/storage"
	"github.com/dunamismax/reimagine/internal/store"
	"github.com/dunamismax/reimagine/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.Command {
	envFile := &cli.StringFlag{
		Name:    "env-file",
		Usage:   "Optional dotenv file loaded before the environment",
		Value:   ".env",
		Sources: cli.EnvVars("REIMAGINE_ENV_FILE"),
	}

	return &cli.Command{
		Name:   "reimagine-api",
		Usage:  "Client-facing API for image generation jobs",
		Flags:  []cli.Flag{envFile},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the HTTP and websocket API",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "Apply pending database migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := config.Load(cmd.String("env-file"))
					if err != nil {
						return err
					}
					logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, "migrate")
					if err := store.Migrate(cfg.Database.DSN); err != nil {
						return err
					}
					logger.Info().Msg("migrations applied")
					return nil
				},
			},
		},
	}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, "api")

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-api",
		Component:    "api",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer flush(logger, "tracing", shutdownTracing)

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
	if err := blobs.EnsureBucket(ctx); err != nil {
		return err
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close error")
		}
	}()

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

	if err := preprocess.Startup(); err != nil {
		return fmt.Errorf("start image pipeline: %w", err)
	}
	defer preprocess.Shutdown()

	normalizer, err := preprocess.NewNormalizer(cfg.Preprocess.MaxEdge)
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		bucket, err := ratelimit.New(redisClient, ratelimit.Options{
			Burst:  cfg.RateLimit.Capacity,
			Window: cfg.RateLimit.Window,
		})
		if err != nil {
			return err
		}
		limiter = bucket
	}

	registry := prometheus.NewRegistry()
	subscriptions := live.NewRegistry(jobStore, logger.With().Str("module", "live").Logger(), live.NewMetrics(registry))

	service, err := orchestrator.NewService(orchestrator.Config{
		PublicBaseURL: cfg.API.PublicBaseURL,
		Workflow:      cfg.Provider.Workflow,
	}, orchestrator.Deps{
		Store:      jobStore,
		Blobs:      blobs,
		Dispatcher: queueClient,
		Normalizer: normalizer,
		Provider:   providerClient,
		Notifier:   subscriptions,
		Signer:     signer,
		Logger:     logger.With().Str("module", "orchestrator").Logger(),
		Metrics:    orchestrator.NewMetrics(registry),
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		JWTSecret:      cfg.Auth.JWTSecret,
		Audience:       cfg.Auth.Audience,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		CORSOrigins:    cfg.API.CORSOrigins,
	}, api.Deps{
		Jobs:          service,
		Subscriptions: subscriptions,
		RateLimiter:   limiter,
		Health:        []api.Pinger{jobStore, redisPinger{client: redisClient}},
		Logger:        logger,
		Registry:      registry,
	})

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

func flush(logger zerolog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("component", name).Msg("shutdown flush failed")
	}
}
