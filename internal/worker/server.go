package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/reimagine/internal/config"
	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/dunamismax/reimagine/internal/provider"
	"github.com/dunamismax/reimagine/internal/queue"
	"github.com/dunamismax/reimagine/internal/signature"
	"github.com/dunamismax/reimagine/internal/store"
	"github.com/dunamismax/reimagine/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type BlobReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type Runner interface {
	Run(ctx context.Context, run provider.RunRequest) (provider.RunResponse, error)
}

type CallbackPoster interface {
	Post(ctx context.Context, endpoint string, cb webhook.Callback) error
}

type Config struct {
	Queue         config.QueueConfig
	Worker        config.WorkerConfig
	PublicBaseURL string
	Workflow      string
}

type Deps struct {
	Store     store.JobStore
	Blobs     BlobReader
	Provider  Runner
	Callbacks CallbackPoster
	Signer    *signature.Signer
	Logger    zerolog.Logger
}

// Server relays dispatch messages from the work channel to the compute
// provider and periodically fails jobs that never reached it.
type Server struct {
	logger        zerolog.Logger
	server        *asynq.Server
	scheduler     *asynq.Scheduler
	sweepCron     string
	queueName     string
	sem           chan struct{}
	jobStore      store.JobStore
	blobs         BlobReader
	runner        Runner
	callbacks     CallbackPoster
	signer        *signature.Signer
	publicBaseURL string
	workflow      string
	orphanAfter   time.Duration
	attachTries   int
	attachBackoff time.Duration
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("job store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob reader is required")
	case deps.Provider == nil:
		return nil, fmt.Errorf("provider runner is required")
	case deps.Callbacks == nil:
		return nil, fmt.Errorf("callback poster is required")
	case deps.Signer == nil:
		return nil, fmt.Errorf("callback signer is required")
	}

	logger := deps.Logger
	redisOpt := cfg.Queue.RedisClientOpt()

	orphanAfter := cfg.Worker.OrphanAfter
	if orphanAfter <= 0 {
		orphanAfter = 30 * time.Minute
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			redisOpt,
			asynq.Config{
				Concurrency: cfg.Worker.Concurrency,
				Queues: map[string]int{
					cfg.Queue.Name: 1,
				},
				Logger:   asynqLogger{logger: logger},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn().
						Err(err).
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   asynqLogger{logger: logger},
		}),
		sweepCron:     cfg.Worker.SweepCron,
		queueName:     cfg.Queue.Name,
		sem:           make(chan struct{}, max(1, cfg.Worker.MaxActiveJobs)),
		jobStore:      deps.Store,
		blobs:         deps.Blobs,
		runner:        deps.Provider,
		callbacks:     deps.Callbacks,
		signer:        deps.Signer,
		publicBaseURL: cfg.PublicBaseURL,
		workflow:      cfg.Workflow,
		orphanAfter:   orphanAfter,
		attachTries:   3,
		attachBackoff: 250 * time.Millisecond,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("reimagine/worker"),
		now:           func() time.Time { return time.Now().UTC() },
	}
	return s, nil
}

// Run starts the sweep scheduler and blocks serving tasks until the process
// receives a termination signal.
func (s *Server) Run() error {
	if s.sweepCron != "" {
		if _, err := s.scheduler.Register(
			s.sweepCron,
			queue.NewSweepOrphansTask(),
			asynq.Queue(s.queueName),
			asynq.Unique(time.Minute),
		); err != nil {
			return fmt.Errorf("register sweep schedule: %w", err)
		}
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer s.scheduler.Shutdown()
	}

	return s.server.Run(s.mux())
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateImage, s.handleGenerateImage)
	mux.HandleFunc(queue.TypeSweepOrphans, s.handleSweepOrphans)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

const (
	outcomeRelayed = "relayed"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
	outcomeRetry   = "retry"
)

func (s *Server) handleGenerateImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := outcomeRetry

	payload, err := queue.ParseGenerateImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	jobID := payload.ImageKey
	log := s.logger.With().Str("job_id", jobID).Logger()

	ctx, span := s.tracer.Start(ctx, "worker.relay", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", jobID))
	defer span.End()
	defer func() {
		s.metrics.relayDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.relaysTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeRelays.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeRelays.Dec()
	}()

	job, ok, err := s.jobStore.Get(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load job: %w", err)
	}
	if !ok {
		outcome = outcomeSkipped
		return fmt.Errorf("job %s not found: %w", jobID, asynq.SkipRetry)
	}
	log = log.With().Str("owner_id", job.OwnerID).Logger()

	// The channel is at-least-once. A job that already reached the provider
	// or already ended must not be submitted again.
	if job.Status.Terminal() || job.ProviderJobID != "" {
		outcome = outcomeSkipped
		log.Info().Str("status", job.Status.String()).Msg("relay skipped")
		return nil
	}

	image, err := s.blobs.ReadObject(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("phase", "load_input").Msg("load input failed")
		return fmt.Errorf("load input: %w", err)
	}

	workflow := payload.WorkflowName
	if workflow == "" {
		workflow = s.workflow
	}
	input, err := provider.BuildInput(workflow, payload.Prompt, image)
	if err != nil {
		outcome = outcomeFailed
		s.fail(ctx, log, payload, "build_request", err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build provider request: %v: %w", err, asynq.SkipRetry)
	}

	run, err := s.runner.Run(ctx, provider.RunRequest{Input: input, Webhook: payload.Webhook})
	if err != nil {
		span.RecordError(err)
		if provider.IsPermanent(err) {
			outcome = outcomeFailed
			s.fail(ctx, log, payload, "provider_run", err)
			span.SetStatus(codes.Error, "provider rejected run")
			return fmt.Errorf("provider run: %v: %w", err, asynq.SkipRetry)
		}
		log.Warn().Err(err).Str("phase", "provider_run").Msg("provider run failed")
		return fmt.Errorf("provider run: %w", err)
	}
	log = log.With().Str("provider_job_id", run.ID).Logger()

	// Failing the task here would submit the job to the provider a second
	// time. The callback below carries the id so the API can record it.
	if err := s.attachProviderJob(ctx, jobID, run.ID); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("phase", "attach").Msg("record provider job id failed")
	}

	status := domain.StatusInQueue
	if parsed, err := domain.ParseStatus(run.Status); err == nil {
		status = parsed
	}
	if err := s.callbacks.Post(ctx, payload.Webhook, webhook.Callback{ID: run.ID, Status: status.String()}); err != nil {
		log.Warn().Err(err).Str("phase", "callback").Msg("initial status callback failed")
	}

	outcome = outcomeRelayed
	span.SetStatus(codes.Ok, "relayed")
	log.Info().Str("status", status.String()).Msg("job relayed to provider")
	return nil
}

// attachProviderJob records the provider's id for jobID, retrying on a
// context that outlives the task's.
func (s *Server) attachProviderJob(ctx context.Context, jobID, providerJobID string) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= s.attachTries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = s.jobStore.AttachProviderJob(attemptCtx, jobID, providerJobID)
		cancel()
		if err == nil || errors.Is(err, store.ErrJobNotFound) {
			return err
		}
		if attempt < s.attachTries {
			time.Sleep(time.Duration(attempt) * s.attachBackoff)
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.attachTries, err)
}

// fail records a job that can never reach the provider as FAILED and tells
// the API so live subscribers hear about it.
func (s *Server) fail(ctx context.Context, log zerolog.Logger, payload queue.GenerateImagePayload, phase string, cause error) {
	log.Error().Err(cause).Str("phase", phase).Msg("relay failed permanently")

	if _, _, err := s.jobStore.Transition(ctx, payload.ImageKey, domain.Observation{Status: domain.StatusFailed}); err != nil {
		log.Error().Err(err).Str("phase", phase).Msg("mark job failed")
	}
	if err := s.callbacks.Post(ctx, payload.Webhook, webhook.Callback{Status: domain.StatusFailed.String()}); err != nil {
		log.Warn().Err(err).Str("phase", "callback").Msg("failure callback failed")
	}
}

func (s *Server) handleSweepOrphans(ctx context.Context, _ *asynq.Task) error {
	ctx, span := s.tracer.Start(ctx, "worker.sweep_orphans", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	cutoff := s.now().Add(-s.orphanAfter)
	failed, err := s.jobStore.FailOrphans(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("fail orphaned jobs: %w", err)
	}
	s.metrics.sweptTotal.Add(float64(len(failed)))
	span.SetAttributes(attribute.Int("jobs.swept", len(failed)))

	var errs []error
	for _, job := range failed {
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("owner_id", job.OwnerID).
			Str("phase", "sweep").
			Time("created_at", job.CreatedAt).
			Msg("orphaned job failed")

		endpoint, err := s.signer.CallbackURL(s.publicBaseURL, job.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.callbacks.Post(ctx, endpoint, webhook.Callback{Status: domain.StatusFailed.String()}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Str("phase", "sweep").Msg("sweep callback failed")
		}
	}
	// Jobs are already failed in the store; a retry could not find them again.
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("announce swept jobs: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}
