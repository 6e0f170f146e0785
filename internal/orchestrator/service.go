package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/dunamismax/reimagine/internal/id"
	"github.com/dunamismax/reimagine/internal/preprocess"
	"github.com/dunamismax/reimagine/internal/queue"
	"github.com/dunamismax/reimagine/internal/signature"
	"github.com/dunamismax/reimagine/internal/storage"
	"github.com/dunamismax/reimagine/internal/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
	SourceAdmin    = "admission"
)

type BlobStore interface {
	ObjectURL(objectKey string) string
	ObjectKey(ref string) (string, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	Open(ctx context.Context, objectKey string) (storage.Object, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, payload queue.GenerateImagePayload) error
}

type Normalizer interface {
	Normalize(ctx context.Context, data []byte, contentType string) (preprocess.Result, error)
}

type StatusProvider interface {
	Status(ctx context.Context, providerJobID string) (domain.Observation, error)
}

type Notifier interface {
	Notify(ctx context.Context, jobID, msg string) int
}

type Config struct {
	PublicBaseURL string
	Workflow      string
}

type Deps struct {
	Store      store.JobStore
	Blobs      BlobStore
	Dispatcher Dispatcher
	Normalizer Normalizer
	Provider   StatusProvider
	Notifier   Notifier
	Signer     *signature.Signer
	Logger     zerolog.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
}

// Service admits jobs, hands them to the work channel and reconciles their
// state from provider callbacks and polls.
type Service struct {
	cfg        Config
	store      store.JobStore
	blobs      BlobStore
	dispatcher Dispatcher
	normalizer Normalizer
	provider   StatusProvider
	notifier   Notifier
	signer     *signature.Signer
	logger     zerolog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	locks      *keyedMutex
	now        func() time.Time
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("job store is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Provider == nil:
		return nil, errors.New("status provider is required")
	case deps.Signer == nil:
		return nil, errors.New("callback signer is required")
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/dunamismax/reimagine/internal/orchestrator")
	}

	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		blobs:      deps.Blobs,
		dispatcher: deps.Dispatcher,
		normalizer: deps.Normalizer,
		provider:   deps.Provider,
		notifier:   deps.Notifier,
		signer:     deps.Signer,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     tracer,
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Submit admits a new job for the owner. The job row is committed before the
// input blob is written, and the blob before the dispatch message is sent.
func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", req.OwnerID))

	job, err := s.submit(ctx, req)
	s.metrics.submitted(submitOutcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return domain.Job{}, err
	}
	span.SetAttributes(attribute.String("job_id", job.ID))
	return job, nil
}

func (s *Service) submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error) {
	if err := req.Validate(); err != nil {
		if errors.Is(err, domain.ErrImageTooLarge) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}

	data, contentType := req.Image, req.ContentType
	if s.normalizer != nil {
		res, err := s.normalizer.Normalize(ctx, req.Image, req.ContentType)
		if err != nil {
			return domain.Job{}, err
		}
		data, contentType = res.Data, res.ContentType
	}

	now := s.now()
	jobID := id.New()
	job := domain.Job{
		ID:        jobID,
		OwnerID:   req.OwnerID,
		Prompt:    req.Prompt,
		InputRef:  s.blobs.ObjectURL(jobID),
		Status:    domain.StatusInQueue,
		CreatedAt: now,
		UpdatedAt: now,
	}

	log := s.logger.With().Str("job_id", jobID).Str("owner_id", req.OwnerID).Logger()

	if err := s.store.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrAdmissionDenied) {
			return domain.Job{}, err
		}
		log.Error().Err(err).Str("phase", "create").Msg("create job failed")
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	if err := s.blobs.WriteObject(ctx, jobID, data, contentType); err != nil {
		log.Error().Err(err).Str("phase", "store_input").Msg("store input failed")
		s.abandon(ctx, job)
		return domain.Job{}, fmt.Errorf("store input: %w", err)
	}

	webhook, err := s.signer.CallbackURL(s.cfg.PublicBaseURL, jobID)
	if err != nil {
		log.Error().Err(err).Str("phase", "dispatch").Msg("build callback url failed")
		s.abandon(ctx, job)
		return domain.Job{}, fmt.Errorf("build callback url: %w", err)
	}

	err = s.dispatcher.Dispatch(ctx, queue.GenerateImagePayload{
		ImageKey:     jobID,
		Prompt:       req.Prompt,
		Webhook:      webhook,
		WorkflowName: s.cfg.Workflow,
		RequestedAt:  now,
	})
	if err != nil {
		log.Error().Err(err).Str("phase", "dispatch").Msg("dispatch failed")
		s.abandon(ctx, job)
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}

	log.Info().Msg("job admitted")
	return job, nil
}

// abandon fails a job whose submission could not be completed so the owner's
// active slot is released. The request context may already be gone, so the
// write runs detached from its cancellation.
func (s *Service) abandon(ctx context.Context, job domain.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, _, err := s.Reconcile(ctx, job.ID, domain.Observation{Status: domain.StatusFailed}, SourceAdmin); err != nil {
		s.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Str("owner_id", job.OwnerID).
			Str("phase", "abandon").
			Msg("mark abandoned job failed")
	}
}

// Callback is a provider status report as received on the callback endpoint.
type Callback struct {
	Status    string
	ResultRef string
	// ProviderJobID is recorded on a job that does not have one yet.
	ProviderJobID string
}

// HandleCallback authenticates and applies a provider callback. A missing
// signature is domain.ErrBadRequest, a wrong one domain.ErrForbidden; neither
// touches stored state.
func (s *Service) HandleCallback(ctx context.Context, jobID, sig string, cb Callback) (domain.Job, error) {
	if strings.TrimSpace(sig) == "" {
		return domain.Job{}, fmt.Errorf("%w: missing signature", domain.ErrBadRequest)
	}
	if !s.signer.Verify(jobID, sig) {
		s.logger.Warn().Str("job_id", jobID).Str("phase", "callback").Msg("callback signature rejected")
		return domain.Job{}, domain.ErrForbidden
	}

	status, err := domain.ParseStatus(cb.Status)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}

	obs := domain.Observation{Status: status}
	if status == domain.StatusCompleted {
		obs.ResultRef = strings.TrimSpace(cb.ResultRef)
	}

	if id := strings.TrimSpace(cb.ProviderJobID); id != "" {
		if err := s.recordProviderJob(ctx, jobID, id); err != nil {
			return domain.Job{}, err
		}
	}

	job, _, err := s.Reconcile(ctx, jobID, obs, SourceCallback)
	return job, err
}

// recordProviderJob attaches the provider's job id to an active job that has
// none, which happens when the relay could not write it after submitting.
func (s *Service) recordProviderJob(ctx context.Context, jobID, providerJobID string) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, ok, err := s.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.ErrNotFound
	}
	if job.ProviderJobID != "" || !job.Status.Active() {
		return nil
	}
	if _, err := s.store.AttachProviderJob(ctx, jobID, providerJobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("phase", SourceCallback).Msg("record provider job id failed")
		return fmt.Errorf("record provider job: %w", err)
	}
	s.logger.Info().
		Str("job_id", jobID).
		Str("provider_job_id", providerJobID).
		Str("phase", SourceCallback).
		Msg("provider job id recorded from callback")
	return nil
}

// Reconcile applies one observation to the stored job and pushes the
// resulting status to live subscribers. Transitions for the same job are
// serialized within the process; the store's conditional update covers
// writers in other processes. Subscribers are written to after the job lock
// is released, so a slow connection never holds up other reconciles. A
// subscription drops a status ranked below one it already sent.
//
// A repeated terminal observation is re-announced without changing state so
// that a terminal write made by another process still reaches subscribers
// connected here.
func (s *Service) Reconcile(ctx context.Context, jobID string, obs domain.Observation, source string) (domain.Job, bool, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.reconcile", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("source", source),
		attribute.String("observed_status", obs.Status.String()),
	))
	defer span.End()

	job, changed, err := s.transition(ctx, jobID, obs)
	if err != nil {
		s.metrics.reconciled(source, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error().Err(err).Str("job_id", jobID).Str("phase", source).Msg("transition failed")
		}
		return domain.Job{}, false, err
	}

	if changed {
		s.metrics.reconciled(source, "applied")
		s.logger.Info().
			Str("job_id", jobID).
			Str("owner_id", job.OwnerID).
			Str("phase", source).
			Str("status", job.Status.String()).
			Msg("job status updated")
	} else {
		s.metrics.reconciled(source, "ignored")
	}

	if s.notifier != nil && (changed || (job.Status.Terminal() && job.Status == obs.Status)) {
		s.notifier.Notify(ctx, jobID, job.Status.String())
	}

	span.SetAttributes(attribute.Bool("changed", changed), attribute.String("status", job.Status.String()))
	return job, changed, nil
}

func (s *Service) transition(ctx context.Context, jobID string, obs domain.Observation) (domain.Job, bool, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()
	return s.store.Transition(ctx, jobID, obs)
}

// GetStatusAndResult returns the owner's job and, once it is COMPLETED, an
// open stream over the result. Active jobs are polled at the provider first.
// The caller must close the returned object's Body.
func (s *Service) GetStatusAndResult(ctx context.Context, jobID, ownerID string) (domain.Job, *storage.Object, error) {
	job, ok, err := s.store.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return domain.Job{}, nil, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.Job{}, nil, domain.ErrNotFound
	}

	switch job.Status {
	case domain.StatusCompleted:
		obj, err := s.resolve(ctx, job)
		return job, obj, err
	case domain.StatusFailed:
		return job, nil, nil
	}

	if job.ProviderJobID == "" {
		return job, nil, nil
	}

	obs, err := s.provider.Status(ctx, job.ProviderJobID)
	if errors.Is(err, domain.ErrProviderExpired) {
		failed, _, rerr := s.Reconcile(ctx, jobID, domain.Observation{Status: domain.StatusFailed}, SourcePoll)
		if rerr != nil {
			return job, nil, fmt.Errorf("fail expired job: %w", rerr)
		}
		s.logger.Warn().Str("job_id", jobID).Str("owner_id", ownerID).Str("phase", SourcePoll).Msg("provider no longer knows job")
		return failed, nil, err
	}
	if err != nil {
		s.metrics.reconciled(SourcePoll, "unavailable")
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("owner_id", ownerID).Str("phase", SourcePoll).Msg("provider poll failed")
		return job, nil, err
	}

	job, _, err = s.Reconcile(ctx, jobID, obs, SourcePoll)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if job.Status != domain.StatusCompleted {
		return job, nil, nil
	}
	obj, err := s.resolve(ctx, job)
	return job, obj, err
}

func (s *Service) resolve(ctx context.Context, job domain.Job) (*storage.Object, error) {
	key, err := s.blobs.ObjectKey(job.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("resolve result of job %s: %w", job.ID, err)
	}
	obj, err := s.blobs.Open(ctx, key)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Str("owner_id", job.OwnerID).Str("phase", "resolve").Msg("open result failed")
		return nil, fmt.Errorf("open result of job %s: %w", job.ID, err)
	}
	return &obj, nil
}

// List returns the owner's jobs, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Job, error) {
	jobs, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func submitOutcome(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, domain.ErrAdmissionDenied):
		return "denied"
	case errors.Is(err, domain.ErrChannelUnavailable):
		return "channel_unavailable"
	case errors.Is(err, domain.ErrBadRequest), errors.Is(err, domain.ErrImageTooLarge), errors.Is(err, domain.ErrInvalidImage):
		return "invalid"
	default:
		return "error"
	}
}
