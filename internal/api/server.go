package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/dunamismax/reimagine/internal/live"
	"github.com/dunamismax/reimagine/internal/orchestrator"
	"github.com/dunamismax/reimagine/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type JobService interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error)
	HandleCallback(ctx context.Context, jobID, sig string, cb orchestrator.Callback) (domain.Job, error)
	GetStatusAndResult(ctx context.Context, jobID, ownerID string) (domain.Job, *storage.Object, error)
	List(ctx context.Context, ownerID string) ([]domain.Job, error)
}

type Subscriptions interface {
	Subscribe(ctx context.Context, jobID, ownerID string, conn live.Conn) (*live.Subscription, error)
	Unsubscribe(sub *live.Subscription)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	JWTSecret      string
	Audience       string
	MaxUploadBytes int64
	CORSOrigins    []string
}

type Deps struct {
	Jobs          JobService
	Subscriptions Subscriptions
	RateLimiter   RateLimiter
	Health        []Pinger
	Logger        zerolog.Logger
	Tracer        trace.Tracer
	// Registry is served on /metrics. Other components of the process may
	// register on it too; nil creates a private one.
	Registry *prometheus.Registry
}

type Server struct {
	logger         zerolog.Logger
	jobs           JobService
	subscriptions  Subscriptions
	rateLimiter    RateLimiter
	health         []Pinger
	auth           *authenticator
	metrics        *metrics
	tracer         trace.Tracer
	upgrader       websocket.Upgrader
	maxUploadBytes int64
	corsOrigins    []string
	router         chi.Router
}

func NewServer(cfg Config, deps Deps) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload < domain.MaxImageBytes {
		maxUpload = domain.MaxImageBytes + 1<<20
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("reimagine/api")
	}

	s := &Server{
		logger:         deps.Logger,
		jobs:           deps.Jobs,
		subscriptions:  deps.Subscriptions,
		rateLimiter:    deps.RateLimiter,
		health:         deps.Health,
		auth:           newAuthenticator(cfg.JWTSecret, cfg.Audience),
		metrics:        newMetrics(deps.Registry),
		tracer:         tracer,
		maxUploadBytes: maxUpload,
		corsOrigins:    cfg.CORSOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withRecovery)
	r.Use(s.withTracing)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(s.withRequestLog)
	r.Use(s.withCORS)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	// Provider callbacks authenticate with the URL signature, not a client token.
	r.Post("/webhook/{id}", s.handleWebhook)

	// Browsers cannot set headers on a websocket upgrade; the handler checks
	// the token query parameter itself.
	r.Get("/ws/status", s.handleWSStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)
		r.With(s.withRateLimit).Post("/generate", s.handleGenerate)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/queues", s.handleQueues)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps domain errors onto HTTP responses. Unclassified errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, phase string) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, domain.ErrAdmissionDenied):
		status, msg = http.StatusBadRequest, "another request is still in the queue or in progress"
	case errors.Is(err, domain.ErrImageTooLarge):
		status, msg = http.StatusRequestEntityTooLarge, "image size must be less than 5MB"
	case errors.Is(err, domain.ErrInvalidImage):
		status, msg = http.StatusBadRequest, "image could not be decoded"
	case errors.Is(err, domain.ErrBadRequest):
		status, msg = http.StatusBadRequest, badRequestMessage(err)
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "job not found"
	case errors.Is(err, domain.ErrForbidden):
		status, msg = http.StatusForbidden, "invalid signature"
	case errors.Is(err, domain.ErrProviderExpired):
		status, msg = http.StatusNotFound, domain.ErrProviderExpired.Error()
	case errors.Is(err, domain.ErrProviderUnavailable):
		status, msg = http.StatusBadGateway, "provider unavailable"
	case errors.Is(err, domain.ErrChannelUnavailable):
		status, msg = http.StatusServiceUnavailable, "job could not be dispatched"
	}

	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		s.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("owner_id", ownerFrom(r.Context())).
			Str("job_id", chi.URLParam(r, "id")).
			Str("phase", phase).
			Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func badRequestMessage(err error) string {
	msg := strings.TrimSpace(strings.TrimPrefix(err.Error(), domain.ErrBadRequest.Error()+":"))
	if msg == "" {
		return domain.ErrBadRequest.Error()
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
