package store

import (
	"context"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
)

var ErrJobNotFound = domain.ErrNotFound

// JobStore is the durable record of jobs. Create enforces the one-active-job
// per owner rule itself and reports a conflict as domain.ErrAdmissionDenied.
// Transition applies domain.Job.Apply atomically and reports whether the
// stored row changed.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	GetForOwner(ctx context.Context, id, ownerID string) (domain.Job, bool, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error)
	Transition(ctx context.Context, id string, obs domain.Observation) (domain.Job, bool, error)
	AttachProviderJob(ctx context.Context, id, providerJobID string) (domain.Job, error)
	FailOrphans(ctx context.Context, createdBefore time.Time) ([]domain.Job, error)
}
