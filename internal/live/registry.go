package live

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/rs/zerolog"
)

// ErrJobFinished rejects subscriptions to jobs that can no longer change.
var ErrJobFinished = errors.New("job already finished")

// Conn is one live client connection. Implementations must be safe to call
// from the registry while the connection's own read loop is running.
type Conn interface {
	WriteText(ctx context.Context, msg string) error
}

type JobReader interface {
	GetForOwner(ctx context.Context, id, ownerID string) (domain.Job, bool, error)
}

// Registry maps job ids to the connections waiting on them.
type Registry struct {
	jobs    JobReader
	logger  zerolog.Logger
	metrics *Metrics

	mu     sync.Mutex
	subs   map[string][]*Subscription
	nextID uint64
}

func NewRegistry(jobs JobReader, logger zerolog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		jobs:    jobs,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string][]*Subscription),
	}
}

// Subscribe registers conn for updates on the owner's job. It fails with
// domain.ErrNotFound when the job does not belong to the owner and with
// ErrJobFinished when the job is already terminal.
func (r *Registry) Subscribe(ctx context.Context, jobID, ownerID string, conn Conn) (*Subscription, error) {
	job, err := r.lookup(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrJobFinished
	}

	r.mu.Lock()
	r.nextID++
	sub := &Subscription{
		id:    r.nextID,
		jobID: jobID,
		conn:  conn,
		done:  make(chan struct{}),
	}
	r.subs[jobID] = append(r.subs[jobID], sub)
	r.mu.Unlock()
	r.metrics.subscribed()

	// A terminal transition committed between the first read and the
	// registration above notified an empty set. Catch it up here.
	job, err = r.lookup(ctx, jobID, ownerID)
	if err == nil && job.Status.Terminal() {
		if err := sub.deliver(ctx, job.Status.String()); err != nil {
			r.logger.Warn().Err(err).Str("job_id", jobID).Str("phase", "subscribe").Msg("catch-up delivery failed")
		}
	}

	return sub, nil
}

func (r *Registry) lookup(ctx context.Context, jobID, ownerID string) (domain.Job, error) {
	job, ok, err := r.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

// Notify delivers msg to every connection currently subscribed to jobID and
// returns how many deliveries succeeded. A failing connection is logged and
// left registered; it goes away when its owner unsubscribes.
func (r *Registry) Notify(ctx context.Context, jobID, msg string) int {
	r.mu.Lock()
	snapshot := make([]*Subscription, len(r.subs[jobID]))
	copy(snapshot, r.subs[jobID])
	r.mu.Unlock()

	delivered := 0
	for _, sub := range snapshot {
		if err := sub.deliver(ctx, msg); err != nil {
			r.metrics.delivery(false)
			r.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Uint64("subscription", sub.id).
				Str("phase", "notify").
				Msg("live delivery failed")
			continue
		}
		r.metrics.delivery(true)
		delivered++
	}
	return delivered
}

// Unsubscribe removes sub. The job's entry is dropped once its last
// subscription is gone.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	subs := r.subs[sub.jobID]
	removed := false
	for i, s := range subs {
		if s.id == sub.id {
			subs = append(subs[:i:i], subs[i+1:]...)
			removed = true
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, sub.jobID)
	} else {
		r.subs[sub.jobID] = subs
	}
	r.mu.Unlock()

	sub.finish()
	if removed {
		r.metrics.unsubscribed()
	}
}

// Subscribers reports how many connections are registered for jobID.
func (r *Registry) Subscribers(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[jobID])
}

// Jobs reports how many job ids have at least one subscriber.
func (r *Registry) Jobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
