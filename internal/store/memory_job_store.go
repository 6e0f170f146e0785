package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status.Active() {
		for _, existing := range s.jobs {
			if existing.OwnerID == job.OwnerID && existing.Status.Active() {
				return domain.ErrAdmissionDenied
			}
		}
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) GetForOwner(ctx context.Context, id, ownerID string) (domain.Job, bool, error) {
	job, ok, err := s.Get(ctx, id)
	if err != nil || !ok || job.OwnerID != ownerID {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *MemoryJobStore) ListByOwner(_ context.Context, ownerID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryJobStore) Transition(_ context.Context, id string, obs domain.Observation) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false, ErrJobNotFound
	}
	next, changed := job.Apply(obs, s.now())
	if changed {
		s.jobs[id] = next
	}
	return next, changed, nil
}

func (s *MemoryJobStore) AttachProviderJob(_ context.Context, id, providerJobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	job.ProviderJobID = providerJobID
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) FailOrphans(_ context.Context, createdBefore time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []domain.Job
	for id, job := range s.jobs {
		if job.Status != domain.StatusInQueue || job.ProviderJobID != "" || !job.CreatedAt.Before(createdBefore) {
			continue
		}
		job.Status = domain.StatusFailed
		job.UpdatedAt = s.now()
		s.jobs[id] = job
		failed = append(failed, job)
	}
	return failed, nil
}
