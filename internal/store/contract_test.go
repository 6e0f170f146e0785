package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id, owner string, createdAt time.Time) domain.Job {
	return domain.Job{
		ID:        id,
		OwnerID:   owner,
		Prompt:    "make it a watercolor",
		InputRef:  "https://store.example/reimagine/" + id,
		Status:    domain.StatusInQueue,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// runJobStoreContract exercises the behaviour every JobStore must share.
func runJobStoreContract(t *testing.T, open func(t *testing.T) JobStore) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("one active job per owner", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, newJob("a1", "owner-a", base)))
		err := s.Create(ctx, newJob("a2", "owner-a", base.Add(time.Second)))
		require.ErrorIs(t, err, domain.ErrAdmissionDenied)

		require.NoError(t, s.Create(ctx, newJob("b1", "owner-b", base)))

		_, changed, err := s.Transition(ctx, "a1", domain.Observation{Status: domain.StatusFailed})
		require.NoError(t, err)
		require.True(t, changed)
		require.NoError(t, s.Create(ctx, newJob("a3", "owner-a", base.Add(2*time.Second))))
	})

	t.Run("concurrent submissions admit exactly one", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		const attempts = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
			denied   int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Create(ctx, newJob(fmt.Sprintf("race-%d", i), "racer", base))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					admitted++
				} else if assert.ErrorIs(t, err, domain.ErrAdmissionDenied) {
					denied++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, admitted)
		assert.Equal(t, attempts-1, denied)
	})

	t.Run("ownership scoped reads", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newJob("o1", "owner-a", base)))

		_, ok, err := s.GetForOwner(ctx, "o1", "owner-b")
		require.NoError(t, err)
		assert.False(t, ok)

		job, ok, err := s.GetForOwner(ctx, "o1", "owner-a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "make it a watercolor", job.Prompt)

		_, ok, err = s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list newest first", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for i, id := range []string{"l1", "l2", "l3"} {
			job := newJob(id, "lister", base.Add(time.Duration(i)*time.Minute))
			job.Status = domain.StatusFailed
			require.NoError(t, s.Create(ctx, job))
		}
		require.NoError(t, s.Create(ctx, newJob("other", "someone-else", base)))

		jobs, err := s.ListByOwner(ctx, "lister")
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{"l3", "l2", "l1"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

		empty, err := s.ListByOwner(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("transition rule", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newJob("t1", "owner-t", base)))

		job, changed, err := s.Transition(ctx, "t1", domain.Observation{Status: domain.StatusInProgress})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.StatusInProgress, job.Status)

		job, changed, err = s.Transition(ctx, "t1", domain.Observation{Status: domain.StatusInQueue})
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, domain.StatusInProgress, job.Status)

		done := domain.Observation{Status: domain.StatusCompleted, ResultRef: "https://store.example/out/t1.png"}
		job, changed, err = s.Transition(ctx, "t1", done)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.StatusCompleted, job.Status)
		assert.Equal(t, done.ResultRef, job.ResultRef)

		again, changed, err := s.Transition(ctx, "t1", done)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, job.Status, again.Status)
		assert.Equal(t, job.ResultRef, again.ResultRef)

		_, changed, err = s.Transition(ctx, "t1", domain.Observation{Status: domain.StatusFailed})
		require.NoError(t, err)
		assert.False(t, changed)

		_, _, err = s.Transition(ctx, "missing", done)
		require.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("completion without result fails the job", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newJob("c1", "owner-c", base)))
		_, err := s.AttachProviderJob(ctx, "c1", "rp-c1")
		require.NoError(t, err)

		job, changed, err := s.Transition(ctx, "c1", domain.Observation{Status: domain.StatusCompleted})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.StatusFailed, job.Status)
		assert.Empty(t, job.ResultRef)

		_, changed, err = s.Transition(ctx, "c1", domain.Observation{Status: domain.StatusCompleted, ResultRef: "https://store.example/out/c1.png"})
		require.NoError(t, err)
		assert.False(t, changed)

		require.NoError(t, s.Create(ctx, newJob("c2", "owner-c", base.Add(time.Second))))
	})

	t.Run("attach provider job", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newJob("p1", "owner-p", base)))

		job, err := s.AttachProviderJob(ctx, "p1", "rp-123")
		require.NoError(t, err)
		assert.Equal(t, "rp-123", job.ProviderJobID)

		_, err = s.AttachProviderJob(ctx, "missing", "rp-999")
		require.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("fail orphans", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newJob("stale", "owner-1", base)))
		require.NoError(t, s.Create(ctx, newJob("fresh", "owner-2", base.Add(time.Hour))))
		require.NoError(t, s.Create(ctx, newJob("relayed", "owner-3", base)))
		_, err := s.AttachProviderJob(ctx, "relayed", "rp-1")
		require.NoError(t, err)

		failed, err := s.FailOrphans(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "stale", failed[0].ID)
		assert.Equal(t, domain.StatusFailed, failed[0].Status)

		fresh, _, err := s.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInQueue, fresh.Status)
	})
}
