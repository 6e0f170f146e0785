package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/dunamismax/reimagine/internal/live"
	"github.com/dunamismax/reimagine/internal/preprocess"
	"github.com/dunamismax/reimagine/internal/queue"
	"github.com/dunamismax/reimagine/internal/signature"
	"github.com/dunamismax/reimagine/internal/storage"
	"github.com/dunamismax/reimagine/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "reimagine"

type fakeBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writeErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) ObjectURL(key string) string {
	return "https://store.example/" + testBucket + "/" + key
}

func (b *fakeBlobs) ObjectKey(ref string) (string, error) {
	return storage.ObjectKeyFromRef(ref, testBucket)
}

func (b *fakeBlobs) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBlobs) Open(_ context.Context, key string) (storage.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return storage.Object{}, errors.New("no such key")
	}
	return storage.Object{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: "image/png",
		Size:        int64(len(data)),
	}, nil
}

func (b *fakeBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []queue.GenerateImagePayload
	err      error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, payload queue.GenerateImagePayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, payload)
	return nil
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	obs   domain.Observation
	err   error
}

func (p *fakeProvider) Status(_ context.Context, _ string) (domain.Observation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.obs, p.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, jobID, msg string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, jobID+"="+msg)
	return 1
}

type harness struct {
	svc        *Service
	store      *store.MemoryJobStore
	blobs      *fakeBlobs
	dispatcher *fakeDispatcher
	provider   *fakeProvider
	notifier   *recordingNotifier
	signer     *signature.Signer
	metrics    *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	signer, err := signature.NewSigner("callback-secret")
	require.NoError(t, err)
	normalizer, err := preprocess.NewNormalizer(64)
	require.NoError(t, err)

	h := &harness{
		store:      store.NewMemoryJobStore(),
		blobs:      newFakeBlobs(),
		dispatcher: &fakeDispatcher{},
		provider:   &fakeProvider{},
		notifier:   &recordingNotifier{},
		signer:     signer,
		metrics:    NewMetrics(prometheus.NewRegistry()),
	}
	h.svc, err = NewService(Config{PublicBaseURL: "https://api.example.com"}, Deps{
		Store:      h.store,
		Blobs:      h.blobs,
		Dispatcher: h.dispatcher,
		Normalizer: normalizer,
		Provider:   h.provider,
		Notifier:   h.notifier,
		Signer:     signer,
		Logger:     zerolog.Nop(),
		Metrics:    h.metrics,
	})
	require.NoError(t, err)
	return h
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func (h *harness) submit(t *testing.T, owner string) (domain.Job, error) {
	t.Helper()
	return h.svc.Submit(context.Background(), domain.SubmitRequest{
		OwnerID:     owner,
		Prompt:      "p",
		ContentType: "image/png",
		Image:       pngBytes(t),
	})
}

func sigFromWebhook(t *testing.T, webhook string) string {
	t.Helper()
	u, err := url.Parse(webhook)
	require.NoError(t, err)
	return u.Query().Get(signature.QueryParam)
}

func TestEndToEndCallbackThenPoll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInQueue, job.Status)
	assert.True(t, h.blobs.has(job.ID), "input must be stored under the job id")

	require.Len(t, h.dispatcher.payloads, 1)
	msg := h.dispatcher.payloads[0]
	assert.Equal(t, job.ID, msg.ImageKey)
	assert.Equal(t, "p", msg.Prompt)
	assert.True(t, strings.HasPrefix(msg.Webhook, "https://api.example.com/webhook/"+job.ID+"?sig="))

	resultRef := "https://store.example/reimagine/outputs/" + job.ID + ".png"
	require.NoError(t, h.blobs.WriteObject(ctx, "outputs/"+job.ID+".png", []byte("artifact"), "image/png"))

	updated, err := h.svc.HandleCallback(ctx, job.ID, sigFromWebhook(t, msg.Webhook), Callback{
		Status:    "COMPLETED",
		ResultRef: resultRef,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, updated.Status)
	assert.Equal(t, resultRef, updated.ResultRef)

	got, obj, err := h.svc.GetStatusAndResult(ctx, job.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, obj)
	defer obj.Body.Close()
	body, err := io.ReadAll(obj.Body)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "artifact", string(body))
	assert.Equal(t, 0, h.provider.calls, "completed jobs are served without polling")
	assert.Equal(t, []string{job.ID + "=COMPLETED"}, h.notifier.msgs)
}

func TestCallbackIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	sig := h.signer.Sign(job.ID)

	cb := Callback{Status: "COMPLETED", ResultRef: "https://store.example/reimagine/out/1.png"}
	first, err := h.svc.HandleCallback(ctx, job.ID, sig, cb)
	require.NoError(t, err)
	second, err := h.svc.HandleCallback(ctx, job.ID, sig, cb)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ResultRef, second.ResultRef)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestCallbackRejectsBadSignatures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)

	_, err = h.svc.HandleCallback(ctx, job.ID, "", Callback{Status: "COMPLETED", ResultRef: "x"})
	require.ErrorIs(t, err, domain.ErrBadRequest)

	forged := h.signer.Sign("other-job")
	_, err = h.svc.HandleCallback(ctx, job.ID, forged, Callback{Status: "COMPLETED", ResultRef: "x"})
	require.ErrorIs(t, err, domain.ErrForbidden)

	stored, ok, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusInQueue, stored.Status)
	assert.Empty(t, stored.ResultRef)
	assert.Empty(t, h.notifier.msgs)
}

func TestCallbackUnknownStatusIsBadRequest(t *testing.T) {
	h := newHarness(t)
	job, err := h.submit(t, "u1")
	require.NoError(t, err)

	_, err = h.svc.HandleCallback(context.Background(), job.ID, h.signer.Sign(job.ID), Callback{Status: "PAUSED"})
	require.ErrorIs(t, err, domain.ErrBadRequest)
	require.ErrorIs(t, err, domain.ErrUnknownStatus)
}

func TestCallbackForUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.HandleCallback(context.Background(), "ghost", h.signer.Sign("ghost"), Callback{Status: "FAILED"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTerminalJobsDoNotRegress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	sig := h.signer.Sign(job.ID)

	_, err = h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "FAILED"})
	require.NoError(t, err)
	got, err := h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "IN_PROGRESS"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	got, err = h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "COMPLETED", ResultRef: "late"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Empty(t, got.ResultRef)
}

func TestRepeatedTerminalCallbackIsAnnouncedAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	sig := h.signer.Sign(job.ID)

	_, err = h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "FAILED"})
	require.NoError(t, err)
	_, err = h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "FAILED"})
	require.NoError(t, err)
	_, err = h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "IN_QUEUE"})
	require.NoError(t, err)

	assert.Equal(t, []string{job.ID + "=FAILED", job.ID + "=FAILED"}, h.notifier.msgs)
}

func TestCompletionWithoutResultFailsAndFreesSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)

	got, err := h.svc.HandleCallback(ctx, job.ID, h.signer.Sign(job.ID), Callback{Status: "COMPLETED"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Empty(t, got.ResultRef)
	assert.Equal(t, []string{job.ID + "=FAILED"}, h.notifier.msgs)

	_, err = h.submit(t, "u1")
	require.NoError(t, err)
}

func TestPollCompletionWithoutResultFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	_, err = h.store.AttachProviderJob(ctx, job.ID, "rp-1")
	require.NoError(t, err)

	h.provider.obs = domain.Observation{Status: domain.StatusCompleted}
	got, obj, err := h.svc.GetStatusAndResult(ctx, job.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Equal(t, domain.StatusFailed, got.Status)

	_, err = h.submit(t, "u1")
	require.NoError(t, err)
}

func TestCallbackRecordsMissingProviderJobID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	sig := h.signer.Sign(job.ID)

	got, err := h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "IN_QUEUE", ProviderJobID: " rp-7 "})
	require.NoError(t, err)
	assert.Equal(t, "rp-7", got.ProviderJobID)
	assert.Equal(t, domain.StatusInQueue, got.Status)

	// The recorded id lets the sweeper leave the queued job alone.
	swept, err := h.store.FailOrphans(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, swept)

	// An id already on the job is kept.
	got, err = h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "IN_PROGRESS", ProviderJobID: "rp-8"})
	require.NoError(t, err)
	assert.Equal(t, "rp-7", got.ProviderJobID)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestCallbackDoesNotRecordProviderJobIDOnFinishedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	sig := h.signer.Sign(job.ID)

	_, err = h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "FAILED"})
	require.NoError(t, err)
	got, err := h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "FAILED", ProviderJobID: "rp-9"})
	require.NoError(t, err)
	assert.Empty(t, got.ProviderJobID)
}

func TestPollExpiredJobFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	_, err = h.store.AttachProviderJob(ctx, job.ID, "rp-1")
	require.NoError(t, err)

	h.provider.err = domain.ErrProviderExpired
	got, obj, err := h.svc.GetStatusAndResult(ctx, job.ID, "u1")
	require.ErrorIs(t, err, domain.ErrProviderExpired)
	assert.Nil(t, obj)
	assert.Equal(t, domain.StatusFailed, got.Status)

	stored, _, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)

	// Failed jobs are answered from the store.
	h.provider.err = nil
	got, _, err = h.svc.GetStatusAndResult(ctx, job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, h.provider.calls)
}

func TestPollTransientFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	_, err = h.store.AttachProviderJob(ctx, job.ID, "rp-1")
	require.NoError(t, err)

	h.provider.err = domain.ErrProviderUnavailable
	_, _, err = h.svc.GetStatusAndResult(ctx, job.ID, "u1")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	stored, _, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInQueue, stored.Status)
}

func TestPollAppliesProviderStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	_, err = h.store.AttachProviderJob(ctx, job.ID, "rp-1")
	require.NoError(t, err)

	h.provider.obs = domain.Observation{Status: domain.StatusInProgress}
	got, obj, err := h.svc.GetStatusAndResult(ctx, job.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Equal(t, domain.StatusInProgress, got.Status)

	require.NoError(t, h.blobs.WriteObject(ctx, "outputs/r.png", []byte("done"), "image/png"))
	h.provider.obs = domain.Observation{Status: domain.StatusCompleted, ResultRef: "https://store.example/reimagine/outputs/r.png"}
	got, obj, err = h.svc.GetStatusAndResult(ctx, job.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, obj)
	defer obj.Body.Close()
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, []string{job.ID + "=IN_PROGRESS", job.ID + "=COMPLETED"}, h.notifier.msgs)
}

func TestPollWithoutProviderJobID(t *testing.T) {
	h := newHarness(t)
	job, err := h.submit(t, "u1")
	require.NoError(t, err)

	got, obj, err := h.svc.GetStatusAndResult(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Equal(t, domain.StatusInQueue, got.Status)
	assert.Equal(t, 0, h.provider.calls)
}

func TestGetStatusEnforcesOwnership(t *testing.T) {
	h := newHarness(t)
	job, err := h.submit(t, "u1")
	require.NoError(t, err)

	_, _, err = h.svc.GetStatusAndResult(context.Background(), job.ID, "u2")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = h.svc.GetStatusAndResult(context.Background(), "missing", "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, domain.SubmitRequest{OwnerID: "u1", Prompt: "", ContentType: "image/png", Image: pngBytes(t)})
	require.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = h.svc.Submit(ctx, domain.SubmitRequest{OwnerID: "u1", Prompt: "p", ContentType: "image/gif", Image: pngBytes(t)})
	require.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = h.svc.Submit(ctx, domain.SubmitRequest{OwnerID: "u1", Prompt: "p", ContentType: "image/png", Image: make([]byte, domain.MaxImageBytes+1)})
	require.ErrorIs(t, err, domain.ErrImageTooLarge)

	_, err = h.svc.Submit(ctx, domain.SubmitRequest{OwnerID: "u1", Prompt: "p", ContentType: "image/png", Image: []byte("garbage")})
	require.ErrorIs(t, err, domain.ErrInvalidImage)

	jobs, err := h.svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, h.dispatcher.payloads)
}

func TestSubmitDispatchFailureReleasesSlot(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("redis down")

	_, err := h.submit(t, "u1")
	require.ErrorIs(t, err, domain.ErrChannelUnavailable)

	jobs, err := h.svc.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusFailed, jobs[0].Status)

	h.dispatcher.err = nil
	_, err = h.submit(t, "u1")
	require.NoError(t, err, "a failed dispatch must not hold the owner's slot")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.submissions.WithLabelValues("channel_unavailable")))
}

func TestSubmitBlobFailureDoesNotDispatch(t *testing.T) {
	h := newHarness(t)
	h.blobs.writeErr = errors.New("bucket gone")

	_, err := h.submit(t, "u1")
	require.Error(t, err)
	assert.Empty(t, h.dispatcher.payloads)

	jobs, err := h.svc.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusFailed, jobs[0].Status)
}

// TestAdmissionProperty drives random submissions and terminal callbacks and
// checks that no owner ever holds more than one active job.
func TestAdmissionProperty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	owners := []string{"u1", "u2", "u3"}

	for step := 0; step < 300; step++ {
		owner := owners[rng.Intn(len(owners))]
		if rng.Intn(3) == 0 {
			jobs, err := h.svc.List(ctx, owner)
			require.NoError(t, err)
			for _, job := range jobs {
				if job.Status.Active() {
					_, err := h.svc.HandleCallback(ctx, job.ID, h.signer.Sign(job.ID), Callback{Status: "FAILED"})
					require.NoError(t, err)
				}
			}
			continue
		}

		_, err := h.submit(t, owner)
		if err != nil {
			require.ErrorIs(t, err, domain.ErrAdmissionDenied)
		}

		for _, o := range owners {
			jobs, err := h.svc.List(ctx, o)
			require.NoError(t, err)
			active := 0
			for _, job := range jobs {
				if job.Status.Active() {
					active++
				}
			}
			require.LessOrEqual(t, active, 1, "owner %s", o)
		}
	}
}

func TestConcurrentSubmissionsAdmitOne(t *testing.T) {
	h := newHarness(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		denied   int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.submit(t, "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domain.ErrAdmissionDenied):
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 15, denied)
}

func TestLiveSubscriberSeesCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	registry := live.NewRegistry(h.store, zerolog.Nop(), nil)
	h.svc.notifier = registry

	job, err := h.submit(t, "u1")
	require.NoError(t, err)

	conn := &chanConn{msgs: make(chan string, 4)}
	sub, err := registry.Subscribe(ctx, job.ID, "u1", conn)
	require.NoError(t, err)
	defer registry.Unsubscribe(sub)

	_, err = h.svc.HandleCallback(ctx, job.ID, h.signer.Sign(job.ID), Callback{Status: "COMPLETED", ResultRef: "https://store.example/reimagine/o.png"})
	require.NoError(t, err)

	assert.Equal(t, "COMPLETED", <-conn.msgs)
	<-sub.Done()
}

type chanConn struct {
	msgs chan string
}

func (c *chanConn) WriteText(_ context.Context, msg string) error {
	c.msgs <- msg
	return nil
}

func TestKeyedMutexForgetsKeys(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("j1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.len())
}

type gatedNotifier struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	msgs []string
}

// Notify holds the first call until release is closed.
func (n *gatedNotifier) Notify(_ context.Context, jobID, msg string) int {
	if n.calls.Add(1) == 1 {
		close(n.entered)
		<-n.release
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, jobID+"="+msg)
	return 1
}

func TestSlowSubscriberDoesNotBlockReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	notifier := &gatedNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	h.svc.notifier = notifier

	job, err := h.submit(t, "u1")
	require.NoError(t, err)
	sig := h.signer.Sign(job.ID)

	first := make(chan error, 1)
	go func() {
		_, err := h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "IN_PROGRESS"})
		first <- err
	}()
	<-notifier.entered

	second := make(chan error, 1)
	go func() {
		_, err := h.svc.HandleCallback(ctx, job.ID, sig, Callback{Status: "FAILED"})
		second <- err
	}()

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile waited on a stalled live delivery")
	}

	close(notifier.release)
	require.NoError(t, <-first)

	stored, _, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}
