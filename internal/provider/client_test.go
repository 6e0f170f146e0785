package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "provider-key"})
	require.NoError(t, err)
	return c
}

func TestStatusCompleted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/status/rp-1", r.URL.Path)
		assert.Equal(t, "Bearer provider-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"rp-1","status":"COMPLETED","output":{"message":"https://store/out/j1.png"}}`))
	})

	obs, err := c.Status(context.Background(), "rp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, obs.Status)
	assert.Equal(t, "https://store/out/j1.png", obs.ResultRef)
}

func TestStatusInProgressIgnoresOutput(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"rp-1","status":"IN_PROGRESS","output":{"message":"partial"}}`))
	})

	obs, err := c.Status(context.Background(), "rp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Observation{Status: domain.StatusInProgress}, obs)
}

func TestStatusNotFoundIsExpired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Status(context.Background(), "rp-gone")
	require.ErrorIs(t, err, domain.ErrProviderExpired)
}

func TestStatusServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Status(context.Background(), "rp-1")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.NotErrorIs(t, err, domain.ErrProviderExpired)
}

func TestStatusUnknownValueIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"rp-1","status":"WARMING_UP"}`))
	})

	_, err := c.Status(context.Background(), "rp-1")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.ErrorIs(t, err, domain.ErrUnknownStatus)
}

func TestRun(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/run", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://api.example.com/webhook/j1?sig=abc", body["webhook"])
		assert.Contains(t, body, "input")

		_, _ = w.Write([]byte(`{"id":"rp-9","status":"IN_QUEUE"}`))
	})

	out, err := c.Run(context.Background(), RunRequest{
		Input:   map[string]any{"prompt": "p"},
		Webhook: "https://api.example.com/webhook/j1?sig=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, RunResponse{ID: "rp-9", Status: "IN_QUEUE"}, out)
}

func TestRunRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad workflow"}`))
	})

	_, err := c.Run(context.Background(), RunRequest{Input: map[string]any{}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestRunThrottledIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Run(context.Background(), RunRequest{Input: map[string]any{}})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: ""})
	require.Error(t, err)
}

func TestOutputMessage(t *testing.T) {
	assert.Equal(t, "u", OutputMessage(json.RawMessage(`{"message":" u "}`)))
	assert.Empty(t, OutputMessage(json.RawMessage(`["a","b"]`)))
	assert.Empty(t, OutputMessage(nil))
}
