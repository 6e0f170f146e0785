package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the external compute provider: POST {base}/run to submit
// work and GET {base}/status/{id} to poll it.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid provider base url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
	}, nil
}

type RunRequest struct {
	Input   any    `json:"input"`
	Webhook string `json:"webhook,omitempty"`
}

type RunResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

type output struct {
	Message string `json:"message"`
}

// Status polls the provider for one job. A 404 means the provider no longer
// knows the job and is reported as domain.ErrProviderExpired; every other
// failure is domain.ErrProviderUnavailable.
func (c *Client) Status(ctx context.Context, providerJobID string) (domain.Observation, error) {
	endpoint := c.baseURL + "/status/" + url.PathEscape(providerJobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("build status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Observation{}, domain.ErrProviderExpired
	case resp.StatusCode != http.StatusOK:
		return domain.Observation{}, fmt.Errorf("%w: status request returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return domain.Observation{}, fmt.Errorf("%w: decode status response: %v", domain.ErrProviderUnavailable, err)
	}

	status, err := domain.ParseStatus(body.Status)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}

	obs := domain.Observation{Status: status}
	if status == domain.StatusCompleted {
		obs.ResultRef = OutputMessage(body.Output)
	}
	return obs, nil
}

// Run submits work to the provider and returns the provider's job id and
// initial status.
func (c *Client) Run(ctx context.Context, run RunRequest) (RunResponse, error) {
	body, err := json.Marshal(run)
	if err != nil {
		return RunResponse{}, fmt.Errorf("marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return RunResponse{}, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RunResponse{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RunResponse{}, &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out RunResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return RunResponse{}, fmt.Errorf("%w: decode run response: %v", domain.ErrProviderUnavailable, err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return RunResponse{}, fmt.Errorf("%w: run response has no job id", domain.ErrProviderUnavailable)
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// RejectedError is a non-2xx answer to a run request.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected run request: status=%d body=%q", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *RejectedError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a provider rejection that retries will
// not fix.
func IsPermanent(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.Permanent()
}

// OutputMessage extracts output.message from a provider payload, tolerating
// outputs that are not objects.
func OutputMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out output
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out.Message)
}
