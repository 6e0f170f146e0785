package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         zerolog.Logger
}

// Callback is the body accepted by the API's /webhook/{id} endpoint. It has
// the same shape as the provider's own completion callback.
type Callback struct {
	ID     string  `json:"id,omitempty"`
	Status string  `json:"status"`
	Output *Output `json:"output,omitempty"`
}

type Output struct {
	Message string `json:"message"`
}

// Client delivers status callbacks to signed callback URLs.
type Client struct {
	httpClient  *http.Client
	maxAttempts int
	backoff     backoff
	logger      zerolog.Logger
}

type backoff struct {
	initial time.Duration
	ceiling time.Duration
}

func (b backoff) after(attempt int) time.Duration {
	d := b.initial
	for i := 1; i < attempt && d < b.ceiling; i++ {
		d *= 2
	}
	return min(d, b.ceiling)
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: max(1, cfg.MaxAttempts),
		backoff:     backoff{initial: initial, ceiling: max(initial, cfg.MaxBackoff)},
		logger:      cfg.Logger,
	}
}

// Post sends cb to endpoint, retrying network errors and 5xx answers with
// exponential backoff. 4xx answers are final.
func (c *Client) Post(ctx context.Context, endpoint string, cb Callback) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build callback request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			if resp.StatusCode < 500 {
				return fmt.Errorf("callback rejected: status=%d", resp.StatusCode)
			}
			lastErr = fmt.Errorf("callback returned status=%d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == c.maxAttempts {
			break
		}

		wait := c.backoff.after(attempt)
		c.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Str("status", cb.Status).
			Msg("callback delivery failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("callback delivery failed after %d attempts: %w", c.maxAttempts, lastErr)
}
