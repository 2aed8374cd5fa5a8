// Package httpclient fronts net/http with a shared token-bucket rate
// limiter and exponential-backoff retries, the behavior exchange REST APIs
// expect from a client that backfills years of klines in a burst.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Client is a retrying, rate-limited HTTP client. All callers share one
// limiter, so concurrent fetchers stay inside the same request budget.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	maxElapsed time.Duration
}

// Options configures a Client. Zero fields fall back to defaults suitable
// for a public REST API: 30s per attempt, 5 req/s, 30s total retry budget.
type Options struct {
	Timeout         time.Duration // per-attempt timeout
	RequestsPerSec  int           // sustained request rate
	Burst           int           // limiter burst, defaults to RequestsPerSec
	MaxRetryElapsed time.Duration // total time budget across retries
}

// New builds a Client, filling unset options with the defaults above.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 5
	}
	if opts.Burst == 0 {
		opts.Burst = opts.RequestsPerSec
	}
	if opts.MaxRetryElapsed == 0 {
		opts.MaxRetryElapsed = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		maxElapsed: opts.MaxRetryElapsed,
	}
}

// DoJSON executes req, retrying transport errors and non-200 statuses with
// exponential backoff, then decodes the response body into out (skipped when
// out is nil). The limiter is consulted before every attempt, so retries
// spend rate budget the same way first tries do. Requests must carry no
// body — parameters go in the query string — which keeps them safe to
// resend.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out interface{}) error {
	req = req.WithContext(ctx)

	var body []byte
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode, Body: trimBody(body)}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is a non-200 response. Exchange APIs put the rejection reason
// in the payload, so the body text matters more than the status line.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// trimBody keeps error payloads log-sized; API errors are one-line JSON but
// a proxy in the path can return a whole HTML page.
func trimBody(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
