package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zjoart/go-payment-ledger/pkg/metrics"
)

// Client is the HTTP plumbing shared by adapters: bounded timeout, retry on
// transient failures, JSON decoding, and per-call metrics.
type Client struct {
	Gateway Name
	HTTP    *http.Client
	Backoff Backoff
	// Settled reports a 5xx reply that is an answer rather than an outage.
	// Such replies come back as a StatusError and are not retried.
	Settled func(op string, status int, body []byte) bool
}

func NewClient(gw Name, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		Gateway: gw,
		HTTP:    &http.Client{Timeout: timeout},
		Backoff: DefaultBackoff,
	}
}

// Do builds and sends a request, retrying transient failures. build is
// called once per attempt so request bodies are never reused. The raw
// response body is returned alongside the decoded value.
func (c *Client) Do(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error), out interface{}) ([]byte, error) {
	var raw []byte
	start := time.Now()

	err := Retry(ctx, c.Backoff, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("%s %s: build request: %w", c.Gateway, op, err)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return &UnavailableError{Gateway: c.Gateway, Op: op, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &UnavailableError{Gateway: c.Gateway, Op: op, Err: err}
		}

		if resp.StatusCode >= 500 && c.Settled != nil && c.Settled(op, resp.StatusCode, body) {
			return fmt.Errorf("%s %s: %w", c.Gateway, op, &StatusError{Status: resp.StatusCode, Body: body})
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &UnavailableError{Gateway: c.Gateway, Op: op, Err: &StatusError{Status: resp.StatusCode, Body: body}}
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s %s: %w: %w", c.Gateway, op, ErrRejected, &StatusError{Status: resp.StatusCode, Body: body})
		}

		raw = body
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%s %s: %w: %v", c.Gateway, op, ErrMalformed, err)
			}
		}
		return nil
	})

	metrics.GatewayLatency.WithLabelValues(string(c.Gateway), op).Observe(time.Since(start).Seconds())
	metrics.GatewayRequests.WithLabelValues(string(c.Gateway), op, outcome(err)).Inc()

	return raw, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRetryable(err):
		return "unavailable"
	default:
		return "rejected"
	}
}
