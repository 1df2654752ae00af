// Package helper implements the leader's outbound half of the DAP
// aggregation-job protocol: PUT/POST/DELETE to the helper aggregator
// (spec.md §6), with RFC 7807 problem-body decoding and retry/backoff on
// transient failures.
package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
)

const mediaType = "application/dap-aggregation-job+json"

// Client is the leader's HTTP client for one helper peer. It is a pure
// function of (method, uri, content-type, body, token, timeouts, backoff) —
// spec.md §9 design note: "do not entangle it with per-job state".
type Client struct {
	httpClient *http.Client
	maxRetries uint
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client (for custom timeouts).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries caps the number of retry attempts on retryable responses.
func WithMaxRetries(n uint) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New constructs a Client with a default 30s total timeout.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitAggregationJob sends the init-round request (spec.md §6 PUT).
func (c *Client) InitAggregationJob(ctx context.Context, task *dap.Task, jobID string, req *AggregationJobInitReq) (*AggregationJobResp, error) {
	body, err := MarshalInitReq(req)
	if err != nil {
		return nil, &dap.Error{Kind: dap.ErrCodec, Message: "encoding aggregation job init request", Inner: err}
	}
	url := fmt.Sprintf("%s/tasks/%s/aggregation_jobs/%s", task.HelperURL, task.ID, jobID)
	return c.sendAggregationJobRequest(ctx, task, http.MethodPut, url, body)
}

// ContinueAggregationJob sends the continue-round request (spec.md §6 POST).
func (c *Client) ContinueAggregationJob(ctx context.Context, task *dap.Task, jobID string, req *AggregationJobContinueReq) (*AggregationJobResp, error) {
	body, err := MarshalContinueReq(req)
	if err != nil {
		return nil, &dap.Error{Kind: dap.ErrCodec, Message: "encoding aggregation job continue request", Inner: err}
	}
	url := fmt.Sprintf("%s/tasks/%s/aggregation_jobs/%s", task.HelperURL, task.ID, jobID)
	return c.sendAggregationJobRequest(ctx, task, http.MethodPost, url, body)
}

// AbandonAggregationJob issues a best-effort DELETE so the helper may free
// its resources. A failed DELETE must never fail the abandonment
// (spec.md §4.6 "Cancellation / abandonment").
func (c *Client) AbandonAggregationJob(ctx context.Context, task *dap.Task, jobID string) {
	url := fmt.Sprintf("%s/tasks/%s/aggregation_jobs/%s", task.HelperURL, task.ID, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+string(task.AuthToken))
	res, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	_ = res.Body.Close()
}

func (c *Client) sendAggregationJobRequest(ctx context.Context, task *dap.Task, method, url string, body []byte) (*AggregationJobResp, error) {
	attempt := func() (*AggregationJobResp, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(&dap.Error{Kind: dap.ErrInternal, Message: "building helper request", Inner: err})
		}
		req.Header.Set("Content-Type", mediaType)
		req.Header.Set("Accept", mediaType)
		req.Header.Set("Authorization", "Bearer "+string(task.AuthToken))

		res, err := c.httpClient.Do(req)
		if err != nil {
			// Connection-level failures (timeouts, resets) are transient.
			return nil, &dap.Error{Kind: dap.ErrDatastore, DatastoreKind: dap.DatastoreErrDB, Message: "helper request failed", Inner: err}
		}
		defer res.Body.Close()

		respBody, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, backoff.Permanent(&dap.Error{Kind: dap.ErrCodec, Message: "reading helper response body", Inner: err})
		}

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			problem := decodeProblem(respBody)
			derr := dap.NewHTTPError(res.StatusCode, problem)
			if derr.IsRetryable() {
				return nil, derr
			}
			return nil, backoff.Permanent(derr)
		}

		resp, err := UnmarshalResp(respBody)
		if err != nil {
			return nil, backoff.Permanent(&dap.Error{Kind: dap.ErrCodec, Message: "decoding helper response", Inner: err})
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxRetries))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeProblem(body []byte) *dap.Problem {
	var p dap.Problem
	if err := json.Unmarshal(body, &p); err != nil {
		return nil
	}
	return &p
}
