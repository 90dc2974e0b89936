// Package outbound performs JSON HTTP calls to third parties with explicit
// request and response values and a retry policy passed per call.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

type Request struct {
	Method string
	URL    string
	Bearer string
	Header map[string]string
	// Body is JSON encoded when non-nil.
	Body any
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Policy bounds one logical call. Timeout applies to each attempt.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// Once makes a single attempt; retries are left to the job bus.
func Once(timeout time.Duration) Policy {
	return Policy{MaxAttempts: 1, Timeout: timeout}
}

type Client struct {
	http *http.Client
}

// NewClient wraps base (or http.DefaultTransport) with tracing.
func NewClient(base http.RoundTripper) *Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{http: &http.Client{Transport: otelhttp.NewTransport(base)}}
}

// Do sends req. A non-2xx answer is returned as *StatusError alongside the
// response. Only transient failures are retried.
func (c *Client) Do(ctx context.Context, req Request, policy Policy) (Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = json.Marshal(req.Body); err != nil {
			return Response{}, fmt.Errorf("marshal request body: %w", err)
		}
	}

	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	var last Response
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		resp, err := c.attempt(ctx, req, body, policy.Timeout)
		last = resp
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
	)
	return last, err
}

func (c *Client) attempt(ctx context.Context, req Request, body []byte, timeout time.Duration) (Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Bearer)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	resp := Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, &StatusError{Status: httpResp.StatusCode, Body: string(data)}
	}
	return resp, nil
}
