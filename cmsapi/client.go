// Package cmsapi executes single HTTP calls against the remote content API
// with per-call timeouts, bounded exponential-backoff retries, and response
// classification.
//
// The client is deliberately ignorant of batches and rollback: its only side
// effects are the network call itself and feeding the rate-limit tracker
// after every response, so the very next dispatch sees fresh state.
package cmsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/cmsbatch/ratelimit"
	"github.com/hazyhaar/cmsbatch/token"
)

// maxResponseBody caps the amount of response data read from the remote API
// to prevent memory exhaustion (10 MiB).
const maxResponseBody int64 = 10 << 20

// Config configures a Client.
type Config struct {
	// BaseURL is the root of the remote content API, without trailing slash.
	BaseURL string
	// Timeout is the default per-call timeout. Default: 30s.
	Timeout time.Duration
	// MaxRetries bounds retry attempts for retryable failures. Default: 3.
	MaxRetries int
	// BaseBackoff is the initial retry delay, doubled each attempt.
	// Default: 1s.
	BaseBackoff time.Duration
	// UserAgent sent with requests.
	UserAgent string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "cmsbatch/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client issues requests against the remote content API.
type Client struct {
	http    *http.Client
	cfg     Config
	guard   *token.Guard
	tracker *ratelimit.Tracker
}

// New creates a Client. guard and tracker are owned by this client instance;
// distinct clients (different sites, different credentials) get their own.
func New(cfg Config, guard *token.Guard, tracker *ratelimit.Tracker) *Client {
	cfg.defaults()
	return &Client{
		// No Timeout on the http.Client itself: per-call deadlines come
		// from the request context so overrides work per call.
		http:    &http.Client{},
		cfg:     cfg,
		guard:   guard,
		tracker: tracker,
	}
}

// RateLimit returns the last observed rate-limit snapshot.
func (c *Client) RateLimit() ratelimit.State { return c.tracker.State() }

// CallOption adjusts a single Execute call.
type CallOption func(*callOpts)

type callOpts struct {
	timeout time.Duration
}

// WithTimeout overrides the per-call timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOpts) { o.timeout = d }
}

// apiEnvelope is the remote error body: { err, code, msg, details? }.
type apiEnvelope struct {
	Err     bool            `json:"err"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Details json.RawMessage `json:"details"`
}

// err429 is an internal classification for a 429 response; Execute resolves
// it according to the tracker's strategy before anything escapes.
type err429 struct {
	retryAfter time.Duration
	until      time.Time
}

func (e *err429) Error() string { return "cmsapi: rate limited (429)" }

// Execute issues one call and returns the raw JSON response body.
//
// Retry policy: network failures, timeouts and 5xx responses are retried
// with delay = BaseBackoff * 2^(attempt-1), up to MaxRetries. 4xx responses
// are terminal. A 429 is handled per the tracker strategy: queue parks the
// call until the cooldown elapses and replays it (not counted against the
// retry budget), retry feeds it into the backoff loop, throw surfaces
// *ratelimit.ErrLimited immediately.
func (c *Client) Execute(ctx context.Context, method, path string, body any, opts ...CallOption) (json.RawMessage, error) {
	var co callOpts
	for _, o := range opts {
		o(&co)
	}
	timeout := co.timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	tok, err := c.guard.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("cmsapi: marshal body: %w", err)
		}
	}

	attempt := 0
	var lastErr error
	for {
		if err := c.tracker.Acquire(ctx); err != nil {
			return nil, err
		}

		data, err := c.do(ctx, method, path, payload, tok.AccessToken, timeout)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}

		if rl, ok := err.(*err429); ok {
			switch c.tracker.Strategy() {
			case ratelimit.StrategyThrow:
				return nil, &ratelimit.ErrLimited{Until: rl.until}
			case ratelimit.StrategyQueue:
				// Tracker is Limited; Acquire parks until the cooldown
				// elapses, then the call replays.
				continue
			case ratelimit.StrategyRetry:
				// Falls through to the backoff loop below.
			}
		} else if !retryable(err) {
			return nil, err
		}

		if attempt >= c.cfg.MaxRetries {
			if rl, ok := lastErr.(*err429); ok {
				return nil, &ratelimit.ErrLimited{Until: rl.until}
			}
			return nil, lastErr
		}
		wait := c.cfg.BaseBackoff * (1 << uint(attempt))
		attempt++
		c.cfg.Logger.WarnContext(ctx, "cmsapi: retrying call",
			"method", method,
			"path", path,
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"backoff_ms", wait.Milliseconds(),
			"error", err)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(wait):
		}
	}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) (json.RawMessage, error) {
	return c.Execute(ctx, http.MethodGet, path, nil, opts...)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) (json.RawMessage, error) {
	return c.Execute(ctx, http.MethodPost, path, body, opts...)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...CallOption) (json.RawMessage, error) {
	return c.Execute(ctx, http.MethodPatch, path, body, opts...)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) (json.RawMessage, error) {
	return c.Execute(ctx, http.MethodDelete, path, nil, opts...)
}

// do performs a single HTTP round trip and classifies the outcome. The
// tracker is updated from response headers on every response, success or
// failure, before do returns.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, accessToken string, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("cmsapi: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A deadline on the call context while the parent is still live is
		// a per-call timeout, not a generic network failure.
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &ErrTimeout{Method: method, Path: path}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, &ErrNetwork{Method: method, Path: path, Cause: err}
	}
	defer resp.Body.Close()

	st := parseRateHeaders(resp)
	c.tracker.Update(st)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &ErrNetwork{Method: method, Path: path, Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(data), nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		until := st.ResetTime
		if st.RetryAfter > 0 {
			until = time.Now().Add(st.RetryAfter)
		}
		c.tracker.MarkLimited(until)
		return nil, &err429{retryAfter: st.RetryAfter, until: until}
	}

	var env apiEnvelope
	_ = json.Unmarshal(data, &env)
	msg := env.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	code := resp.StatusCode
	if env.Code != 0 {
		code = env.Code
	}

	if resp.StatusCode == http.StatusBadRequest && len(env.Details) > 0 {
		fields := map[string]string{}
		_ = json.Unmarshal(env.Details, &fields)
		return nil, &ErrValidation{Message: msg, Fields: fields}
	}

	return nil, &APIError{Code: code, Message: msg, Details: env.Details}
}

// parseRateHeaders builds a fresh rate-limit snapshot from response headers.
// Absent headers leave zero values; the tracker only acts on Limit > 0.
func parseRateHeaders(resp *http.Response) ratelimit.State {
	var st ratelimit.State
	st.Remaining, _ = strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	st.Limit, _ = strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.ResetTime = time.Unix(sec, 0)
		}
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			st.RetryAfter = time.Duration(sec) * time.Second
		}
	}
	return st
}
