package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultEndpoint = "https://graphql.anilist.co"

const (
	defaultMaxRetries = 3
	defaultBatchSize  = 50

	// rateMargin keeps the limiter under the announced request budget.
	rateMargin = 0.8
	// announcedPerMinute is AniList's documented request budget, used until
	// the first response carries X-RateLimit-Limit.
	announcedPerMinute = 90
)

// Sentinel errors for AniList API responses.
var (
	ErrNotFound     = errors.New("anilist: not found")
	ErrUnauthorized = errors.New("anilist: invalid or expired token")
	ErrRateLimited  = errors.New("anilist: rate limited")
)

// Client is an authenticated AniList GraphQL client. One client per token;
// the rate limiter budget is per token.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	maxRetries int
	batchSize  int

	mu          sync.Mutex
	pausedUntil time.Time
	knownLimit  int
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint sets a custom GraphQL endpoint (for testing).
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets a logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.With("component", "anilist") }
}

// WithBatchSize bounds how many mutations coalesce into one document.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// New creates a client authenticating with the given access token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		endpoint:   defaultEndpoint,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(announcedPerMinute*rateMargin/60.0), 3),
		maxRetries: defaultMaxRetries,
		batchSize:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "anilist")
	}
	return c
}

type graphQLError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// transportError marks a failure before any response was received; safe to
// retry even for mutations.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// serverError is a 5xx after the request reached the server; the mutation
// may have committed, so only reads retry it.
type serverError struct{ status int }

func (e *serverError) Error() string { return fmt.Sprintf("anilist returned status %d", e.status) }

// query runs a read operation with retries.
func (c *Client) query(ctx context.Context, doc string, vars map[string]any, out any) error {
	return c.do(ctx, doc, vars, out, false)
}

// mutate runs a write operation; retried only when no response was received.
func (c *Client) mutate(ctx context.Context, doc string, vars map[string]any, out any) error {
	return c.do(ctx, doc, vars, out, true)
}

func (c *Client) do(ctx context.Context, doc string, vars map[string]any, out any, mutation bool) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, retryDelay(attempt)); err != nil {
				return err
			}
			c.logger.Debug("retrying request", "attempt", attempt, "error", lastErr)
		}
		err := c.doOnce(ctx, doc, vars, out)
		if err == nil {
			return nil
		}
		if !retryable(err, mutation) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func retryable(err error, mutation bool) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	// A 429 means the request was not executed.
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var se *serverError
	if errors.As(err, &se) {
		return !mutation
	}
	return false
}

func (c *Client) doOnce(ctx context.Context, doc string, vars map[string]any, out any) error {
	if err := c.waitPause(ctx); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{"query": doc, "variables": vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transportError{err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	c.adjustLimit(resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.pause(resp.Header)
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		return &serverError{status: resp.StatusCode}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &transportError{err: err}
	}

	var gql graphQLResponse
	if err := json.Unmarshal(payload, &gql); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(gql.Errors) > 0 {
		for _, e := range gql.Errors {
			switch e.Status {
			case http.StatusNotFound:
				return ErrNotFound
			case http.StatusUnauthorized:
				return ErrUnauthorized
			}
		}
		return fmt.Errorf("graphql: %s", gql.Errors[0].Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anilist returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// adjustLimit retunes the token bucket from the announced budget.
func (c *Client) adjustLimit(h http.Header) {
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil || limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit == c.knownLimit {
		return
	}
	c.knownLimit = limit
	c.limiter.SetLimit(rate.Limit(float64(limit) * rateMargin / 60.0))
	c.logger.Debug("adjusted rate limit", "requests_per_minute", limit)
}

func (c *Client) pause(h http.Header) {
	seconds, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		seconds = 60
	}
	until := time.Now().Add(time.Duration(seconds) * time.Second)
	c.mu.Lock()
	if until.After(c.pausedUntil) {
		c.pausedUntil = until
	}
	c.mu.Unlock()
	c.logger.Warn("rate limited, pausing", "seconds", seconds)
}

func (c *Client) waitPause(ctx context.Context) error {
	c.mu.Lock()
	until := c.pausedUntil
	c.mu.Unlock()
	if d := time.Until(until); d > 0 {
		return sleepContext(ctx, d)
	}
	return nil
}

func retryDelay(attempt int) time.Duration {
	base := time.Second << (attempt - 1)
	return base + time.Duration(rand.Int63n(int64(base)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
