package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360studio/aires/batch"
)

// maxResponseSize limits response bodies to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024

// Options configures one stage's backend calls.
type Options struct {
	// Backend is the provider name (localHTTP or cloudHTTP).
	Backend string
	Model   string
	// Endpoint overrides the provider's default base URL.
	Endpoint     string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
}

// Result is a validated stage analysis.
type Result struct {
	Finding *StageFinding
	Model   string
	// Raw is the unmodified model output, preserved for audit.
	Raw string
}

// Analyzer is the call surface stage workers depend on. The concrete
// Client implements it; tests substitute mocks.
type Analyzer interface {
	Analyze(ctx context.Context, stage batch.Stage, prompt string) (*Result, error)
}

// RetryConfig tunes the retry loop.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget per call (initial + retries).
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns the retry defaults: 3 attempts with
// jittered exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Client is the uniform AI call surface over heterogeneous backends.
type Client struct {
	stageMu     sync.RWMutex
	stages      map[batch.Stage]Options
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	health      *healthTracker

	// One token bucket per backend kind; stages sharing a backend share
	// its budget.
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit float64
	burst     int
	queueWait time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// WithRateLimit sets the per-backend token bucket and the bounded wait
// for a token.
func WithRateLimit(perSecond float64, burst int, queueWait time.Duration) ClientOption {
	return func(client *Client) {
		client.limiters = map[string]*rate.Limiter{}
		client.rateLimit = perSecond
		client.burst = burst
		client.queueWait = queueWait
	}
}

// WithHealthConfig tunes the backend circuit breaker.
func WithHealthConfig(cfg HealthConfig) ClientOption {
	return func(client *Client) { client.health = newHealthTracker(cfg) }
}

// NewClient creates an AI client with per-stage backend options.
func NewClient(stages map[batch.Stage]Options, opts ...ClientOption) *Client {
	c := &Client{
		stages:      stages,
		retryConfig: DefaultRetryConfig(),
		httpClient:  &http.Client{},
		logger:      slog.Default(),
		health:      newHealthTracker(DefaultHealthConfig()),
		limiters:    map[string]*rate.Limiter{},
		rateLimit:   2,
		burst:       5,
		queueWait:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze sends the prompt to the stage's configured backend and returns
// the schema-validated finding. The prompt is sent as given; size
// budgeting belongs to the prompt builder. Retryable failures are
// retried with jittered exponential backoff up to the attempt budget;
// schema mismatches and permanent HTTP errors fail immediately.
func (c *Client) Analyze(ctx context.Context, stage batch.Stage, prompt string) (*Result, error) {
	c.stageMu.RLock()
	opts, ok := c.stages[stage]
	c.stageMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend configured for stage %s", stage)
	}

	if !c.health.available(opts.Backend) {
		return nil, NewError(KindBackendUnavailable,
			fmt.Errorf("backend %s circuit open", opts.Backend))
	}

	if err := c.waitForToken(ctx, opts.Backend); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		result, err := c.doRequest(ctx, stage, opts, prompt)
		if err == nil {
			c.health.markSuccess(opts.Backend)
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			// Permanent failures say nothing about backend liveness.
			return nil, err
		}
		c.health.markFailure(opts.Backend)

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.backoff(attempt)
			c.logger.Debug("AI call failed, retrying",
				"stage", stage,
				"backend", opts.Backend,
				"attempt", attempt,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, NewError(KindTimeout, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// UpdateStageTimeout adjusts one stage's call deadline at runtime. Part
// of the reloadable configuration subset.
func (c *Client) UpdateStageTimeout(stage batch.Stage, timeout time.Duration) {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	opts, ok := c.stages[stage]
	if !ok {
		return
	}
	opts.Timeout = timeout
	c.stages[stage] = opts
}

// Health returns per-backend health snapshots for the status surface.
func (c *Client) Health() map[string]BackendHealth {
	return c.health.snapshot()
}

// waitForToken blocks on the backend's token bucket for at most
// queueWait before failing as rate-limited.
func (c *Client) waitForToken(ctx context.Context, backend string) error {
	limiter := c.limiterFor(backend)
	waitCtx, cancel := context.WithTimeout(ctx, c.queueWait)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return NewError(KindTimeout, ctx.Err())
		}
		return NewError(KindRateLimited,
			fmt.Errorf("no rate token for backend %s within %s", backend, c.queueWait))
	}
	return nil
}

func (c *Client) limiterFor(backend string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	if l, ok := c.limiters[backend]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(c.rateLimit), c.burst)
	c.limiters[backend] = l
	return l
}

// doRequest executes a single HTTP call with the stage deadline and
// parses the structured finding.
func (c *Client) doRequest(ctx context.Context, stage batch.Stage, opts Options, prompt string) (*Result, error) {
	provider := GetProvider(opts.Backend)
	if provider == nil {
		return nil, NewError(KindBackendUnavailable,
			fmt.Errorf("unknown backend %s", opts.Backend))
	}

	messages := []Message{
		{Role: "system", Content: opts.SystemPrompt},
		{Role: "user", Content: prompt},
	}
	temp := opts.Temperature
	body, err := provider.BuildRequestBody(opts.Model, messages, &temp, opts.MaxTokens)
	if err != nil {
		return nil, NewError(KindSchemaMismatch, fmt.Errorf("build request body: %w", err))
	}

	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	url := provider.BuildURL(opts.Endpoint, opts.Model)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindBackendUnavailable, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	c.logger.Debug("Sending AI request",
		"stage", stage,
		"backend", opts.Backend,
		"model", opts.Model,
		"prompt_chars", len(prompt))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, NewError(KindTimeout, err)
		}
		return nil, NewError(KindBackendUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewError(KindBackendUnavailable, fmt.Errorf("read response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, NewHTTPError(httpResp.StatusCode,
			fmt.Errorf("backend %s returned %s", opts.Backend, truncateForLog(respBody)))
	}

	parsed, err := provider.ParseResponse(respBody, opts.Model)
	if err != nil {
		return nil, NewError(KindSchemaMismatch, err)
	}

	finding, err := ParseFinding(parsed.Content)
	if err != nil {
		return nil, err
	}

	return &Result{
		Finding: finding,
		Model:   parsed.Model,
		Raw:     parsed.Content,
	}, nil
}

// backoff computes jittered exponential backoff: +/- 25% jitter prevents
// synchronized retries.
func (c *Client) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}
	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

func truncateForLog(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
