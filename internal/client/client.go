package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kjstillabower/status-poller/internal/circuitbreaker"
	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/observability"
)

// Prober performs one check against a target. The returned Check is always
// populated; err is non-nil exactly when the check is down.
type Prober interface {
	Probe(ctx context.Context, target models.Target) (models.Check, error)
}

var (
	ErrTimeout          = errors.New("probe timeout")
	ErrNetwork          = errors.New("network error")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrKeywordMissing   = errors.New("keyword not found in response body")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = circuitbreaker.ErrOpen
)

// maxBodyBytes caps how much of a response body is read for keyword matching.
const maxBodyBytes = 1 << 20

// Options configures an HTTPProber. Zero values get defaults.
type Options struct {
	DefaultTimeout time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	UserAgent      string
	Transport      http.RoundTripper
}

// HTTPProber probes targets over HTTP with retry and an optional per-target circuit breaker.
type HTTPProber struct {
	client         *http.Client
	defaultTimeout time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	userAgent      string
	breakers       *circuitbreaker.Registry
	now            func() time.Time
}

// NewHTTPProber returns an HTTPProber. Per-attempt timeouts come from the target
// (or DefaultTimeout), so the underlying http.Client has none.
func NewHTTPProber(opts Options) *HTTPProber {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "status-poller/1.0"
	}
	return &HTTPProber{
		client:         &http.Client{Transport: opts.Transport},
		defaultTimeout: opts.DefaultTimeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		userAgent:      opts.UserAgent,
		now:            time.Now,
	}
}

// SetCircuitBreakers enables per-target circuit breaking.
func (p *HTTPProber) SetCircuitBreakers(r *circuitbreaker.Registry) {
	p.breakers = r
}

// Probe checks target once (with retries) and returns the resulting Check.
func (p *HTTPProber) Probe(ctx context.Context, target models.Target) (models.Check, error) {
	check := models.Check{
		ID:        uuid.NewString(),
		Target:    target.Name,
		CheckedAt: p.now().UTC(),
	}

	run := func(ctx context.Context) error {
		code, latency, err := p.probeWithRetry(ctx, target)
		check.StatusCode = code
		check.Latency = latency
		return err
	}

	var err error
	if p.breakers != nil {
		err = p.breakers.Get(target.Name).Call(ctx, run)
	} else {
		err = run(ctx)
	}

	if err != nil {
		check.Status = models.StatusDown
		check.Error = err.Error()
		check.ErrorCategory = string(CategorizeError(err))
		return check, err
	}
	check.Status = models.StatusUp
	return check, nil
}

func (p *HTTPProber) probeWithRetry(ctx context.Context, target models.Target) (int, time.Duration, error) {
	var (
		code    int
		latency time.Duration
		lastErr error
	)
	for attempt := 0; attempt < p.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ProbeRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return code, latency, fmt.Errorf("probe canceled: %w", ctx.Err())
			case <-time.After(p.calculateBackoff(attempt)):
			}
		}

		code, latency, lastErr = p.probeOnce(ctx, target)
		if lastErr == nil {
			return code, latency, nil
		}
		if ctx.Err() != nil || !isRetryable(lastErr) {
			return code, latency, lastErr
		}
	}
	if p.retryAttempts > 1 {
		return code, latency, fmt.Errorf("exhausted %d attempts: %w", p.retryAttempts, lastErr)
	}
	return code, latency, lastErr
}

func (p *HTTPProber) probeOnce(ctx context.Context, target models.Target) (int, time.Duration, error) {
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target.URL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		latency := time.Since(start)
		if errors.Is(ctx.Err(), context.Canceled) {
			return 0, latency, fmt.Errorf("probe canceled: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return 0, latency, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
		}
		return 0, latency, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	statusErr := classifyStatus(resp.StatusCode, target.ExpectedStatus)
	var body []byte
	if statusErr == nil && target.Keyword != "" && method != http.MethodHead {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return resp.StatusCode, time.Since(start), fmt.Errorf("read response body: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	}
	latency := time.Since(start)

	if statusErr != nil {
		return resp.StatusCode, latency, statusErr
	}
	if target.Keyword != "" && method != http.MethodHead && !bytes.Contains(body, []byte(target.Keyword)) {
		return resp.StatusCode, latency, fmt.Errorf("%w: %q", ErrKeywordMissing, target.Keyword)
	}
	return resp.StatusCode, latency, nil
}

// classifyStatus maps an HTTP status to a probe error. With expected == 0 any
// 2xx or 3xx is up; otherwise only the exact expected code is.
func classifyStatus(code, expected int) error {
	if expected != 0 && code == expected {
		return nil
	}
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	case expected != 0:
		return fmt.Errorf("%w: HTTP %d, want %d", ErrUnexpectedStatus, code, expected)
	case code >= 200 && code < 400:
		return nil
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, code)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrUpstreamFailure) ||
		errors.Is(err, ErrRateLimited)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func (p *HTTPProber) calculateBackoff(attempt int) time.Duration {
	delay := float64(p.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.retryMaxDelay) {
		delay = float64(p.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}
