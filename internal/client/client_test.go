package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/status-poller/internal/circuitbreaker"
	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/observability"
)

func newTestProber(attempts int) *HTTPProber {
	return NewHTTPProber(Options{
		DefaultTimeout: time.Second,
		RetryAttempts:  attempts,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
}

func target(url string) models.Target {
	return models.Target{Name: "api", URL: url, Method: http.MethodGet, Timeout: time.Second}
}

func TestProbe_Up(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "status-poller/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("X-Correlation-ID"); got != "corr-1" {
			t.Errorf("X-Correlation-ID = %q, want corr-1", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("all systems operational"))
	}))
	defer server.Close()

	tgt := target(server.URL)
	tgt.Keyword = "operational"
	ctx := observability.ContextWithCorrelationID(context.Background(), "corr-1")

	check, err := newTestProber(1).Probe(ctx, tgt)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if check.Status != models.StatusUp {
		t.Errorf("Status = %q, want up", check.Status)
	}
	if check.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", check.StatusCode)
	}
	if check.ID == "" || check.Target != "api" || check.CheckedAt.IsZero() {
		t.Errorf("check metadata not populated: %+v", check)
	}
	if check.CheckedAt.Location() != time.UTC {
		t.Errorf("CheckedAt location = %v, want UTC", check.CheckedAt.Location())
	}
	if check.Error != "" || check.ErrorCategory != "" {
		t.Errorf("up check carries error: %+v", check)
	}
}

func TestProbe_StatusClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		expected     int
		wantUp       bool
		wantCategory ErrorCategory
	}{
		{"200 any", http.StatusOK, 0, true, ""},
		{"204 any", http.StatusNoContent, 0, true, ""},
		{"404 any", http.StatusNotFound, 0, false, ErrorCategoryUnexpectedStatus},
		{"503 any", http.StatusServiceUnavailable, 0, false, ErrorCategoryUpstream5xx},
		{"429 any", http.StatusTooManyRequests, 0, false, ErrorCategoryRateLimited},
		{"200 want 204", http.StatusOK, http.StatusNoContent, false, ErrorCategoryUnexpectedStatus},
		{"204 want 204", http.StatusNoContent, http.StatusNoContent, true, ""},
		{"404 want 404", http.StatusNotFound, http.StatusNotFound, true, ""},
		{"503 want 503", http.StatusServiceUnavailable, http.StatusServiceUnavailable, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			tgt := target(server.URL)
			tgt.ExpectedStatus = tt.expected
			check, err := newTestProber(1).Probe(context.Background(), tgt)
			if tt.wantUp {
				if err != nil || check.Status != models.StatusUp {
					t.Fatalf("Probe() = %+v, %v; want up", check, err)
				}
				return
			}
			if err == nil || check.Status != models.StatusDown {
				t.Fatalf("Probe() = %+v, %v; want down", check, err)
			}
			if check.ErrorCategory != string(tt.wantCategory) {
				t.Errorf("ErrorCategory = %q, want %q", check.ErrorCategory, tt.wantCategory)
			}
			if check.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", check.StatusCode, tt.status)
			}
		})
	}
}

func TestProbe_KeywordMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	tgt := target(server.URL)
	tgt.Keyword = "operational"
	check, err := newTestProber(3).Probe(context.Background(), tgt)
	if !errors.Is(err, ErrKeywordMissing) {
		t.Fatalf("err = %v, want ErrKeywordMissing", err)
	}
	if check.ErrorCategory != string(ErrorCategoryKeywordMissing) {
		t.Errorf("ErrorCategory = %q", check.ErrorCategory)
	}
}

func TestProbe_HeadIgnoresKeyword(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
	}))
	defer server.Close()

	tgt := target(server.URL)
	tgt.Method = http.MethodHead
	tgt.Keyword = "anything"
	if _, err := newTestProber(1).Probe(context.Background(), tgt); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
}

func TestProbe_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	check, err := newTestProber(3).Probe(context.Background(), target(server.URL))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if check.Status != models.StatusUp {
		t.Errorf("Status = %q, want up", check.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestProbe_DoesNotRetryUnexpectedStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestProber(3).Probe(context.Background(), target(server.URL))
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("err = %v, want ErrUnexpectedStatus", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestProbe_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	check, err := newTestProber(2).Probe(context.Background(), target(server.URL))
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("err = %v, want ErrUpstreamFailure", err)
	}
	if check.Status != models.StatusDown {
		t.Errorf("Status = %q, want down", check.Status)
	}
}

func TestProbe_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	tgt := target(server.URL)
	tgt.Timeout = 20 * time.Millisecond
	check, err := newTestProber(1).Probe(context.Background(), tgt)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if check.ErrorCategory != string(ErrorCategoryTimeout) {
		t.Errorf("ErrorCategory = %q, want timeout", check.ErrorCategory)
	}
}

func TestProbe_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	check, err := newTestProber(1).Probe(context.Background(), target(url))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if check.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", check.StatusCode)
	}
}

func TestProbe_CircuitBreakerSkipsProbe(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := newTestProber(1)
	p.SetCircuitBreakers(circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}))
	tgt := target(server.URL)
	for i := 0; i < 2; i++ {
		_, _ = p.Probe(context.Background(), tgt)
	}

	check, err := p.Probe(context.Background(), tgt)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if check.ErrorCategory != string(ErrorCategoryCircuitOpen) {
		t.Errorf("ErrorCategory = %q, want circuit_open", check.ErrorCategory)
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestProbe_ParentCancelStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewHTTPProber(Options{RetryAttempts: 5, RetryBaseDelay: time.Second, RetryMaxDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Probe(ctx, target(server.URL))
	if err == nil {
		t.Fatal("Probe() expected error")
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("Probe() took %v; retries should stop when ctx is done", time.Since(start))
	}
}

func TestCalculateBackoff_Capped(t *testing.T) {
	p := NewHTTPProber(Options{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 250 * time.Millisecond})
	if d := p.calculateBackoff(1); d < 100*time.Millisecond || d > 110*time.Millisecond {
		t.Errorf("backoff(1) = %v", d)
	}
	if d := p.calculateBackoff(5); d < 250*time.Millisecond || d > 275*time.Millisecond {
		t.Errorf("backoff(5) = %v, want capped near 250ms", d)
	}
}

func BenchmarkProbe(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	p := newTestProber(1)
	tgt := target(server.URL)
	tgt.Keyword = "ok"
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Probe(ctx, tgt); err != nil {
			b.Fatal(err)
		}
	}
}
