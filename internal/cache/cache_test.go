package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/status-poller/internal/models"
)

func testCheck(name string) models.Check {
	return models.Check{
		ID:         "c-" + name,
		Target:     name,
		Status:     models.StatusUp,
		StatusCode: 200,
		Latency:    35 * time.Millisecond,
		CheckedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	val := testCheck("api")
	if err := c.Set(ctx, "api", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, "api")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got != val {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

func TestInMemoryCache_Get_Miss(t *testing.T) {
	_, ok, err := NewInMemoryCache().Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_Get_Expired verifies expired entries miss and are removed on access.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "api", testCheck("api"), time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	now = now.Add(2 * time.Second)

	if _, ok, _ := c.Get(ctx, "api"); ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, expired entry should be deleted", c.Len())
	}
}

func TestInMemoryCache_NonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	if err := c.Set(ctx, "api", testCheck("api"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestInMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	names := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := names[i%len(names)]
			_ = c.Set(ctx, name, testCheck(name), time.Minute)
			_, _, _ = c.Get(ctx, name)
		}(i)
	}
	wg.Wait()

	if c.Len() != len(names) {
		t.Errorf("Len() = %d, want %d", c.Len(), len(names))
	}
}

func TestExpirationSeconds(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int32
	}{
		{time.Minute, 60},
		{0, 3600},
		{-time.Second, 3600},
		{31 * 24 * time.Hour, 3600},
	}
	for _, tt := range tests {
		if got := expirationSeconds(tt.ttl); got != tt.want {
			t.Errorf("expirationSeconds(%v) = %d, want %d", tt.ttl, got, tt.want)
		}
	}
}

func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" host1:11211, ,host2:11211 ")
	if len(got) != 2 || got[0] != "host1:11211" || got[1] != "host2:11211" {
		t.Errorf("parseAddrs() = %v", got)
	}
	if got := parseAddrs(""); len(got) != 0 {
		t.Errorf("parseAddrs(\"\") = %v, want empty", got)
	}
}

func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "api", testCheck("api"), 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "api")
	}
}

func BenchmarkInMemoryCache_Set(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	val := testCheck("api")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, "api", val, 5*time.Minute)
	}
}
