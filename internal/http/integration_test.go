package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/status-poller/internal/cache"
	"github.com/kjstillabower/status-poller/internal/client"
	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/poller"
	"github.com/kjstillabower/status-poller/internal/service"
	"github.com/kjstillabower/status-poller/internal/store"
)

// TestIntegration_PollPersistServe runs the real prober, scheduler, SQLite store
// and router against a local upstream.
func TestIntegration_PollPersistServe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("status: operational"))
	}))
	defer upstream.Close()

	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "status.sqlite"), store.DefaultConfig())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	targets := []models.Target{{
		Name: "upstream", URL: upstream.URL, Method: http.MethodGet,
		Interval: time.Hour, Timeout: time.Second, Keyword: "operational",
	}}
	if err := st.SyncTargets(ctx, targets); err != nil {
		t.Fatalf("SyncTargets() error = %v", err)
	}

	c := cache.NewInMemoryCache()
	prober := client.NewHTTPProber(client.Options{RetryAttempts: 1})
	sched := poller.NewScheduler(targets, prober, st, c, poller.Config{}, zap.NewNop())
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sched.Stop()

	svc := service.NewStatusService(st, c, sched, service.Options{Window: time.Hour}, zap.NewNop())
	router := NewRouter(NewHandler(svc, &HealthConfig{StorePing: st.Ping}, zap.NewNop()), RouterConfig{CheckTimeout: 5 * time.Second}, zap.NewNop())

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := st.LatestCheck(ctx, "upstream"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first scheduled check was not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	healthy.Store(false)
	w := do(router, "POST", "/api/targets/upstream/check")
	if w.Code != http.StatusOK {
		t.Fatalf("manual check status = %d (%s)", w.Code, w.Body.String())
	}
	var manual models.Check
	if err := json.Unmarshal(w.Body.Bytes(), &manual); err != nil {
		t.Fatal(err)
	}
	if manual.Status != models.StatusDown || manual.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("manual check = %+v, want down 503", manual)
	}

	w = do(router, "GET", "/api/targets/upstream")
	var detail detailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Checks) != 2 {
		t.Fatalf("history len = %d, want 2", len(detail.Checks))
	}
	if detail.Checks[0].ID != manual.ID {
		t.Errorf("newest check = %s, want manual check %s", detail.Checks[0].ID, manual.ID)
	}
	if detail.Target.Status != models.StatusDown || detail.Target.ConsecutiveFailures != 1 {
		t.Errorf("status = %+v", detail.Target)
	}
	if detail.Target.UptimePct == nil || *detail.Target.UptimePct != 50 {
		t.Errorf("uptime = %v, want 50", detail.Target.UptimePct)
	}

	w = do(router, "GET", "/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "upstream failure: HTTP 503") {
		t.Errorf("dashboard should show the failing target (%d)", w.Code)
	}

	if w := do(router, "POST", "/api/targets/missing/check"); w.Code != http.StatusNotFound {
		t.Errorf("unknown target check = %d, want 404", w.Code)
	}
}
