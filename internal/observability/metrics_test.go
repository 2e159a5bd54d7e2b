package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kjstillabower/status-poller/internal/models"
)

// TestMetrics_Usable verifies label dimensions match usage across packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/api/targets/{name}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/").Observe(0.01)
	CacheErrorsTotal.WithLabelValues("get").Inc()
	ManualChecksTotal.WithLabelValues("success").Inc()
	RecordCircuitBreakerTransition("api", "closed", "open")
	SetCircuitBreakerStateGauge("api", CircuitBreakerStateValue(1))
	ObserveStoreOp("record_check", time.Now(), nil)
}

func TestRecordProbe(t *testing.T) {
	RecordProbe(models.Check{Target: "probe-test", Status: models.StatusUp, Latency: 20 * time.Millisecond})
	if got := testutil.ToFloat64(TargetUp.WithLabelValues("probe-test")); got != 1 {
		t.Errorf("targetUp = %v, want 1", got)
	}

	RecordProbe(models.Check{Target: "probe-test", Status: models.StatusDown, ErrorCategory: "timeout"})
	if got := testutil.ToFloat64(TargetUp.WithLabelValues("probe-test")); got != 0 {
		t.Errorf("targetUp = %v, want 0", got)
	}
	if got := testutil.ToFloat64(ProbeErrorsTotal.WithLabelValues("probe-test", "timeout")); got != 1 {
		t.Errorf("probeErrorsTotal{timeout} = %v, want 1", got)
	}

	RecordProbe(models.Check{Target: "probe-test", Status: models.StatusDown})
	if got := testutil.ToFloat64(ProbeErrorsTotal.WithLabelValues("probe-test", "unknown")); got != 1 {
		t.Errorf("probeErrorsTotal{unknown} = %v, want 1", got)
	}
}

func TestObserveStoreOp_CountsErrors(t *testing.T) {
	before := testutil.ToFloat64(StoreErrorsTotal.WithLabelValues("prune"))
	ObserveStoreOp("prune", time.Now(), errTest{})
	if got := testutil.ToFloat64(StoreErrorsTotal.WithLabelValues("prune")); got != before+1 {
		t.Errorf("storeErrorsTotal{prune} = %v, want %v", got, before+1)
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	RegisterTrafficGauges(time.Minute)
	HTTPRequestsTotal.WithLabelValues("GET", "/", "2xx").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "probeFailuresInWindow", "rateLimitRejectsInWindow"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
