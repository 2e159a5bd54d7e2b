package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/status-poller/internal/lifecycle"
	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/observability"
	"github.com/kjstillabower/status-poller/internal/poller"
	"github.com/kjstillabower/status-poller/internal/service"
	"github.com/kjstillabower/status-poller/internal/store"
	"github.com/kjstillabower/status-poller/internal/traffic"
	"github.com/kjstillabower/status-poller/internal/validation"
)

// StatusService is the query side used by the handlers. Implemented by *service.StatusService.
type StatusService interface {
	Overview(ctx context.Context) (models.Summary, error)
	TargetDetail(ctx context.Context, name string, limit int) (models.TargetStatus, []models.Check, error)
	CheckNow(ctx context.Context, name string) (models.Check, error)
}

// HealthConfig holds thresholds and dependency probes for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StorePing is required; a failing store marks the service degraded.
	StorePing func(ctx context.Context) error
	// CachePing, when set, is reported under checks.cache. Used for memcached and redis.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              StatusService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(svc StatusService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, healthConfig: healthConfig, logger: logger}
}

// detailResponse is the body of GET /api/targets/{name}.
type detailResponse struct {
	Target models.TargetStatus `json:"target"`
	Checks []models.Check      `json:"checks"`
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Overview(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetTarget handles GET /api/targets/{name}.
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	name, ok := targetName(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}
	status, checks, err := h.svc.TargetDetail(r.Context(), name, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Target: status, Checks: checks})
}

// PostCheck handles POST /api/targets/{name}/check.
func (h *Handler) PostCheck(w http.ResponseWriter, r *http.Request) {
	name, ok := targetName(w, r)
	if !ok {
		return
	}
	check, err := h.svc.CheckNow(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// Dashboard handles GET /.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Overview(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.render(w, r, dashboardTemplate, dashboardData{
		Summary: summary,
		Uptime:  lifecycle.Uptime(),
	})
}

// TargetPage handles GET /targets/{name}.
func (h *Handler) TargetPage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := validation.ValidateTargetName(name); err != nil {
		http.Error(w, "invalid target name", http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, checks, err := h.svc.TargetDetail(r.Context(), name, limit)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.render(w, r, detailTemplate, detailData{Status: status, Checks: checks})
}

// render executes tmpl into a buffer so template failures produce a clean 500.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Error("template render failed",
			zap.String("template", tmpl.Name()), zap.Error(err))
		http.Error(w, "INTERNAL: internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrTargetNotFound) {
		http.Error(w, "TARGET_NOT_FOUND: target not found", http.StatusNotFound)
		return
	}
	observability.LoggerFromContext(r.Context(), h.logger).Error("page query failed", zap.Error(err))
	http.Error(w, "INTERNAL: internal error", http.StatusInternalServerError)
}

// targetName extracts and validates {name}, writing a 400 on failure.
func targetName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := mux.Vars(r)["name"]
	if _, err := validation.ValidateTargetName(name); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_TARGET", err.Error())
		return "", false
	}
	return name, true
}

// parseLimit reads ?limit=. Missing means the store default; values are clamped by the store.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return store.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	return store.ClampHistoryLimit(n), nil
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
	storeOK    bool
	probesOK   bool
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{
		"store":  healthWord(result.storeOK),
		"probes": healthWord(result.probesOK),
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = healthWord(h.healthConfig.CachePing() == nil)
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"uptime":    lifecycle.Uptime().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// computeHealthStatus evaluates, in priority order: shutting-down > degraded > healthy.
// Degraded means the store is unreachable or the probe failure rate in the
// window is at or above DegradedErrorPct.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	res := healthResult{status: "healthy", statusCode: http.StatusOK, storeOK: true, probesOK: true}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		res.storeOK = h.healthConfig.StorePing(ctx) == nil
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		failed, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(failed)*100/float64(total) >= float64(h.healthConfig.DegradedErrorPct) {
			res.probesOK = false
		}
	}

	switch {
	case lifecycle.IsShuttingDown():
		res.status, res.statusCode, res.reason = "shutting-down", http.StatusServiceUnavailable, "signal"
	case !res.storeOK:
		res.status, res.statusCode, res.reason = "degraded", http.StatusServiceUnavailable, "store_unreachable"
	case !res.probesOK:
		res.status, res.statusCode, res.reason = "degraded", http.StatusServiceUnavailable, "probe_error_rate"
	}
	return res
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeServiceError maps service and scheduler errors to status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	logger := observability.LoggerFromContext(r.Context(), fallback)
	switch {
	case errors.Is(err, service.ErrTargetNotFound):
		writeError(w, r, http.StatusNotFound, "TARGET_NOT_FOUND", "target not found")
	case errors.Is(err, poller.ErrNotRunning):
		writeError(w, r, http.StatusServiceUnavailable, "PROBE_FAILED", "scheduler is not running")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Debug("request deadline", zap.Error(err))
		writeError(w, r, http.StatusGatewayTimeout, "PROBE_FAILED", "check did not finish in time")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
