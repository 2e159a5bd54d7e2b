package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/status-poller/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// CheckTimeout bounds POST /api/targets/{name}/check.
	CheckTimeout time.Duration
	// Limiter rate limits manual checks; nil disables limiting.
	Limiter *rate.Limiter
}

// NewRouter wires every route and middleware.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	router := mux.NewRouter()
	router.Use(InFlightMiddleware)
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/", h.Dashboard).Methods(http.MethodGet)
	router.HandleFunc("/targets/{name}", h.TargetPage).Methods(http.MethodGet)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/targets/{name}", h.GetTarget).Methods(http.MethodGet)

	postCheck := RateLimitMiddleware(cfg.Limiter)(TimeoutMiddleware(cfg.CheckTimeout)(http.HandlerFunc(h.PostCheck)))
	api.Handle("/targets/{name}/check", postCheck).Methods(http.MethodPost)

	return router
}
