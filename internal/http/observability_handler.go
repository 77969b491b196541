package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/internal/service"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// healthWindowSource is the subset of AttemptRecorder this handler
// needs to report an endpoint's rolling success rate and latency.
type healthWindowSource interface {
	HealthWindow(endpointID string) *domain.EndpointHealthWindow
}

// ObservabilityHandler implements the §6.3 read API: event/attempt
// lookups, Prometheus exposition, and the health endpoint.
type ObservabilityHandler struct {
	events   domain.EventStore
	attempts domain.AttemptRepository
	health   *service.HealthChecker
	windows  healthWindowSource
	metrics  http.Handler
	logger   logger.Logger
}

// NewObservabilityHandler wires the handler. gatherer is the same
// prometheus.Registry Metrics was constructed against, so
// GET /v1/metrics exposes exactly the instruments the pipeline records.
func NewObservabilityHandler(events domain.EventStore, attempts domain.AttemptRepository, health *service.HealthChecker, windows healthWindowSource, gatherer prometheus.Gatherer, log logger.Logger) *ObservabilityHandler {
	return &ObservabilityHandler{
		events:   events,
		attempts: attempts,
		health:   health,
		windows:  windows,
		metrics:  promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:   log,
	}
}

// RegisterRoutes registers the §6.3 routes on mux.
func (h *ObservabilityHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/events/{id}", h.handleGetEvent)
	mux.HandleFunc("GET /v1/webhook-endpoints/{id}/attempts", h.handleListAttempts)
	mux.HandleFunc("GET /v1/webhook-endpoints/{id}/health", h.handleEndpointHealth)
	mux.Handle("GET /v1/metrics", h.metrics)
	mux.HandleFunc("GET /v1/health", h.handleHealth)
}

func (h *ObservabilityHandler) handleEndpointHealth(w http.ResponseWriter, r *http.Request) {
	endpointID := r.PathValue("id")
	window := h.windows.HealthWindow(endpointID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoint_id":     endpointID,
		"success_rate":    window.SuccessRate(),
		"mean_latency_ms": window.MeanLatency().Milliseconds(),
		"sample_count":    window.Count(),
	})
}

func (h *ObservabilityHandler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	event, err := h.events.Load(r.Context(), schema, id)
	if err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			WriteJSONError(w, "event not found", http.StatusNotFound)
			return
		}
		h.logger.WithField("error", err.Error()).Error("failed to load event")
		WriteJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"event": event})
}

func (h *ObservabilityHandler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}
	endpointID := r.PathValue("id")

	status := domain.AttemptStatus(r.URL.Query().Get("status"))

	var sinceUnix int64
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			WriteJSONError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		sinceUnix = parsed.Unix()
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := parsePositiveInt(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	attempts, err := h.attempts.ListByEndpoint(r.Context(), schema, endpointID, status, sinceUnix, limit)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list attempts")
		WriteJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (h *ObservabilityHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
