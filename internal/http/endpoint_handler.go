package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/internal/service"
	"github.com/eventrelay/eventrelay/pkg/crypto"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// EndpointHandler implements the endpoint management API (§6.2): CRUD
// over webhook endpoints plus a synthetic test delivery.
type EndpointHandler struct {
	endpoints    domain.EndpointRepository
	planner      *service.DeliveryPlanner
	adapter      *service.HTTPDeliveryAdapter
	secretCipher string
	logger       logger.Logger
}

// NewEndpointHandler wires the handler to the Endpoint Registry and the
// same Delivery Planner/HTTP Delivery Adapter pair the Dispatcher uses,
// so a test delivery exercises the real send path. secretCipher is the
// passphrase endpoint secrets are encrypted under at rest.
func NewEndpointHandler(endpoints domain.EndpointRepository, planner *service.DeliveryPlanner, adapter *service.HTTPDeliveryAdapter, secretCipher string, log logger.Logger) *EndpointHandler {
	return &EndpointHandler{endpoints: endpoints, planner: planner, adapter: adapter, secretCipher: secretCipher, logger: log}
}

// RegisterRoutes registers the §6.2 routes on mux.
func (h *EndpointHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/webhook-endpoints", h.handleCreate)
	mux.HandleFunc("GET /v1/webhook-endpoints", h.handleList)
	mux.HandleFunc("GET /v1/webhook-endpoints/{id}", h.handleGet)
	mux.HandleFunc("PATCH /v1/webhook-endpoints/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /v1/webhook-endpoints/{id}", h.handleDelete)
	mux.HandleFunc("POST /v1/webhook-endpoints/{id}/test", h.handleTest)
}

type endpointRequest struct {
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	Method              string            `json:"method"`
	Secret              string            `json:"secret"`
	SignatureHeaderName string            `json:"signature_header_name"`
	CustomHeaders       map[string]string `json:"custom_headers"`
	Timeout             time.Duration     `json:"timeout"`
	RetryPolicy         domain.RetryPolicy `json:"retry_policy"`
	IsActive            bool              `json:"is_active"`
	CreatedBy           string            `json:"created_by"`
}

func (h *EndpointHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}

	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	secret, err := crypto.EncryptString(req.Secret, h.secretCipher)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to encrypt endpoint secret")
		WriteJSONError(w, "failed to store endpoint secret", http.StatusInternalServerError)
		return
	}

	endpoint := &domain.WebhookEndpoint{
		EndpointID:          domain.NewID(),
		OwnerScope:          schema,
		Name:                req.Name,
		URL:                 req.URL,
		Method:              req.Method,
		Secret:              secret,
		SignatureHeaderName: req.SignatureHeaderName,
		CustomHeaders:       req.CustomHeaders,
		Timeout:             req.Timeout,
		RetryPolicy:         req.RetryPolicy,
		IsActive:            req.IsActive,
		CreatedBy:           req.CreatedBy,
	}

	if err := endpoint.Validate(true); err != nil {
		WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.endpoints.Create(r.Context(), schema, endpoint); err != nil {
		var conflict *domain.ErrConflict
		if errors.As(err, &conflict) {
			WriteJSONError(w, conflict.Error(), http.StatusConflict)
			return
		}
		h.logger.WithField("error", err.Error()).Error("failed to create webhook endpoint")
		WriteJSONError(w, "failed to create webhook endpoint", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, endpoint)
}

func (h *EndpointHandler) handleList(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}

	cursor := r.URL.Query().Get("cursor")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := parsePositiveInt(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	endpoints, next, err := h.endpoints.List(r.Context(), schema, cursor, limit)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to list webhook endpoints")
		WriteJSONError(w, "failed to list webhook endpoints", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints":   endpoints,
		"next_cursor": next,
	})
}

func (h *EndpointHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	endpoint, err := h.endpoints.Get(r.Context(), schema, id)
	if err != nil {
		h.notFoundOrServerError(w, err, "webhook endpoint")
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

func (h *EndpointHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	existing, err := h.endpoints.Get(r.Context(), schema, id)
	if err != nil {
		h.notFoundOrServerError(w, err, "webhook endpoint")
		return
	}

	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	existing.Name = req.Name
	existing.URL = req.URL
	existing.Method = req.Method
	existing.SignatureHeaderName = req.SignatureHeaderName
	existing.CustomHeaders = req.CustomHeaders
	existing.Timeout = req.Timeout
	existing.RetryPolicy = req.RetryPolicy
	existing.IsActive = req.IsActive
	if req.Secret != "" {
		secret, err := crypto.EncryptString(req.Secret, h.secretCipher)
		if err != nil {
			h.logger.WithField("error", err.Error()).Error("failed to encrypt endpoint secret")
			WriteJSONError(w, "failed to store endpoint secret", http.StatusInternalServerError)
			return
		}
		existing.Secret = secret
	}

	if err := existing.Validate(true); err != nil {
		WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.endpoints.Update(r.Context(), schema, existing); err != nil {
		h.logger.WithField("error", err.Error()).Error("failed to update webhook endpoint")
		WriteJSONError(w, "failed to update webhook endpoint", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, existing)
}

func (h *EndpointHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	if err := h.endpoints.SoftDelete(r.Context(), schema, id); err != nil {
		h.notFoundOrServerError(w, err, "webhook endpoint")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTest fires a synthetic event at the endpoint using the same
// planner/adapter pair the Dispatcher uses for a first attempt, and
// returns the raw attempt result without recording it (§6.2).
func (h *EndpointHandler) handleTest(w http.ResponseWriter, r *http.Request) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		WriteJSONError(w, "schema is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	endpoint, err := h.endpoints.Get(r.Context(), schema, id)
	if err != nil {
		h.notFoundOrServerError(w, err, "webhook endpoint")
		return
	}

	testEvent := &domain.DomainEvent{
		EventID:    domain.NewID(),
		EventType:  "webhook.test",
		Payload:    map[string]interface{}{"ping": true, "test_id": domain.NewID()},
		OccurredAt: time.Now().UTC(),
		Metadata:   domain.EventMetadata{SchemaName: schema},
	}
	if err := testEvent.Validate(); err != nil {
		WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	plan := h.planner.Plan(testEvent, endpoint, nil)
	result := h.adapter.Deliver(r.Context(), plan, testEvent, endpoint)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": result.Status,
		"response": result.Response,
		"error":  result.Error,
	})
}

func (h *EndpointHandler) notFoundOrServerError(w http.ResponseWriter, err error, entity string) {
	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) {
		WriteJSONError(w, entity+" not found", http.StatusNotFound)
		return
	}
	h.logger.WithField("error", err.Error()).Error("webhook endpoint operation failed")
	WriteJSONError(w, "internal error", http.StatusInternalServerError)
}
