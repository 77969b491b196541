package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/internal/service"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

type fakeObservabilityEventStore struct {
	byID map[string]*domain.DomainEvent
}

func (f *fakeObservabilityEventStore) Append(ctx context.Context, schema string, event *domain.DomainEvent) error {
	return nil
}
func (f *fakeObservabilityEventStore) Load(ctx context.Context, schema, eventID string) (*domain.DomainEvent, error) {
	e, ok := f.byID[eventID]
	if !ok {
		return nil, &domain.ErrNotFound{Entity: "event", ID: eventID}
	}
	return e, nil
}
func (f *fakeObservabilityEventStore) ClaimPending(ctx context.Context, schema string, limit int, workerID string, leaseDuration int64) ([]*domain.DomainEvent, error) {
	return nil, nil
}
func (f *fakeObservabilityEventStore) MarkProcessed(ctx context.Context, schema, eventID string) error {
	return nil
}
func (f *fakeObservabilityEventStore) MarkDead(ctx context.Context, schema, eventID string, errRecord *domain.ErrorRecord) error {
	return nil
}
func (f *fakeObservabilityEventStore) CountByState(ctx context.Context, schema string, state domain.ProcessingState) (int64, error) {
	return 0, nil
}
func (f *fakeObservabilityEventStore) ReclaimExpiredLeases(ctx context.Context, schema string, limit int) ([]*domain.DomainEvent, error) {
	return nil, nil
}
func (f *fakeObservabilityEventStore) StalePending(ctx context.Context, schema string, olderThanSeconds int64, limit int) ([]*domain.DomainEvent, error) {
	return nil, nil
}

type fakeObservabilityAttemptRepo struct {
	byEndpoint map[string][]*domain.DeliveryAttempt
	listErr    error
}

func (f *fakeObservabilityAttemptRepo) Upsert(ctx context.Context, schema string, attempt *domain.DeliveryAttempt) error {
	return nil
}
func (f *fakeObservabilityAttemptRepo) ListByEventEndpoint(ctx context.Context, schema, eventID, endpointID string) ([]*domain.DeliveryAttempt, error) {
	return nil, nil
}
func (f *fakeObservabilityAttemptRepo) ListByEndpoint(ctx context.Context, schema, endpointID string, status domain.AttemptStatus, sinceUnix int64, limit int) ([]*domain.DeliveryAttempt, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.byEndpoint[endpointID], nil
}
func (f *fakeObservabilityAttemptRepo) DueForRetry(ctx context.Context, schema string, nowUnix int64, limit int) ([]*domain.DeliveryAttempt, error) {
	return nil, nil
}

type fakeHealthWindowSource struct {
	window *domain.EndpointHealthWindow
}

func (f *fakeHealthWindowSource) HealthWindow(endpointID string) *domain.EndpointHealthWindow {
	return f.window
}

func newObservabilityHandlerFixture(t *testing.T) (*ObservabilityHandler, *fakeObservabilityEventStore, *fakeObservabilityAttemptRepo) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	events := &fakeObservabilityEventStore{byID: map[string]*domain.DomainEvent{}}
	attempts := &fakeObservabilityAttemptRepo{byEndpoint: map[string][]*domain.DeliveryAttempt{}}
	health := service.NewHealthChecker(db, redisClient)
	windows := &fakeHealthWindowSource{window: domain.NewEndpointHealthWindow()}

	handler := NewObservabilityHandler(events, attempts, health, windows, prometheus.NewRegistry(), logger.NewTestLogger(t))
	return handler, events, attempts
}

func TestObservabilityHandler_GetEvent(t *testing.T) {
	handler, events, _ := newObservabilityHandlerFixture(t)
	events.byID["evt_1"] = &domain.DomainEvent{EventID: "evt_1", EventType: "order.created"}

	req := httptest.NewRequest(http.MethodGet, "/v1/events/evt_1?schema=acme", nil)
	req.SetPathValue("id", "evt_1")
	rec := httptest.NewRecorder()

	handler.handleGetEvent(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestObservabilityHandler_GetEvent_NotFound(t *testing.T) {
	handler, _, _ := newObservabilityHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/events/evt_missing?schema=acme", nil)
	req.SetPathValue("id", "evt_missing")
	rec := httptest.NewRecorder()

	handler.handleGetEvent(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObservabilityHandler_GetEvent_MissingSchema(t *testing.T) {
	handler, _, _ := newObservabilityHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/events/evt_1", nil)
	req.SetPathValue("id", "evt_1")
	rec := httptest.NewRecorder()

	handler.handleGetEvent(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObservabilityHandler_ListAttempts(t *testing.T) {
	handler, _, attempts := newObservabilityHandlerFixture(t)
	attempts.byEndpoint["ep_1"] = []*domain.DeliveryAttempt{{AttemptID: "att_1", EndpointID: "ep_1"}}

	req := httptest.NewRequest(http.MethodGet, "/v1/webhook-endpoints/ep_1/attempts?schema=acme", nil)
	req.SetPathValue("id", "ep_1")
	rec := httptest.NewRecorder()

	handler.handleListAttempts(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body["attempts"], 1)
}

func TestObservabilityHandler_EndpointHealth(t *testing.T) {
	handler, _, _ := newObservabilityHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/webhook-endpoints/ep_1/health", nil)
	req.SetPathValue("id", "ep_1")
	rec := httptest.NewRecorder()

	handler.handleEndpointHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ep_1", body["endpoint_id"])
	assert.Equal(t, float64(1), body["success_rate"])
}

func TestObservabilityHandler_Health(t *testing.T) {
	handler, _, _ := newObservabilityHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()

	handler.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
