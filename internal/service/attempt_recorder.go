package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// recorderMetrics is the subset of Metrics the AttemptRecorder feeds.
// Optional: a recorder with no metrics attached just skips reporting.
type recorderMetrics interface {
	SetEndpointHealth(endpointID string, healthValue float64)
}

// AttemptRecorder implements C8: persisting one delivery attempt and
// rolling its outcome up into the owning event's aggregate state and
// the endpoint's health counters (§4.8).
type AttemptRecorder struct {
	attempts  domain.AttemptRepository
	events    domain.EventStore
	endpoints domain.EndpointRepository
	logger    logger.Logger
	metrics   recorderMetrics

	windowsMu sync.Mutex
	windows   map[string]*domain.EndpointHealthWindow
}

// NewAttemptRecorder wires the recorder to its persistence dependencies.
func NewAttemptRecorder(attempts domain.AttemptRepository, events domain.EventStore, endpoints domain.EndpointRepository, log logger.Logger) *AttemptRecorder {
	return &AttemptRecorder{
		attempts:  attempts,
		events:    events,
		endpoints: endpoints,
		logger:    log,
		windows:   make(map[string]*domain.EndpointHealthWindow),
	}
}

// SetMetrics attaches a metrics sink after construction, so tests built
// against NewAttemptRecorder's existing signature are unaffected.
func (r *AttemptRecorder) SetMetrics(m recorderMetrics) {
	r.metrics = m
}

// endpointHealthValue maps an EndpointHealth classification to the
// §4.11 gauge value (0 healthy, 1 degraded, 2 disabled).
func endpointHealthValue(h domain.EndpointHealth) float64 {
	switch h {
	case domain.EndpointHealthDegraded:
		return 1
	case domain.EndpointHealthDisabled:
		return 2
	default:
		return 0
	}
}

// HealthWindow returns the rolling success-rate/latency window for
// endpointID, creating an empty one on first use. The window is process-
// local: it resets on restart and is never shared across dispatcher
// instances, so it complements rather than replaces the persisted
// lifetime health counters RecordHealthOutcome maintains.
func (r *AttemptRecorder) HealthWindow(endpointID string) *domain.EndpointHealthWindow {
	r.windowsMu.Lock()
	defer r.windowsMu.Unlock()

	w, ok := r.windows[endpointID]
	if !ok {
		w = domain.NewEndpointHealthWindow()
		r.windows[endpointID] = w
	}
	return w
}

// Record upserts attempt (idempotent on (event_id, endpoint_id,
// attempt_number)), updates the target endpoint's health counters, and
// recomputes event's aggregate processing_state against the full set
// of endpoints matched for it. endpointIDs must be the complete set
// Dispatcher resolved for this event, not just the one attempt just
// made, since aggregate state depends on every endpoint reaching a
// terminal state.
//
// The attempt write and the health-counter update are not wrapped in a
// single cross-repository SQL transaction; EndpointRepository.RecordHealthOutcome
// already runs its own SELECT ... FOR UPDATE transaction, so the two
// writes are each atomic individually even though not jointly atomic.
// A crash between them leaves the attempt recorded and the health
// counter stale by one outcome, which self-corrects on the next
// attempt for that endpoint.
func (r *AttemptRecorder) Record(ctx context.Context, schema string, event *domain.DomainEvent, endpointIDs []string, attempt *domain.DeliveryAttempt) error {
	if err := r.attempts.Upsert(ctx, schema, attempt); err != nil {
		return fmt.Errorf("failed to upsert attempt for event %s endpoint %s: %w", attempt.EventID, attempt.EndpointID, err)
	}

	success := attempt.Status == domain.AttemptStatusSuccess
	if updated, err := r.endpoints.RecordHealthOutcome(ctx, schema, attempt.EndpointID, success); err != nil {
		r.logger.WithField("endpoint_id", attempt.EndpointID).WithField("error", err.Error()).Warn("failed to update endpoint health counters")
	} else if r.metrics != nil {
		r.metrics.SetEndpointHealth(attempt.EndpointID, endpointHealthValue(updated.Health))
	}

	var latency time.Duration
	if attempt.StartedAt != nil && attempt.CompletedAt != nil {
		latency = attempt.CompletedAt.Sub(*attempt.StartedAt)
	}
	r.HealthWindow(attempt.EndpointID).Record(success, latency)

	return r.recomputeAggregateState(ctx, schema, event, endpointIDs)
}

// recomputeAggregateState applies §4.8's rollup rule: processed when any
// endpoint succeeded and every endpoint has reached a terminal state;
// dead when every endpoint is terminal with no success; dispatched
// otherwise.
func (r *AttemptRecorder) recomputeAggregateState(ctx context.Context, schema string, event *domain.DomainEvent, endpointIDs []string) error {
	anySuccess := false
	allTerminal := true

	for _, endpointID := range endpointIDs {
		history, err := r.attempts.ListByEventEndpoint(ctx, schema, event.EventID, endpointID)
		if err != nil {
			return fmt.Errorf("failed to load attempt history for event %s endpoint %s: %w", event.EventID, endpointID, err)
		}

		terminal := false
		for _, a := range history {
			if a.Status == domain.AttemptStatusSuccess {
				anySuccess = true
			}
			if a.Status.IsTerminal() || a.MaxAttemptsReached {
				terminal = true
			}
		}
		if !terminal {
			allTerminal = false
		}
	}

	event.AttemptsCount++

	switch {
	case anySuccess && allTerminal:
		event.ProcessingState = domain.ProcessingStateProcessed
		return r.events.MarkProcessed(ctx, schema, event.EventID)
	case !anySuccess && allTerminal:
		event.ProcessingState = domain.ProcessingStateDead
		return r.events.MarkDead(ctx, schema, event.EventID, event.LastError)
	default:
		event.ProcessingState = domain.ProcessingStateDispatched
		return nil
	}
}
