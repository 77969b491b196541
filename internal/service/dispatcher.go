package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// endpointMatcher is the subset of SubscriptionMatcher the Dispatcher
// depends on, so tests can substitute a fake.
type endpointMatcher interface {
	Match(ctx context.Context, schema string, event *domain.DomainEvent) ([]MatchedEndpoint, error)
}

// deliveryPlannerIface is the subset of DeliveryPlanner the Dispatcher
// depends on.
type deliveryPlannerIface interface {
	Plan(event *domain.DomainEvent, endpoint *domain.WebhookEndpoint, history []*domain.DeliveryAttempt) DeliveryPlan
}

// deliveryAdapter is the subset of HTTPDeliveryAdapter the Dispatcher
// depends on.
type deliveryAdapter interface {
	Deliver(ctx context.Context, plan DeliveryPlan, event *domain.DomainEvent, endpoint *domain.WebhookEndpoint) domain.AttemptResult
}

// attemptRecorderIface is the subset of AttemptRecorder the Dispatcher
// depends on.
type attemptRecorderIface interface {
	Record(ctx context.Context, schema string, event *domain.DomainEvent, endpointIDs []string, attempt *domain.DeliveryAttempt) error
}

// retrySchedulerIface is the subset of RetryScheduler the Dispatcher
// depends on.
type retrySchedulerIface interface {
	Schedule(ctx context.Context, schema, eventID, endpointID, category string, attemptNumber uint16, nextRetryAt time.Time, maxBackoff time.Duration) error
	Sweep(ctx context.Context, schema string, now time.Time, limit int64) (int, error)
}

// dispatcherMetrics is the subset of Metrics the Dispatcher feeds.
// Optional: a Dispatcher with no metrics attached just skips reporting.
type dispatcherMetrics interface {
	RecordAttempt(success bool, classification string, latency time.Duration)
	SetQueueDepth(schema string, depth int64)
	AttemptInFlight() func()
}

// attemptClassification maps a non-success AttemptStatus to
// the classification label Metrics.RecordAttempt expects (§4.11).
func attemptClassification(status domain.AttemptStatus) string {
	switch status {
	case domain.AttemptStatusTimeout:
		return "timeout"
	case domain.AttemptStatusCancelled:
		return "cancelled"
	case domain.AttemptStatusRetrying:
		return "retryable"
	default:
		return "non_retryable"
	}
}

// SchemaTopic pairs a tenant schema with one stream topic it must
// consume. The Dispatcher has no way to discover categories on its
// own (Redis Streams has no wildcard subscription), so the caller
// resolves the set of active (schema, category) pairs — typically
// from the distinct categories seen across a schema's subscriptions —
// and passes them in at startup.
type SchemaTopic struct {
	Schema   string
	Category string
}

func (t SchemaTopic) topic() string { return streamTopicName(t.Schema, t.Category) }

// DispatcherConfig bounds the Dispatcher's worker pool, concurrency
// ceilings, and reconciliation cadence (§4.10, §5).
type DispatcherConfig struct {
	ConsumerGroup          string
	WorkerCount            int
	BatchSize              int
	GlobalConcurrency      int64
	PerEndpointConcurrency int64
	LeaseDuration          time.Duration
	ReconcileInterval      time.Duration
	StalePendingThreshold  time.Duration
	RetrySweepInterval     time.Duration
	DrainTimeout           time.Duration
}

// DefaultDispatcherConfig mirrors the teacher's conservative
// poll-interval/batch-size defaults, scaled to this core's concurrent
// consumer-group model.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ConsumerGroup:          "eventrelay-dispatcher",
		WorkerCount:            4,
		BatchSize:              50,
		GlobalConcurrency:      256,
		PerEndpointConcurrency: 8,
		LeaseDuration:          30 * time.Second,
		ReconcileInterval:      15 * time.Second,
		StalePendingThreshold:  time.Minute,
		RetrySweepInterval:     2 * time.Second,
		DrainTimeout:           30 * time.Second,
	}
}

// Dispatcher implements C10: the long-running orchestrator that drives
// every matched (event, endpoint) pair through Match → Plan → Deliver →
// Record → (Schedule if retryable), and separately reconciles events
// whose processing stalled.
type Dispatcher struct {
	cfg DispatcherConfig

	events    domain.EventStore
	streamLog domain.StreamLog
	attempts  domain.AttemptRepository

	matcher   endpointMatcher
	planner   deliveryPlannerIface
	adapter   deliveryAdapter
	recorder  attemptRecorderIface
	scheduler retrySchedulerIface

	logger  logger.Logger
	metrics dispatcherMetrics

	globalSem *semaphore.Weighted

	endpointMu  sync.Mutex
	endpointSem map[string]*semaphore.Weighted

	workerID string

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher wires the Dispatcher to its collaborators.
func NewDispatcher(
	cfg DispatcherConfig,
	events domain.EventStore,
	streamLog domain.StreamLog,
	attempts domain.AttemptRepository,
	matcher endpointMatcher,
	planner deliveryPlannerIface,
	adapter deliveryAdapter,
	recorder attemptRecorderIface,
	scheduler retrySchedulerIface,
	log logger.Logger,
	workerID string,
) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		events:      events,
		streamLog:   streamLog,
		attempts:    attempts,
		matcher:     matcher,
		planner:     planner,
		adapter:     adapter,
		recorder:    recorder,
		scheduler:   scheduler,
		logger:      log,
		globalSem:   semaphore.NewWeighted(cfg.GlobalConcurrency),
		endpointSem: make(map[string]*semaphore.Weighted),
		workerID:    workerID,
		shutdown:    make(chan struct{}),
	}
}

// SetMetrics attaches a metrics sink after construction, so tests built
// against NewDispatcher's existing signature are unaffected and a
// Dispatcher run without one simply skips reporting.
func (d *Dispatcher) SetMetrics(m dispatcherMetrics) {
	d.metrics = m
}

// endpointLimiter returns the per-endpoint token bucket, creating it on
// first use so a single slow endpoint can never starve the rest of the
// global concurrency budget (§4.10).
func (d *Dispatcher) endpointLimiter(endpointID string) *semaphore.Weighted {
	d.endpointMu.Lock()
	defer d.endpointMu.Unlock()
	sem, ok := d.endpointSem[endpointID]
	if !ok {
		sem = semaphore.NewWeighted(d.cfg.PerEndpointConcurrency)
		d.endpointSem[endpointID] = sem
	}
	return sem
}

// Run starts Loop A (one goroutine per topic per worker) and Loop B
// (reconciliation + retry sweep), and blocks until ctx is cancelled.
// On cancellation it stops accepting new stream entries and waits up
// to cfg.DrainTimeout for in-flight attempts to finish before
// returning; any attempt still running past that point is abandoned —
// its stream entry stays unacked and is redelivered to another worker.
func (d *Dispatcher) Run(ctx context.Context, topics []SchemaTopic) error {
	for _, t := range topics {
		if err := d.streamLog.CreateConsumerGroup(ctx, t.topic(), d.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("failed to create consumer group for topic %s: %w", t.topic(), err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, t := range topics {
		for w := 0; w < d.cfg.WorkerCount; w++ {
			d.wg.Add(1)
			go d.consumeLoop(runCtx, t, fmt.Sprintf("%s-w%d", d.workerID, w))
		}
	}

	schemas := distinctSchemas(topics)
	d.wg.Add(1)
	go d.reconcileLoop(runCtx, schemas)

	<-ctx.Done()
	close(d.shutdown)

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(d.cfg.DrainTimeout):
		d.logger.Warn("dispatcher drain timeout exceeded, abandoning in-flight attempts for redelivery")
	}
	return nil
}

func distinctSchemas(topics []SchemaTopic) []string {
	seen := make(map[string]bool)
	var schemas []string
	for _, t := range topics {
		if !seen[t.Schema] {
			seen[t.Schema] = true
			schemas = append(schemas, t.Schema)
		}
	}
	return schemas
}

// consumeLoop is Loop A for one (topic, worker) pair.
func (d *Dispatcher) consumeLoop(ctx context.Context, t SchemaTopic, consumerID string) {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		entries, err := d.streamLog.Read(ctx, t.topic(), d.cfg.ConsumerGroup, consumerID, d.cfg.BatchSize, true)
		if err != nil {
			d.logger.WithField("topic", t.topic()).WithField("error", err.Error()).Error("stream read failed")
			continue
		}
		for _, entry := range entries {
			d.handleEntry(ctx, t, entry)
		}
	}
}

// handleEntry implements Loop A steps 2-4 for a single stream entry.
func (d *Dispatcher) handleEntry(ctx context.Context, t SchemaTopic, entry domain.StreamEntry) {
	eventID := entry.Values["event_id"]
	event, err := d.events.Load(ctx, t.Schema, eventID)
	if err != nil {
		if _, ok := err.(*domain.ErrNotFound); ok {
			d.logger.WithField("event_id", eventID).Warn("stream entry references missing event, acking and skipping")
			d.ack(ctx, t, entry.ID)
			return
		}
		d.logger.WithField("event_id", eventID).WithField("error", err.Error()).Error("failed to load event")
		return
	}

	matched, err := d.matcher.Match(ctx, t.Schema, event)
	if err != nil {
		d.logger.WithField("event_id", eventID).WithField("error", err.Error()).Error("subscription matching failed")
		return
	}
	if len(matched) == 0 {
		// No subscribers is success (S5): mark the event processed so it
		// doesn't sit in "dispatched" forever, re-published by Loop B's
		// stale-pending/lease-reclaim sweeps.
		if err := d.events.MarkProcessed(ctx, t.Schema, event.EventID); err != nil {
			d.logger.WithField("event_id", eventID).WithField("error", err.Error()).Error("failed to mark unsubscribed event processed")
			return
		}
		d.ack(ctx, t, entry.ID)
		return
	}

	endpointIDs := make([]string, len(matched))
	for i, m := range matched {
		endpointIDs[i] = m.Endpoint.EndpointID
	}

	var wg sync.WaitGroup
	for _, m := range matched {
		wg.Add(1)
		go func(m MatchedEndpoint) {
			defer wg.Done()
			d.processEndpoint(ctx, t, event, m.Endpoint, endpointIDs)
		}(m)
	}
	wg.Wait()

	d.ack(ctx, t, entry.ID)
}

// processEndpoint runs C6 (plan) → C7 (deliver) → C8 (record) →
// C9 (schedule if retryable) for one (event, endpoint) pair.
func (d *Dispatcher) processEndpoint(ctx context.Context, t SchemaTopic, event *domain.DomainEvent, endpoint *domain.WebhookEndpoint, endpointIDs []string) {
	history, err := d.attempts.ListByEventEndpoint(ctx, t.Schema, event.EventID, endpoint.EndpointID)
	if err != nil {
		d.logger.WithField("event_id", event.EventID).WithField("endpoint_id", endpoint.EndpointID).
			WithField("error", err.Error()).Error("failed to load attempt history")
		return
	}

	plan := d.planner.Plan(event, endpoint, history)
	if plan.AlreadyTerminal {
		// A sibling endpoint's retry (or Loop B's reconciliation) can
		// re-publish the same event_id onto the stream; this pair already
		// reached a terminal status, so no further attempt is planned or
		// delivered (§3/§8).
		return
	}
	if plan.Exhausted {
		terminal := &domain.DeliveryAttempt{
			EventID:            event.EventID,
			EndpointID:         endpoint.EndpointID,
			AttemptNumber:      plan.AttemptNumber,
			Status:             domain.AttemptStatusFailed,
			MaxAttemptsReached: true,
			ScheduledAt:        time.Now().UTC(),
		}
		if err := d.recorder.Record(ctx, t.Schema, event, endpointIDs, terminal); err != nil {
			d.logger.WithField("event_id", event.EventID).WithField("error", err.Error()).Error("failed to record exhausted attempt")
		}
		return
	}

	if plan.DelayBeforeThis > 0 {
		timer := time.NewTimer(plan.DelayBeforeThis)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	if err := d.globalSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.globalSem.Release(1)

	endpointSem := d.endpointLimiter(endpoint.EndpointID)
	if err := endpointSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer endpointSem.Release(1)

	attemptStart := time.Now()
	var inFlightDone func()
	if d.metrics != nil {
		inFlightDone = d.metrics.AttemptInFlight()
	}
	result := d.adapter.Deliver(ctx, plan, event, endpoint)
	if inFlightDone != nil {
		inFlightDone()
	}
	attemptLatency := time.Since(attemptStart)

	now := time.Now().UTC()
	attempt := &domain.DeliveryAttempt{
		EventID:            event.EventID,
		EndpointID:         endpoint.EndpointID,
		AttemptNumber:      plan.AttemptNumber,
		Status:             result.Status,
		Response:           result.Response,
		Error:              result.Error,
		ScheduledAt:        now,
		CompletedAt:        &now,
		MaxAttemptsReached: plan.AttemptNumber >= uint16(endpoint.RetryPolicy.MaxAttempts),
	}

	if result.Status != domain.AttemptStatusSuccess && result.Retryable && !attempt.MaxAttemptsReached {
		nextPlan := d.planner.Plan(event, endpoint, append(history, attempt))
		nextRetryAt := now.Add(nextPlan.DelayBeforeThis)
		if result.RetryAfter > 0 {
			nextRetryAt = NextRetryAfterRateLimit(now, result.RetryAfter, nextPlan.DelayBeforeThis)
		}
		attempt.NextRetryAt = &nextRetryAt
		attempt.Status = domain.AttemptStatusRetrying
	}

	if d.metrics != nil {
		d.metrics.RecordAttempt(attempt.Status == domain.AttemptStatusSuccess, attemptClassification(attempt.Status), attemptLatency)
	}

	if err := d.recorder.Record(ctx, t.Schema, event, endpointIDs, attempt); err != nil {
		d.logger.WithField("event_id", event.EventID).WithField("endpoint_id", endpoint.EndpointID).
			WithField("error", err.Error()).Error("failed to record attempt")
		return
	}

	if attempt.Status == domain.AttemptStatusRetrying {
		category := domain.EventCategory(event.EventType)
		if err := d.scheduler.Schedule(ctx, t.Schema, event.EventID, endpoint.EndpointID, category, plan.AttemptNumber+1, *attempt.NextRetryAt, endpoint.RetryPolicy.MaxBackoff); err != nil {
			d.logger.WithField("event_id", event.EventID).WithField("endpoint_id", endpoint.EndpointID).
				WithField("error", err.Error()).Error("failed to schedule retry")
		}
	}
}

func (d *Dispatcher) ack(ctx context.Context, t SchemaTopic, entryID string) {
	if err := d.streamLog.Ack(ctx, t.topic(), d.cfg.ConsumerGroup, []string{entryID}); err != nil {
		d.logger.WithField("topic", t.topic()).WithField("entry_id", entryID).WithField("error", err.Error()).
			Warn("failed to ack stream entry")
	}
}

// reconcileLoop is Loop B: it periodically reclaims dispatched events
// whose lease expired, re-publishes pending events stuck past
// cfg.StalePendingThreshold (covering Publisher step-3 failures), and
// sweeps the Retry Scheduler's due queue.
func (d *Dispatcher) reconcileLoop(ctx context.Context, schemas []string) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()
	retryTicker := time.NewTicker(d.cfg.RetrySweepInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.reconcileOnce(ctx, schemas)
		case <-retryTicker.C:
			d.sweepRetriesOnce(ctx, schemas)
		}
	}
}

func (d *Dispatcher) reconcileOnce(ctx context.Context, schemas []string) {
	for _, schema := range schemas {
		reclaimed, err := d.events.ReclaimExpiredLeases(ctx, schema, d.cfg.BatchSize)
		if err != nil {
			d.logger.WithField("schema", schema).WithField("error", err.Error()).Error("failed to reclaim expired leases")
		} else if len(reclaimed) > 0 {
			d.republish(ctx, schema, reclaimed)
		}

		stale, err := d.events.StalePending(ctx, schema, int64(d.cfg.StalePendingThreshold.Seconds()), d.cfg.BatchSize)
		if err != nil {
			d.logger.WithField("schema", schema).WithField("error", err.Error()).Error("failed to scan stale pending events")
		} else if len(stale) > 0 {
			d.republish(ctx, schema, stale)
		}

		if d.metrics != nil {
			if depth, err := d.events.CountByState(ctx, schema, domain.ProcessingStatePending); err == nil {
				d.metrics.SetQueueDepth(schema, depth)
			}
		}
	}
}

func (d *Dispatcher) republish(ctx context.Context, schema string, events []*domain.DomainEvent) {
	for _, event := range events {
		topic := streamTopicName(schema, domain.EventCategory(event.EventType))
		entry := map[string]string{"event_id": event.EventID, "schema": schema}
		if _, err := d.streamLog.Publish(ctx, topic, event.PartitionKey, entry); err != nil {
			d.logger.WithField("event_id", event.EventID).WithField("error", err.Error()).Warn("reconciliation republish failed")
		}
	}
}

func (d *Dispatcher) sweepRetriesOnce(ctx context.Context, schemas []string) {
	for _, schema := range schemas {
		if _, err := d.scheduler.Sweep(ctx, schema, time.Now(), int64(d.cfg.BatchSize)); err != nil {
			d.logger.WithField("schema", schema).WithField("error", err.Error()).Error("retry sweep failed")
		}
	}
}
