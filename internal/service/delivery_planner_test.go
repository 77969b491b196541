package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventrelay/eventrelay/internal/domain"
)

func testEndpoint() *domain.WebhookEndpoint {
	return &domain.WebhookEndpoint{
		EndpointID: "ep_1",
		Timeout:    30 * time.Second,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts:    3,
			BaseBackoff:    5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0,
			MaxBackoff:     time.Hour,
		},
	}
}

func TestPlan_FirstAttemptHasNoDelay(t *testing.T) {
	p := NewDeliveryPlanner()
	event := &domain.DomainEvent{EventID: "evt_1"}
	plan := p.Plan(event, testEndpoint(), nil)

	assert.Equal(t, uint16(1), plan.AttemptNumber)
	assert.Equal(t, time.Duration(0), plan.DelayBeforeThis)
	assert.False(t, plan.Exhausted)
}

func TestPlan_BackoffGrowsExponentially(t *testing.T) {
	p := NewDeliveryPlanner()
	event := &domain.DomainEvent{EventID: "evt_1"}
	endpoint := testEndpoint()

	history := []*domain.DeliveryAttempt{{AttemptNumber: 1}}
	plan2 := p.Plan(event, endpoint, history)
	require.Equal(t, uint16(2), plan2.AttemptNumber)
	assert.Equal(t, 5*time.Second, plan2.DelayBeforeThis)

	history = append(history, &domain.DeliveryAttempt{AttemptNumber: 2})
	plan3 := p.Plan(event, endpoint, history)
	require.Equal(t, uint16(3), plan3.AttemptNumber)
	assert.Equal(t, 10*time.Second, plan3.DelayBeforeThis)
}

func TestPlan_ExhaustedAfterMaxAttempts(t *testing.T) {
	p := NewDeliveryPlanner()
	event := &domain.DomainEvent{EventID: "evt_1"}
	endpoint := testEndpoint()

	history := []*domain.DeliveryAttempt{{AttemptNumber: 1}, {AttemptNumber: 2}, {AttemptNumber: 3}}
	plan := p.Plan(event, endpoint, history)
	assert.True(t, plan.Exhausted)
}

func TestPlan_RespectsMaxBackoff(t *testing.T) {
	p := NewDeliveryPlanner()
	endpoint := testEndpoint()
	endpoint.RetryPolicy.MaxAttempts = 10
	endpoint.RetryPolicy.MaxBackoff = 8 * time.Second
	event := &domain.DomainEvent{EventID: "evt_1"}

	history := []*domain.DeliveryAttempt{
		{AttemptNumber: 1}, {AttemptNumber: 2}, {AttemptNumber: 3}, {AttemptNumber: 4},
	}
	plan := p.Plan(event, endpoint, history)
	assert.LessOrEqual(t, plan.DelayBeforeThis, endpoint.RetryPolicy.MaxBackoff)
}

func TestPlan_AlreadyTerminalSkipsFurtherAttempts(t *testing.T) {
	p := NewDeliveryPlanner()
	event := &domain.DomainEvent{EventID: "evt_1"}
	endpoint := testEndpoint()

	t.Run("success is terminal", func(t *testing.T) {
		history := []*domain.DeliveryAttempt{{AttemptNumber: 1, Status: domain.AttemptStatusSuccess}}
		plan := p.Plan(event, endpoint, history)
		assert.True(t, plan.AlreadyTerminal)
		assert.False(t, plan.Exhausted)
	})

	t.Run("cancelled is terminal", func(t *testing.T) {
		history := []*domain.DeliveryAttempt{{AttemptNumber: 1, Status: domain.AttemptStatusCancelled}}
		plan := p.Plan(event, endpoint, history)
		assert.True(t, plan.AlreadyTerminal)
	})

	t.Run("failed with max attempts reached is terminal", func(t *testing.T) {
		history := []*domain.DeliveryAttempt{{AttemptNumber: 1, Status: domain.AttemptStatusFailed, MaxAttemptsReached: true}}
		plan := p.Plan(event, endpoint, history)
		assert.True(t, plan.AlreadyTerminal)
	})

	t.Run("failed without max attempts reached is not terminal", func(t *testing.T) {
		history := []*domain.DeliveryAttempt{{AttemptNumber: 1, Status: domain.AttemptStatusFailed}}
		plan := p.Plan(event, endpoint, history)
		assert.False(t, plan.AlreadyTerminal)
		assert.Equal(t, uint16(2), plan.AttemptNumber)
	})

	t.Run("retrying is not terminal", func(t *testing.T) {
		history := []*domain.DeliveryAttempt{{AttemptNumber: 1, Status: domain.AttemptStatusRetrying}}
		plan := p.Plan(event, endpoint, history)
		assert.False(t, plan.AlreadyTerminal)
	})
}

func TestIdempotencyKey_SameInputsSameKey(t *testing.T) {
	k1 := IdempotencyKey("evt_1", "ep_1", 2)
	k2 := IdempotencyKey("evt_1", "ep_1", 2)
	assert.Equal(t, k1, k2)

	k3 := IdempotencyKey("evt_1", "ep_1", 3)
	assert.NotEqual(t, k1, k3)
}

func TestNextRetryAfterRateLimit_HonorsRetryAfterWhenLarger(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := NextRetryAfterRateLimit(now, 30*time.Second, 5*time.Second)
	assert.Equal(t, now.Add(30*time.Second), next)
}

func TestNextRetryAfterRateLimit_HonorsPlannedDelayWhenLarger(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := NextRetryAfterRateLimit(now, 5*time.Second, 30*time.Second)
	assert.Equal(t, now.Add(30*time.Second), next)
}
