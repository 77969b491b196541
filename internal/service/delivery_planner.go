package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/eventrelay/eventrelay/internal/domain"
)

// DeliveryPlan is what the Delivery Planner (C6) hands the HTTP Delivery
// Adapter for a single (event, endpoint) attempt.
type DeliveryPlan struct {
	AttemptNumber   uint16
	MaxAttempts     int
	DelayBeforeThis time.Duration
	Deadline        time.Time
	IdempotencyKey  string
	Exhausted       bool

	// AlreadyTerminal reports that history already holds a terminal
	// attempt (success, cancelled, or failed+max_attempts_reached) for
	// this pair. The caller must not plan or deliver another attempt.
	AlreadyTerminal bool
}

// DeliveryPlanner computes DeliveryPlan from an endpoint's retry policy
// and the prior attempt history for the pair (§4.6).
type DeliveryPlanner struct {
	now func() time.Time
	rnd *rand.Rand
}

// NewDeliveryPlanner constructs a planner with real wall-clock time and a
// process-local random source for jitter sampling.
func NewDeliveryPlanner() *DeliveryPlanner {
	return &DeliveryPlanner{
		now: func() time.Time { return time.Now().UTC() },
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Plan computes the next attempt for (event, endpoint) given the attempts
// already recorded for this pair, ordered or not.
func (p *DeliveryPlanner) Plan(event *domain.DomainEvent, endpoint *domain.WebhookEndpoint, history []*domain.DeliveryAttempt) DeliveryPlan {
	maxAttemptNumber := uint16(0)
	for _, a := range history {
		if a.AttemptNumber > maxAttemptNumber {
			maxAttemptNumber = a.AttemptNumber
		}
	}

	policy := endpoint.RetryPolicy

	if terminalHistory(history) {
		return DeliveryPlan{AttemptNumber: maxAttemptNumber, MaxAttempts: policy.MaxAttempts, AlreadyTerminal: true}
	}

	attemptNumber := maxAttemptNumber + 1
	if attemptNumber > uint16(policy.MaxAttempts) {
		return DeliveryPlan{AttemptNumber: attemptNumber, MaxAttempts: policy.MaxAttempts, Exhausted: true}
	}

	delay := p.delayBeforeAttempt(int(attemptNumber), policy)
	now := p.now()

	return DeliveryPlan{
		AttemptNumber:   attemptNumber,
		MaxAttempts:     policy.MaxAttempts,
		DelayBeforeThis: delay,
		Deadline:        now.Add(delay).Add(endpoint.Timeout),
		IdempotencyKey:  IdempotencyKey(event.EventID, endpoint.EndpointID, attemptNumber),
		Exhausted:       false,
	}
}

// terminalHistory reports whether history already holds an attempt that
// reached a terminal status for this (event, endpoint) pair. A terminal
// status forbids further attempts for the pair (§3/§8).
func terminalHistory(history []*domain.DeliveryAttempt) bool {
	for _, a := range history {
		switch {
		case a.Status == domain.AttemptStatusSuccess, a.Status == domain.AttemptStatusCancelled:
			return true
		case a.Status == domain.AttemptStatusFailed && a.MaxAttemptsReached:
			return true
		}
	}
	return false
}

// delayBeforeAttempt implements §4.6's formula: zero for attempt 1;
// min(max_backoff, base_backoff * multiplier^(n-2)) plus additive jitter
// uniformly sampled from [0, delay*jitter] for attempt n>1.
func (p *DeliveryPlanner) delayBeforeAttempt(attemptNumber int, policy domain.RetryPolicy) time.Duration {
	if attemptNumber <= 1 {
		return 0
	}

	exponent := float64(attemptNumber - 2)
	raw := float64(policy.BaseBackoff) * math.Pow(policy.Multiplier, exponent)
	delay := time.Duration(raw)
	if delay > policy.MaxBackoff {
		delay = policy.MaxBackoff
	}

	if policy.JitterFraction > 0 {
		jitterCeiling := float64(delay) * policy.JitterFraction
		jitter := p.rnd.Float64() * jitterCeiling
		delay += time.Duration(jitter)
	}
	return delay
}

// IdempotencyKey derives the hex-encoded idempotency key for one attempt,
// hashing (event_id, endpoint_id, attempt_number) so retries of the same
// attempt are recognizably the same delivery (§4.6, §6.4).
func IdempotencyKey(eventID, endpointID string, attemptNumber uint16) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s:%s:%d", eventID, endpointID, attemptNumber)))
	return hex.EncodeToString(h.Sum(nil))
}

// NextRetryAfterRateLimit honors a 429's Retry-After header per §8: the
// next attempt is scheduled no sooner than max(retryAfter, plannedDelay).
func NextRetryAfterRateLimit(now time.Time, retryAfter, plannedDelay time.Duration) time.Time {
	if retryAfter > plannedDelay {
		return now.Add(retryAfter)
	}
	return now.Add(plannedDelay)
}
