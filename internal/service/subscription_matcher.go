package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/pkg/logger"
)

// SubscriptionMatcher implements C5: mapping an event to the ordered set
// of endpoints that must receive it, using pattern + filter rules (§4.5).
type SubscriptionMatcher struct {
	subscriptions domain.SubscriptionRepository
	endpoints     domain.EndpointRepository
	logger        logger.Logger
}

// NewSubscriptionMatcher wires the matcher to its persistence dependencies.
func NewSubscriptionMatcher(subscriptions domain.SubscriptionRepository, endpoints domain.EndpointRepository, log logger.Logger) *SubscriptionMatcher {
	return &SubscriptionMatcher{subscriptions: subscriptions, endpoints: endpoints, logger: log}
}

// MatchedEndpoint pairs a resolved, health-eligible endpoint with the
// subscription priority that selected it, so the caller can order its
// delivery loop deterministically.
type MatchedEndpoint struct {
	Endpoint *domain.WebhookEndpoint
	Priority int
}

// Match resolves the endpoints subscribed to event within schema.
// Candidates are pre-filtered by the category→subscription index (§4.5's
// O(P) performance contract), then each surviving pattern/filter pair is
// evaluated against the event in full. A duplicate endpoint across
// multiple subscriptions is deduplicated to its highest-priority match.
// Disabled endpoints are skipped silently; soft-deleted endpoints never
// reach this layer (the repository excludes them).
func (m *SubscriptionMatcher) Match(ctx context.Context, schema string, event *domain.DomainEvent) ([]MatchedEndpoint, error) {
	category := domain.EventCategory(event.EventType)

	subs, err := m.subscriptions.ListActiveByCategory(ctx, schema, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for category %q: %w", category, err)
	}

	best := make(map[string]*domain.Subscription, len(subs))
	for _, sub := range subs {
		if !domain.MatchesEventType(sub.EventPattern, event.EventType) {
			continue
		}
		if !sub.FilterExpression.Evaluate(event.Payload, metadataMap(event.Metadata)) {
			continue
		}
		if existing, ok := best[sub.EndpointID]; !ok || sub.Priority > existing.Priority {
			best[sub.EndpointID] = sub
		}
	}

	matched := make([]MatchedEndpoint, 0, len(best))
	for endpointID, sub := range best {
		endpoint, err := m.endpoints.Get(ctx, schema, endpointID)
		if err != nil {
			if _, ok := err.(*domain.ErrNotFound); ok {
				m.logger.WithField("endpoint_id", endpointID).Warn("subscription references missing endpoint, skipping")
				continue
			}
			return nil, fmt.Errorf("failed to load endpoint %s: %w", endpointID, err)
		}
		if !endpoint.IsActive || endpoint.Health == domain.EndpointHealthDisabled {
			continue
		}
		matched = append(matched, MatchedEndpoint{Endpoint: endpoint, Priority: sub.Priority})
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].Endpoint.EndpointID < matched[j].Endpoint.EndpointID
	})

	return matched, nil
}

func metadataMap(meta domain.EventMetadata) map[string]interface{} {
	return map[string]interface{}{
		"correlation_id": meta.CorrelationID,
		"causation_id":   meta.CausationID,
		"request_id":     meta.RequestID,
		"actor":          meta.Actor,
		"ip":             meta.IP,
		"user_agent":     meta.UserAgent,
		"schema_name":    meta.SchemaName,
	}
}
