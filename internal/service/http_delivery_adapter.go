package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eventrelay/eventrelay/internal/domain"
	"github.com/eventrelay/eventrelay/pkg/crypto"
)

// AdapterConfig bounds the shared connection pool and global concurrency
// ceiling (§4.7).
type AdapterConfig struct {
	MaxConcurrentRequests int64
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
}

// DefaultAdapterConfig mirrors DispatcherConfig's defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		MaxConcurrentRequests: 256,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       32,
		IdleConnTimeout:       90 * time.Second,
	}
}

// HTTPDeliveryAdapter implements C7: one HTTP attempt per call, sharing a
// pooled transport and a global semaphore across all concurrent callers.
// It holds no mutable per-request state, so a single instance is safe
// under N concurrent Deliver calls (§4.7's concurrency contract).
type HTTPDeliveryAdapter struct {
	client *http.Client
	sem    *semaphore.Weighted
}

// NewHTTPDeliveryAdapter builds an adapter with a shared, pooled
// transport sized per cfg.
func NewHTTPDeliveryAdapter(cfg AdapterConfig) *HTTPDeliveryAdapter {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &HTTPDeliveryAdapter{
		client: &http.Client{
			Transport: transport,
			// 3xx is never followed (§4.7/§9): surface the redirect
			// response itself instead of transparently chasing it.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sem: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
	}
}

// retryableStatus reports whether a non-2xx status should be retried,
// per §4.7: 4xx is non-retryable except 408, 425, 429; 5xx is retryable;
// 3xx is never followed and always counts as failed+non-retryable.
func retryableStatus(status int) bool {
	switch {
	case status == 408 || status == 425 || status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// Deliver executes a single HTTP attempt for plan against endpoint,
// producing an AttemptResult classified per §4.7. It never returns a Go
// error for request-level failures (DNS/TCP/TLS/timeout/read); those are
// folded into the result so the caller branches on one exhaustive type.
func (a *HTTPDeliveryAdapter) Deliver(ctx context.Context, plan DeliveryPlan, event *domain.DomainEvent, endpoint *domain.WebhookEndpoint) domain.AttemptResult {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return domain.AttemptResult{
			Status:    domain.AttemptStatusCancelled,
			Error:     &domain.ErrorRecord{Code: "cancelled", Message: err.Error()},
			Retryable: false,
		}
	}
	defer a.sem.Release(1)

	body, err := canonicalBody(event)
	if err != nil {
		return domain.AttemptResult{
			Status:    domain.AttemptStatusFailed,
			Error:     &domain.ErrorRecord{Code: "serialize_error", Message: err.Error()},
			Retryable: false,
		}
	}

	timestamp := time.Now().UTC().Unix()
	signature := crypto.SignWebhookPayload(timestamp, body, endpoint.Secret)

	// The shared transport's dialer caps connect time at 10s (built in
	// NewHTTPDeliveryAdapter); reqCtx bounds the total attempt, connect
	// included, at endpoint.Timeout. There is no separate connect bound
	// derived from endpoint.Timeout.
	reqCtx, cancel := context.WithTimeout(ctx, endpoint.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, endpoint.Method, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return domain.AttemptResult{
			Status:    domain.AttemptStatusFailed,
			Error:     &domain.ErrorRecord{Code: "request_build_error", Message: err.Error()},
			Retryable: false,
		}
	}
	setHeaders(req, endpoint, event, plan, signature, timestamp)

	start := time.Now()
	resp, err := a.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		status := domain.AttemptStatusFailed
		retryable := true
		if reqCtx.Err() == context.DeadlineExceeded {
			status = domain.AttemptStatusTimeout
		}
		return domain.AttemptResult{
			Status:    status,
			Error:     &domain.ErrorRecord{Code: "transport_error", Message: err.Error()},
			Retryable: retryable,
			Response:  &domain.AttemptResponse{LatencyMS: latency.Milliseconds()},
		}
	}
	defer resp.Body.Close()

	rawBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	response := &domain.AttemptResponse{
		StatusCode: resp.StatusCode,
		Headers:    firstHeaderValues(resp.Header),
		LatencyMS:  latency.Milliseconds(),
	}
	response.TruncateBody(rawBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.AttemptResult{Status: domain.AttemptStatusSuccess, Response: response}
	}

	retryable := retryableStatus(resp.StatusCode)
	result := domain.AttemptResult{
		Status:    domain.AttemptStatusFailed,
		Response:  response,
		Retryable: retryable,
		Error:     &domain.ErrorRecord{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: fmt.Sprintf("subscriber returned HTTP %d", resp.StatusCode)},
	}
	if resp.StatusCode == 429 {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			result.RetryAfter = ra
		}
	}
	return result
}

// canonicalBody serializes event into the §6.4 wire envelope with
// lexicographically sorted keys: domain.CanonicalBody declares its fields
// in key order, and encoding/json sorts map keys during marshaling.
func canonicalBody(event *domain.DomainEvent) ([]byte, error) {
	body := domain.CanonicalBody{
		ID:         event.EventID,
		Type:       event.EventType,
		OccurredAt: event.OccurredAt.Format(time.RFC3339Nano),
		Data:       event.Payload,
		Metadata:   metadataMap(event.Metadata),
	}
	return json.Marshal(body)
}

func setHeaders(req *http.Request, endpoint *domain.WebhookEndpoint, event *domain.DomainEvent, plan DeliveryPlan, signature string, timestamp int64) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(endpoint.SignatureHeaderName, "v1="+signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Webhook-Id", event.EventID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(int(plan.AttemptNumber)))
	req.Header.Set("X-Idempotency-Key", plan.IdempotencyKey)

	for name, value := range endpoint.CustomHeaders {
		req.Header.Set(name, value)
	}
}

func firstHeaderValues(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		return time.Until(when)
	}
	return 0
}
