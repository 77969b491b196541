package domain

import "time"

// AttemptStatus is the per-attempt state machine (§4.8).
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusInFlight  AttemptStatus = "in_flight"
	AttemptStatusSuccess   AttemptStatus = "success"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusTimeout   AttemptStatus = "timeout"
	AttemptStatusCancelled AttemptStatus = "cancelled"
	AttemptStatusRetrying  AttemptStatus = "retrying"
)

// IsTerminal reports whether the status forbids further attempts for
// the (event, endpoint) pair, per §3's DeliveryAttempt invariants.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusSuccess, AttemptStatusFailed, AttemptStatusCancelled:
		return true
	}
	return false
}

// AttemptRequest is the outbound request actually sent (§3).
type AttemptRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	BodyBytes int               `json:"body_bytes"`
	Signature string            `json:"signature"`
}

// maxResponseBodyBytes is the §4.7/§8 truncation bound for recorded
// response bodies (10 KiB).
const maxResponseBodyBytes = 10 * 1024

// AttemptResponse is the subscriber's response, truncated per §4.7.
type AttemptResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	Truncated  bool              `json:"truncated"`
	LatencyMS  int64             `json:"latency_ms"`
}

// TruncateBody truncates body to the recorded limit and sets Truncated.
func (r *AttemptResponse) TruncateBody(body []byte) {
	if len(body) > maxResponseBodyBytes {
		r.Body = append([]byte(nil), body[:maxResponseBodyBytes]...)
		r.Truncated = true
		return
	}
	r.Body = body
	r.Truncated = false
}

// DeliveryAttempt is a single HTTP delivery try for one (event, endpoint)
// pair (§3).
type DeliveryAttempt struct {
	AttemptID     string `json:"attempt_id"`
	EndpointID    string `json:"endpoint_id"`
	EventID       string `json:"event_id"`
	AttemptNumber uint16 `json:"attempt_number"`

	Status AttemptStatus `json:"status"`

	Request  AttemptRequest   `json:"request"`
	Response *AttemptResponse `json:"response,omitempty"`
	Error    *ErrorRecord     `json:"error,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	MaxAttemptsReached bool `json:"max_attempts_reached"`
}

// AttemptResult is what the HTTP Delivery Adapter returns for a single
// attempt (§4.7), before the Attempt Recorder persists it. Modeling it
// as an explicit, exhaustively-branched result (rather than an
// exception) keeps the retry classification a pure function of the
// observed outcome.
type AttemptResult struct {
	Status    AttemptStatus
	Response  *AttemptResponse
	Error     *ErrorRecord
	Retryable bool

	// RetryAfter, when set, is the subscriber-requested minimum delay
	// before the next attempt (429/Retry-After, §8).
	RetryAfter time.Duration
}
