package domain

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// EndpointHealth is the coarse health classification driven by the
// Attempt Recorder's consecutive-failure counters (§4.4).
type EndpointHealth string

const (
	EndpointHealthHealthy  EndpointHealth = "healthy"
	EndpointHealthDegraded EndpointHealth = "degraded"
	EndpointHealthDisabled EndpointHealth = "disabled"
)

const (
	// DefaultSignatureHeader is used when an endpoint does not override it.
	DefaultSignatureHeader = "X-Webhook-Signature"

	minSecretLength = 16

	// Consecutive-failure thresholds driving health transitions (§4.4).
	DegradedAfterFailures = 3
	DisabledAfterFailures = 10
)

// RetryPolicy bounds the Delivery Planner's attempt schedule (§3, §4.6).
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	BaseBackoff    time.Duration `json:"base_backoff"`
	Multiplier     float64       `json:"multiplier"`
	JitterFraction float64       `json:"jitter_fraction"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy returns the policy applied to endpoints that don't
// configure their own, per DispatcherConfig defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    10,
		BaseBackoff:    30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		MaxBackoff:     time.Hour,
	}
}

// Validate enforces the bounds from §3: max_attempts in [1,10],
// base_backoff in [1s,60s], multiplier in [1.0,5.0], jitter in [0,0.5],
// max_backoff <= 1h.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return &ErrInvalidInput{Field: "retry_policy.max_attempts", Reason: "must be between 1 and 10"}
	}
	if p.BaseBackoff < time.Second || p.BaseBackoff > 60*time.Second {
		return &ErrInvalidInput{Field: "retry_policy.base_backoff", Reason: "must be between 1s and 60s"}
	}
	if p.Multiplier < 1.0 || p.Multiplier > 5.0 {
		return &ErrInvalidInput{Field: "retry_policy.multiplier", Reason: "must be between 1.0 and 5.0"}
	}
	if p.JitterFraction < 0 || p.JitterFraction > 0.5 {
		return &ErrInvalidInput{Field: "retry_policy.jitter_fraction", Reason: "must be between 0 and 0.5"}
	}
	if p.MaxBackoff > time.Hour {
		return &ErrInvalidInput{Field: "retry_policy.max_backoff", Reason: "must not exceed 1h"}
	}
	return nil
}

// httpTokenPattern matches a legal HTTP header field-name token (RFC 7230).
var httpTokenPattern = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+\-.^_` + "`" + `|~]+$`)

// WebhookEndpoint is a subscriber destination (§3).
type WebhookEndpoint struct {
	EndpointID          string            `json:"endpoint_id"`
	OwnerScope          string            `json:"owner_scope"` // schema_name
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	Method              string            `json:"method"` // POST or PUT
	Secret              string            `json:"-"`
	SignatureHeaderName string            `json:"signature_header_name"`
	CustomHeaders       map[string]string `json:"custom_headers,omitempty"`
	Timeout             time.Duration     `json:"timeout"`
	RetryPolicy         RetryPolicy       `json:"retry_policy"`

	Health              EndpointHealth `json:"health"`
	ConsecutiveFailures uint32         `json:"consecutive_failures"`

	IsActive  bool       `json:"is_active"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// reservedHeaders can never be overridden by custom_headers (§4.7/§6.4).
var reservedHeaders = map[string]bool{
	"content-type":      true,
	"x-webhook-timestamp": true,
	"x-webhook-id":        true,
	"x-webhook-attempt":   true,
	"x-idempotency-key":   true,
}

// Validate enforces §4.4's creation/update invariants.
func (e *WebhookEndpoint) Validate(strictNoPrivateHosts bool) error {
	if e.OwnerScope == "" {
		return &ErrInvalidInput{Field: "owner_scope", Reason: "schema_name is required"}
	}
	if strings.TrimSpace(e.Name) == "" {
		return &ErrInvalidInput{Field: "name", Reason: "name is required"}
	}

	parsed, err := url.Parse(e.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return &ErrInvalidInput{Field: "url", Reason: "must be an absolute http/https URL"}
	}
	if strictNoPrivateHosts && isPrivateHost(parsed.Hostname()) {
		return &ErrInvalidInput{Field: "url", Reason: "host must not be private or link-local"}
	}

	if e.Method == "" {
		e.Method = http.MethodPost
	}
	if e.Method != http.MethodPost && e.Method != http.MethodPut {
		return &ErrInvalidInput{Field: "method", Reason: "must be POST or PUT"}
	}

	if e.SignatureHeaderName == "" {
		e.SignatureHeaderName = DefaultSignatureHeader
	}
	if !httpTokenPattern.MatchString(e.SignatureHeaderName) {
		return &ErrInvalidInput{Field: "signature_header_name", Reason: "must be a legal HTTP header token"}
	}

	for name := range e.CustomHeaders {
		if !httpTokenPattern.MatchString(name) {
			return &ErrInvalidInput{Field: "custom_headers", Reason: fmt.Sprintf("illegal header name %q", name)}
		}
		if reservedHeaders[strings.ToLower(name)] || strings.EqualFold(name, e.SignatureHeaderName) {
			return &ErrInvalidInput{Field: "custom_headers", Reason: fmt.Sprintf("header %q is reserved", name)}
		}
	}

	if e.IsActive && len(e.Secret) < minSecretLength {
		return &ErrInvalidInput{Field: "secret", Reason: fmt.Sprintf("must be at least %d bytes for an active endpoint", minSecretLength)}
	}

	if e.Timeout == 0 {
		e.Timeout = 30 * time.Second
	}
	if e.Timeout < time.Second || e.Timeout > 300*time.Second {
		return &ErrInvalidInput{Field: "timeout", Reason: "must be between 1s and 300s"}
	}

	if e.RetryPolicy == (RetryPolicy{}) {
		e.RetryPolicy = DefaultRetryPolicy()
	}
	if err := e.RetryPolicy.Validate(); err != nil {
		return err
	}

	if e.Health == "" {
		e.Health = EndpointHealthHealthy
	}

	return nil
}

// isPrivateHost reports whether host resolves (syntactically, without a
// DNS lookup) to a loopback/private/link-local literal. Hostnames that
// aren't IP literals are left to DNS-time enforcement elsewhere; this
// check only catches the common literal-IP SSRF vector.
func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	return govalidator.IsIPv4(host) && (strings.HasPrefix(host, "10.") ||
		strings.HasPrefix(host, "192.168.") ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(host, "169.254.") ||
		isPrivate172(host))
}

func isPrivate172(host string) bool {
	if !strings.HasPrefix(host, "172.") {
		return false
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	var second int
	if _, err := fmt.Sscanf(parts[1], "%d", &second); err != nil {
		return false
	}
	return second >= 16 && second <= 31
}
