package bentham

import "fmt"

// ErrorKind classifies failures at the core boundary. Kinds, not Go types:
// adapters and pools map their internal failures onto these before results
// cross the orchestrator boundary.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION"
	KindAuth               ErrorKind = "AUTH_FAILED"
	KindResourceNotFound   ErrorKind = "RESOURCE_NOT_FOUND"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindQuotaExceeded      ErrorKind = "QUOTA_EXCEEDED"
	KindSurfaceUnavailable ErrorKind = "SURFACE_UNAVAILABLE"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindNetwork            ErrorKind = "NETWORK"
	KindContentPolicy      ErrorKind = "CONTENT_POLICY"
	KindSessionInvalid     ErrorKind = "SESSION_INVALID"
	KindSessionExpired     ErrorKind = "SESSION_EXPIRED"
	KindProxyError         ErrorKind = "PROXY_ERROR"
	KindQualityGateFailed  ErrorKind = "QUALITY_GATE_FAILED"
	KindExecutionFailed    ErrorKind = "EXECUTION_FAILED"
	KindInternal           ErrorKind = "INTERNAL"
	KindAdapterNotFound    ErrorKind = "ADAPTER_NOT_FOUND"
	KindNoCredentials      ErrorKind = "NO_CREDENTIALS"
)

// Error is the typed failure that crosses the core boundary.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Retryable, when non-nil, overrides the canonical per-kind default
	// from the troubleshoot package. Adapters set it when they know better.
	Retryable *bool `json:"retryable,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an Error with no retryable override.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithRetryable returns a copy with an explicit retryable override.
func (e *Error) WithRetryable(retryable bool) *Error {
	cp := *e
	cp.Retryable = &retryable
	return &cp
}
