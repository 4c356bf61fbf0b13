package bentham

import "time"

// ExecutionMetrics breaks down where a job attempt spent its time.
type ExecutionMetrics struct {
	TotalMs       int64 `json:"total_ms"`
	SessionWaitMs int64 `json:"session_wait_ms"`
	ProxyWaitMs   int64 `json:"proxy_wait_ms"`
	ResponseMs    int64 `json:"response_ms"`
}

// CellResult is the recorded outcome of the latest attempt on a cell.
type CellResult struct {
	Key    CellKey    `json:"-"`
	Status CellStatus `json:"status"`

	ResponseText       string         `json:"response_text,omitempty"`
	StructuredResponse map[string]any `json:"structured_response,omitempty"`

	// SessionID and CredentialID record which pooled resources served
	// the attempt, for evidence and audit.
	SessionID    string `json:"session_id,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`

	Error *Error `json:"error,omitempty"`

	Attempt     int              `json:"attempt"`
	Metrics     ExecutionMetrics `json:"metrics"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Succeeded reports whether the attempt completed the cell.
func (r *CellResult) Succeeded() bool { return r.Status == CellCompleted }

// RetryState tracks retry accounting for one cell. The attempt count is
// monotonic non-decreasing; once Exhausted is set, further attempts are
// forbidden even if the study's max-retries were to rise.
type RetryState struct {
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorCode ErrorKind `json:"last_error_code,omitempty"`
	Exhausted     bool      `json:"exhausted"`
}
