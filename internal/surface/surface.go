// Package surface defines the adapter boundary of the execution core.
//
// A surface is any external destination that can answer a query: an LLM HTTP
// API, a chat web UI driven by browser automation, or a search endpoint.
// Adapters for concrete surfaces live outside the core; the orchestrator
// consumes them through the Adapter interface and the Registry.
package surface

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

// RequiredResources declares which pooled resources an adapter consumes.
// The orchestrator acquires only what the adapter asks for.
type RequiredResources struct {
	NeedsSession    bool `json:"needs_session"`
	NeedsCredential bool `json:"needs_credential"`
	NeedsProxy      bool `json:"needs_proxy"`
}

// Capabilities is static metadata about what a surface can accept.
type Capabilities struct {
	MaxInputTokens              int  `json:"max_input_tokens"`
	SupportsSystemPrompt        bool `json:"supports_system_prompt"`
	SupportsConversationHistory bool `json:"supports_conversation_history"`
}

// QueryContext carries per-attempt execution context into an adapter call.
type QueryContext struct {
	StudyID       string
	TenantID      string
	CorrelationID string

	// SessionID is set only when the adapter declared NeedsSession.
	SessionID    string
	CredentialID string
	LocationID   string

	EvidenceLevel bentham.EvidenceLevel
	Timeout       time.Duration
}

// QueryResult is what an adapter returns for one query attempt.
type QueryResult struct {
	Success            bool
	ResponseText       string
	StructuredResponse map[string]any
	ResponseTimeMs     int64

	// Error is set when Success is false. Its Retryable override, if
	// present, takes precedence over the canonical per-kind defaults.
	Error *bentham.Error
}

// Adapter executes queries against a single surface.
type Adapter interface {
	// SurfaceID returns the stable identifier this adapter serves.
	SurfaceID() string

	// ExecuteQuery runs one query. Implementations must observe ctx:
	// the orchestrator abandons the call when the job deadline expires.
	ExecuteQuery(ctx context.Context, text string, qctx QueryContext) (*QueryResult, error)

	// RequiredResources declares which pooled resources this adapter needs.
	RequiredResources() RequiredResources

	// Capabilities returns static surface metadata.
	Capabilities() Capabilities
}
