// Package events provides lifecycle event fan-out for the execution core.
//
// The orchestrator publishes events; listeners consume them without ever
// blocking dispatch. Each listener gets its own buffered delivery goroutine,
// so events from the same publisher arrive in publish order while a slow
// listener only loses its own events, never delays the workers.
package events

import "time"

// Type enumerates the lifecycle events emitted by the core.
type Type string

const (
	TypeWorkerStarted     Type = "worker_started"
	TypeWorkerStopped     Type = "worker_stopped"
	TypeJobStarted        Type = "job_started"
	TypeJobCompleted      Type = "job_completed"
	TypeJobFailed         Type = "job_failed"
	TypeStudyCompleted    Type = "study_completed"
	TypeIncidentOpened    Type = "incident_opened"
	TypePoolHealthChanged Type = "pool_health_changed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	StudyID   string         `json:"study_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Listener receives events. Implementations are invoked from a dedicated
// delivery goroutine and may block without affecting dispatch.
type Listener func(Event)
