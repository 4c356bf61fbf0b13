package bentham

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Priority orders study dispatch. Critical studies drain first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the dispatch order for a priority. Lower ranks dispatch first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Boost raises a priority one step, capped at critical. Retried jobs are
// boosted so near-complete studies drain promptly.
func (p Priority) Boost() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh, PriorityCritical:
		return PriorityCritical
	default:
		return p
	}
}

// EvidenceLevel controls how much of a response is captured as evidence.
type EvidenceLevel string

const (
	EvidenceMetadata   EvidenceLevel = "metadata"
	EvidenceHTML       EvidenceLevel = "html"
	EvidenceScreenshot EvidenceLevel = "screenshot"
	EvidenceFull       EvidenceLevel = "full"
)

// SessionIsolation controls how browser sessions are shared across cells.
type SessionIsolation string

const (
	IsolationShared   SessionIsolation = "shared"
	IsolationPerStudy SessionIsolation = "per-study"
	IsolationPerCell  SessionIsolation = "per-cell"
)

// CellStatus is the lifecycle state of a cell. Terminal statuses are sticky:
// once a cell is completed, failed, or skipped it never transitions again.
type CellStatus string

const (
	CellPending    CellStatus = "pending"
	CellInProgress CellStatus = "in_progress"
	CellCompleted  CellStatus = "completed"
	CellFailed     CellStatus = "failed"
	CellSkipped    CellStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s CellStatus) Terminal() bool {
	return s == CellCompleted || s == CellFailed || s == CellSkipped
}

// CellKey identifies one cell: one query, on one surface, from one location.
// In memory the key is always this three-field struct; the delimited string
// form exists only at serialization boundaries (checkpoint files, subjects).
type CellKey struct {
	QueryIndex int    `json:"query_index"`
	SurfaceID  string `json:"surface_id"`
	LocationID string `json:"location_id"`
}

// Encode renders the on-disk key form: "<queryIndex>-<surfaceId>-<locationId>".
func (k CellKey) Encode() string {
	return fmt.Sprintf("%d-%s-%s", k.QueryIndex, k.SurfaceID, k.LocationID)
}

// String implements fmt.Stringer.
func (k CellKey) String() string { return k.Encode() }

// DecodeCellKey parses the delimited key form. Surface and location ids may
// themselves contain hyphens, so a naive split is ambiguous; the decoder
// matches against the known location ids from the manifest instead.
func DecodeCellKey(encoded string, locationIDs []string) (CellKey, error) {
	dash := strings.Index(encoded, "-")
	if dash <= 0 {
		return CellKey{}, fmt.Errorf("malformed cell key %q", encoded)
	}
	idx, err := strconv.Atoi(encoded[:dash])
	if err != nil {
		return CellKey{}, fmt.Errorf("malformed cell key %q: %w", encoded, err)
	}
	rest := encoded[dash+1:]

	// Longest suffix wins so "us-east-1" beats a hypothetical "east-1".
	var match string
	for _, loc := range locationIDs {
		if strings.HasSuffix(rest, "-"+loc) && len(loc) > len(match) {
			match = loc
		}
	}
	if match == "" {
		return CellKey{}, fmt.Errorf("cell key %q has no known location suffix", encoded)
	}
	surface := rest[:len(rest)-len(match)-1]
	if surface == "" {
		return CellKey{}, fmt.Errorf("cell key %q has empty surface id", encoded)
	}
	return CellKey{QueryIndex: idx, SurfaceID: surface, LocationID: match}, nil
}

// QualityGates are post-execution acceptance tests on a response.
type QualityGates struct {
	// MinResponseLength rejects responses shorter than this many characters.
	MinResponseLength int `json:"min_response_length"`

	// RequireActualContent rejects empty or whitespace-only responses.
	RequireActualContent bool `json:"require_actual_content"`
}

// CompletionCriteria declare when a study is finished.
type CompletionCriteria struct {
	// RequiredSurfaces must each reach CoverageThreshold for the study
	// to be considered complete. Empty means all surfaces are required.
	RequiredSurfaces []string `json:"required_surfaces"`

	// CoverageThreshold is the completed-cell fraction per required
	// surface, in [0,1].
	CoverageThreshold float64 `json:"coverage_threshold"`
}

// Study is a validated unit of work. Immutable once submitted.
type Study struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	// Queries are the natural-language query texts; cells reference them
	// by index.
	Queries   []string `json:"queries"`
	Surfaces  []string `json:"surfaces"`
	Locations []string `json:"locations"`

	QualityGates       QualityGates       `json:"quality_gates"`
	CompletionCriteria CompletionCriteria `json:"completion_criteria"`

	// MaxRetries bounds retry attempts per cell. Zero means a single
	// attempt with no retries; nil defers to the orchestrator's
	// configured default.
	MaxRetries *int `json:"max_retries,omitempty"`

	EvidenceLevel    EvidenceLevel    `json:"evidence_level"`
	SessionIsolation SessionIsolation `json:"session_isolation"`

	Deadline time.Time `json:"deadline,omitempty"`
	Priority Priority  `json:"priority"`
}

// CellCount returns the size of the query × surface × location grid.
func (s *Study) CellCount() int {
	return len(s.Queries) * len(s.Surfaces) * len(s.Locations)
}

// StudyStatus is the user-visible outcome of a study.
type StudyStatus string

const (
	StudyRunning   StudyStatus = "running"
	StudyPaused    StudyStatus = "paused"
	StudyCompleted StudyStatus = "completed"
	// StudyPartial means the queue drained without meeting completion
	// criteria on every required surface.
	StudyPartial   StudyStatus = "partial"
	StudyFailed    StudyStatus = "failed"
	StudyCancelled StudyStatus = "cancelled"
)
