package checkpoint

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

// Version is the on-disk checkpoint format version.
const Version = "1.0.0"

// Metadata captures the study dimensions needed to interpret a checkpoint,
// including the location-id table used to decode delimited cell keys.
type Metadata struct {
	Surfaces   []string  `json:"surfaces"`
	Locations  []string  `json:"locations"`
	QueryCount int       `json:"queryCount"`
	StartTime  time.Time `json:"startTime"`
}

// Checkpoint is the in-memory progress record for one study. Maps are keyed
// by the structured CellKey; the delimited string form appears only in the
// serialized file.
type Checkpoint struct {
	Version   string
	StudyID   string
	StudyName string
	CreatedAt time.Time
	UpdatedAt time.Time

	TotalCells      int
	CompletedCells  int
	FailedCells     int
	ProgressPercent int

	CellResults map[bentham.CellKey]*bentham.CellResult
	RetryStates map[bentham.CellKey]*bentham.RetryState

	// ExecutionQueue is the frozen dispatch order, fixed at study
	// submission.
	ExecutionQueue []bentham.CellKey

	// Cursor indexes the next unvisited queue position. Advisory only;
	// RemainingCells derives from cell statuses, not the cursor.
	Cursor int

	Metadata Metadata
}

// RecordResult stores the latest result for a cell and recomputes the
// aggregate counters from the result map. The map is the source of truth;
// counters are never incremented blindly, which makes RecordResult
// idempotent on identical inputs.
func (c *Checkpoint) RecordResult(res *bentham.CellResult) {
	c.CellResults[res.Key] = res
	c.recount()
	c.UpdatedAt = time.Now().UTC()
}

// RecordRetry replaces the retry record for a cell.
func (c *Checkpoint) RecordRetry(key bentham.CellKey, state *bentham.RetryState) {
	c.RetryStates[key] = state
	c.UpdatedAt = time.Now().UTC()
}

func (c *Checkpoint) recount() {
	completed, failed := 0, 0
	for _, r := range c.CellResults {
		switch r.Status {
		case bentham.CellCompleted:
			completed++
		case bentham.CellFailed, bentham.CellSkipped:
			failed++
		}
	}
	c.CompletedCells = completed
	c.FailedCells = failed
	if c.TotalCells > 0 {
		c.ProgressPercent = int(math.Round(100 * float64(completed+failed) / float64(c.TotalCells)))
	}
}

// RemainingCells returns the execution queue minus every cell whose recorded
// status is terminal, preserving queue order.
func (c *Checkpoint) RemainingCells() []bentham.CellKey {
	remaining := make([]bentham.CellKey, 0, len(c.ExecutionQueue))
	for _, key := range c.ExecutionQueue {
		if r, ok := c.CellResults[key]; ok && r.Status.Terminal() {
			continue
		}
		remaining = append(remaining, key)
	}
	return remaining
}

// CanResume reports whether any work remains, and how much.
func (c *Checkpoint) CanResume() (bool, int) {
	if c.CompletedCells+c.FailedCells >= c.TotalCells {
		return false, 0
	}
	remaining := c.RemainingCells()
	return len(remaining) > 0, len(remaining)
}

// ParseError is returned by Load when a checkpoint file exists but cannot be
// decoded. A missing file is not a ParseError: Load returns nil in that case.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("checkpoint file %s is corrupt: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
