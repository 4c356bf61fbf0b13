package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

const instrumentationName = "github.com/fyrsmithlabs/bentham/internal/checkpoint"

// Engine reads and writes checkpoint files for a checkpoint directory.
// It is stateless apart from the directory; all study state lives in the
// Checkpoint values it produces.
type Engine struct {
	dir    string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates an engine rooted at dir, creating it if needed.
func NewEngine(dir string, logger *zap.Logger) (*Engine, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Engine{
		dir:    dir,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Create initializes a fresh checkpoint for a study with the frozen
// execution-queue order. Counters start at zero.
func (e *Engine) Create(study *bentham.Study, queue []bentham.CellKey) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		Version:        Version,
		StudyID:        study.ID,
		StudyName:      study.Name,
		CreatedAt:      now,
		UpdatedAt:      now,
		TotalCells:     study.CellCount(),
		CellResults:    make(map[bentham.CellKey]*bentham.CellResult),
		RetryStates:    make(map[bentham.CellKey]*bentham.RetryState),
		ExecutionQueue: queue,
		Metadata: Metadata{
			Surfaces:   study.Surfaces,
			Locations:  study.Locations,
			QueryCount: len(study.Queries),
			StartTime:  now,
		},
	}
}

// Path returns the canonical file path for a study's checkpoint.
func (e *Engine) Path(studyID string) string {
	return filepath.Join(e.dir, studyID+".checkpoint.json")
}

// Save writes the checkpoint atomically: marshal, write a temporary sibling,
// fsync, then rename over the canonical path.
func (e *Engine) Save(ctx context.Context, cp *Checkpoint) error {
	_, span := e.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("study_id", cp.StudyID),
		attribute.Int("completed_cells", cp.CompletedCells),
	)

	data, err := json.MarshalIndent(toFile(cp), "", "  ")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path := e.Path(cp.StudyID)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		span.RecordError(err)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		span.RecordError(err)
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	e.logger.Debug("saved checkpoint",
		zap.String("study_id", cp.StudyID),
		zap.Int("progress_percent", cp.ProgressPercent),
	)
	return nil
}

// Load reads a study's checkpoint. Returns (nil, nil) when no file exists.
// A file that exists but cannot be decoded yields a *ParseError; callers
// must never treat corruption as "no prior checkpoint".
func (e *Engine) Load(ctx context.Context, studyID string) (*Checkpoint, error) {
	_, span := e.tracer.Start(ctx, "checkpoint.load")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", studyID))

	path := e.Path(studyID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var file checkpointFile
	if err := json.Unmarshal(data, &file); err != nil {
		perr := &ParseError{Path: path, Err: err}
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	cp, err := fromFile(&file)
	if err != nil {
		perr := &ParseError{Path: path, Err: err}
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}

	e.logger.Info("loaded checkpoint",
		zap.String("study_id", cp.StudyID),
		zap.Int("completed_cells", cp.CompletedCells),
		zap.Int("total_cells", cp.TotalCells),
	)
	return cp, nil
}

// Delete removes a study's checkpoint file. Missing files are not an error.
func (e *Engine) Delete(studyID string) error {
	err := os.Remove(e.Path(studyID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// checkpointFile is the serialized checkpoint shape. Cell maps are keyed by
// the delimited string form for on-disk backward compatibility.
type checkpointFile struct {
	Version         string                         `json:"version"`
	StudyID         string                         `json:"studyId"`
	StudyName       string                         `json:"studyName"`
	CreatedAt       time.Time                      `json:"createdAt"`
	UpdatedAt       time.Time                      `json:"updatedAt"`
	TotalCells      int                            `json:"totalCells"`
	CompletedCells  int                            `json:"completedCells"`
	FailedCells     int                            `json:"failedCells"`
	ProgressPercent int                            `json:"progressPercent"`
	CellResults     map[string]*bentham.CellResult `json:"cellResults"`
	ExecutionQueue  []string                       `json:"executionQueue"`
	RetryStates     map[string]*bentham.RetryState `json:"retryStates"`
	Cursor          int                            `json:"cursor"`
	Metadata        Metadata                       `json:"metadata"`
}

func toFile(cp *Checkpoint) *checkpointFile {
	file := &checkpointFile{
		Version:         cp.Version,
		StudyID:         cp.StudyID,
		StudyName:       cp.StudyName,
		CreatedAt:       cp.CreatedAt,
		UpdatedAt:       cp.UpdatedAt,
		TotalCells:      cp.TotalCells,
		CompletedCells:  cp.CompletedCells,
		FailedCells:     cp.FailedCells,
		ProgressPercent: cp.ProgressPercent,
		CellResults:     make(map[string]*bentham.CellResult, len(cp.CellResults)),
		ExecutionQueue:  make([]string, 0, len(cp.ExecutionQueue)),
		RetryStates:     make(map[string]*bentham.RetryState, len(cp.RetryStates)),
		Cursor:          cp.Cursor,
		Metadata:        cp.Metadata,
	}
	for key, res := range cp.CellResults {
		file.CellResults[key.Encode()] = res
	}
	for key, rs := range cp.RetryStates {
		file.RetryStates[key.Encode()] = rs
	}
	for _, key := range cp.ExecutionQueue {
		file.ExecutionQueue = append(file.ExecutionQueue, key.Encode())
	}
	return file
}

// fromFile rebuilds the structured checkpoint. Delimited keys are decoded
// against the location table carried in the file's own metadata.
func fromFile(file *checkpointFile) (*Checkpoint, error) {
	cp := &Checkpoint{
		Version:         file.Version,
		StudyID:         file.StudyID,
		StudyName:       file.StudyName,
		CreatedAt:       file.CreatedAt,
		UpdatedAt:       file.UpdatedAt,
		TotalCells:      file.TotalCells,
		CompletedCells:  file.CompletedCells,
		FailedCells:     file.FailedCells,
		ProgressPercent: file.ProgressPercent,
		CellResults:     make(map[bentham.CellKey]*bentham.CellResult, len(file.CellResults)),
		RetryStates:     make(map[bentham.CellKey]*bentham.RetryState, len(file.RetryStates)),
		ExecutionQueue:  make([]bentham.CellKey, 0, len(file.ExecutionQueue)),
		Cursor:          file.Cursor,
		Metadata:        file.Metadata,
	}
	for encoded, res := range file.CellResults {
		key, err := bentham.DecodeCellKey(encoded, file.Metadata.Locations)
		if err != nil {
			return nil, err
		}
		res.Key = key
		cp.CellResults[key] = res
	}
	for encoded, rs := range file.RetryStates {
		key, err := bentham.DecodeCellKey(encoded, file.Metadata.Locations)
		if err != nil {
			return nil, err
		}
		cp.RetryStates[key] = rs
	}
	for _, encoded := range file.ExecutionQueue {
		key, err := bentham.DecodeCellKey(encoded, file.Metadata.Locations)
		if err != nil {
			return nil, err
		}
		cp.ExecutionQueue = append(cp.ExecutionQueue, key)
	}
	return cp, nil
}
