package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/bentham"
)

func testStudy() *bentham.Study {
	return &bentham.Study{
		ID:        "study-1",
		TenantID:  "acme",
		Name:      "brand tracking",
		Queries:   []string{"q0", "q1"},
		Surfaces:  []string{"openai-api", "perplexity-web"},
		Locations: []string{"us-east-1", "eu-west-1"},
	}
}

func testQueue(study *bentham.Study) []bentham.CellKey {
	var queue []bentham.CellKey
	for _, s := range study.Surfaces {
		for _, l := range study.Locations {
			for q := range study.Queries {
				queue = append(queue, bentham.CellKey{QueryIndex: q, SurfaceID: s, LocationID: l})
			}
		}
	}
	return queue
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return engine
}

func TestNewEngine_RequiresDir(t *testing.T) {
	_, err := NewEngine("", zap.NewNop())
	require.Error(t, err)
}

func TestCreate_InitializesCounters(t *testing.T) {
	engine := newTestEngine(t)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))

	assert.Equal(t, Version, cp.Version)
	assert.Equal(t, "study-1", cp.StudyID)
	assert.Equal(t, 8, cp.TotalCells)
	assert.Zero(t, cp.CompletedCells)
	assert.Zero(t, cp.FailedCells)
	assert.Zero(t, cp.ProgressPercent)
	assert.Len(t, cp.ExecutionQueue, 8)
	assert.Equal(t, 2, cp.Metadata.QueryCount)
	assert.Equal(t, study.Locations, cp.Metadata.Locations)
}

func TestRecordResult_RecountsFromMap(t *testing.T) {
	engine := newTestEngine(t)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))

	key := cp.ExecutionQueue[0]
	cp.RecordResult(&bentham.CellResult{Key: key, Status: bentham.CellCompleted})

	assert.Equal(t, 1, cp.CompletedCells)
	assert.Equal(t, 0, cp.FailedCells)
	assert.Equal(t, 13, cp.ProgressPercent) // round(100*1/8)

	// Same input twice leaves counters unchanged.
	cp.RecordResult(&bentham.CellResult{Key: key, Status: bentham.CellCompleted})
	assert.Equal(t, 1, cp.CompletedCells)
	assert.Equal(t, 13, cp.ProgressPercent)

	cp.RecordResult(&bentham.CellResult{Key: cp.ExecutionQueue[1], Status: bentham.CellFailed})
	assert.Equal(t, 1, cp.CompletedCells)
	assert.Equal(t, 1, cp.FailedCells)
	assert.LessOrEqual(t, cp.CompletedCells+cp.FailedCells, cp.TotalCells)
}

func TestRemainingCells_PreservesQueueOrder(t *testing.T) {
	engine := newTestEngine(t)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))

	cp.RecordResult(&bentham.CellResult{Key: cp.ExecutionQueue[2], Status: bentham.CellCompleted})
	cp.RecordResult(&bentham.CellResult{Key: cp.ExecutionQueue[5], Status: bentham.CellFailed})
	// In-progress cells still count as remaining.
	cp.RecordResult(&bentham.CellResult{Key: cp.ExecutionQueue[0], Status: bentham.CellInProgress})

	remaining := cp.RemainingCells()
	assert.Len(t, remaining, 6)
	assert.Equal(t, cp.ExecutionQueue[0], remaining[0])
	assert.NotContains(t, remaining, cp.ExecutionQueue[2])
	assert.NotContains(t, remaining, cp.ExecutionQueue[5])
}

func TestCanResume(t *testing.T) {
	engine := newTestEngine(t)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))

	ok, remaining := cp.CanResume()
	assert.True(t, ok)
	assert.Equal(t, 8, remaining)

	for _, key := range cp.ExecutionQueue {
		cp.RecordResult(&bentham.CellResult{Key: key, Status: bentham.CellCompleted})
	}
	ok, remaining = cp.CanResume()
	assert.False(t, ok)
	assert.Zero(t, remaining)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	engine := newTestEngine(t)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))

	key := cp.ExecutionQueue[3]
	cp.RecordResult(&bentham.CellResult{
		Key:          key,
		Status:       bentham.CellCompleted,
		ResponseText: "a perfectly good answer",
		SessionID:    "sess-1",
		CredentialID: "cred-1",
		Attempt:      2,
		CompletedAt:  time.Now().UTC(),
	})
	cp.RecordRetry(key, &bentham.RetryState{
		Attempts:      2,
		LastError:     "rate limited",
		LastErrorCode: bentham.KindRateLimited,
	})

	ctx := context.Background()
	require.NoError(t, engine.Save(ctx, cp))

	loaded, err := engine.Load(ctx, "study-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, cp.StudyID, loaded.StudyID)
	assert.Equal(t, cp.TotalCells, loaded.TotalCells)
	assert.Equal(t, cp.CompletedCells, loaded.CompletedCells)
	assert.Equal(t, cp.ProgressPercent, loaded.ProgressPercent)
	assert.Equal(t, cp.ExecutionQueue, loaded.ExecutionQueue)
	require.Contains(t, loaded.CellResults, key)
	assert.Equal(t, "a perfectly good answer", loaded.CellResults[key].ResponseText)
	assert.Equal(t, key, loaded.CellResults[key].Key)
	require.Contains(t, loaded.RetryStates, key)
	assert.Equal(t, 2, loaded.RetryStates[key].Attempts)
	assert.Equal(t, bentham.KindRateLimited, loaded.RetryStates[key].LastErrorCode)
}

func TestSave_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewEngine(dir, zap.NewNop())
	require.NoError(t, err)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))

	require.NoError(t, engine.Save(context.Background(), cp))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "study-1.checkpoint.json", entries[0].Name())
}

func TestSave_OverwritesPreviousValidFile(t *testing.T) {
	engine := newTestEngine(t)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, cp))
	cp.RecordResult(&bentham.CellResult{Key: cp.ExecutionQueue[0], Status: bentham.CellCompleted})
	require.NoError(t, engine.Save(ctx, cp))

	loaded, err := engine.Load(ctx, "study-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CompletedCells)
}

func TestLoad_MissingReturnsNil(t *testing.T) {
	engine := newTestEngine(t)
	cp, err := engine.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestLoad_CorruptReturnsParseError(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewEngine(dir, zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(dir, "broken.checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	cp, err := engine.Load(context.Background(), "broken")
	assert.Nil(t, cp)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)
}

func TestSaveLoad_HyphenatedIDs(t *testing.T) {
	engine := newTestEngine(t)
	study := &bentham.Study{
		ID:        "study-hyphens",
		Queries:   []string{"q"},
		Surfaces:  []string{"perplexity-web-ui"},
		Locations: []string{"us-east-1"},
	}
	key := bentham.CellKey{QueryIndex: 0, SurfaceID: "perplexity-web-ui", LocationID: "us-east-1"}
	cp := engine.Create(study, []bentham.CellKey{key})
	cp.RecordResult(&bentham.CellResult{Key: key, Status: bentham.CellCompleted})

	ctx := context.Background()
	require.NoError(t, engine.Save(ctx, cp))
	loaded, err := engine.Load(ctx, "study-hyphens")
	require.NoError(t, err)
	require.Contains(t, loaded.CellResults, key)
	assert.Equal(t, "perplexity-web-ui", loaded.ExecutionQueue[0].SurfaceID)
}

func TestFileFormat_TopLevelKeys(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewEngine(dir, zap.NewNop())
	require.NoError(t, err)
	study := testStudy()
	cp := engine.Create(study, testQueue(study))
	require.NoError(t, engine.Save(context.Background(), cp))

	raw, err := os.ReadFile(engine.Path("study-1"))
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))

	for _, k := range []string{
		"version", "studyId", "studyName", "createdAt", "updatedAt",
		"totalCells", "completedCells", "failedCells", "progressPercent",
		"cellResults", "executionQueue", "retryStates", "metadata",
	} {
		assert.Contains(t, doc, k)
	}
	assert.Equal(t, `"1.0.0"`, string(doc["version"]))
}

func TestDelete_MissingIsNotError(t *testing.T) {
	engine := newTestEngine(t)
	assert.NoError(t, engine.Delete("never-existed"))
}
