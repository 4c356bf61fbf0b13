// Package checkpoint provides durable, crash-safe study progress.
//
// One JSON document per study lives at <dir>/<studyID>.checkpoint.json.
// Writes go through a temp-then-rename protocol with fsync, so a reader
// never observes a partially written file: after a crash the canonical path
// holds either the previous valid checkpoint or the new one.
//
// The Engine implements the raw operations; the Manager wraps an Engine with
// the auto-save policy (every N recorded results or every T seconds,
// whichever fires first).
package checkpoint
