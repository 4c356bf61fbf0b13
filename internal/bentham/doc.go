// Package bentham defines the shared domain model for the execution core:
// studies, cells, retry state, results, and the boundary error taxonomy.
//
// Types in this package are plain data. Behavior lives in the subsystem
// packages (orchestrator, checkpoint, credential, session) which coordinate
// only through these types and the interfaces in internal/surface.
package bentham
