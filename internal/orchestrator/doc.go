// Package orchestrator drives studies through the execution core.
//
// A submitted study expands into a Cartesian grid of cells (query x surface
// x location); each cell becomes a retryable job in a priority queue. A
// fixed worker pool pulls eligible jobs, executes them against surface
// adapters using pooled credentials and sessions, applies quality gates,
// records progress through the checkpoint manager, and emits lifecycle
// events. Retries re-enter the queue with backoff; completion is evaluated
// against the study's coverage criteria when its queue drains.
package orchestrator
