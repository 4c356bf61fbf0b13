// Package troubleshoot owns the canonical error-kind retry policy.
//
// It answers two questions for the orchestrator: is this failure worth
// retrying, and how long should the cell wait before the next attempt. An
// adapter-reported retryable flag always wins over the per-kind defaults.
// Repeated failures on the same cell escalate severity, which widens the
// backoff the orchestrator applies.
package troubleshoot
