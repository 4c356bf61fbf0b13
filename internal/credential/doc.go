// Package credential manages per-surface credential pools: rotation,
// usage accounting, error cooldown, and pool health.
//
// A Pool owns the credentials for one surface. Callers acquire with GetNext,
// then report the outcome with ReportSuccess or ReportError; failures put a
// credential into cooldown so traffic routes around it. The Manager creates
// pools lazily per surface and owns their shutdown.
package credential
