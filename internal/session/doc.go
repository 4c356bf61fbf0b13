// Package session maintains a bounded pool of long-lived, browser-like
// execution contexts.
//
// Sessions move through warming, idle, active, cooling, error, and destroyed
// states. The pool warms sessions ahead of demand, keeps idle ones alive via
// a registered hook, recycles sessions that age out or error, forces check-in
// of checkouts whose clients went away, and forecasts upcoming
// authentication expiries per platform.
package session
