// Package supervisor owns execution units from launch until teardown.
//
// Every unit moves through a closed state machine:
//
//	Starting -> Running -> {Completed, TimedOut, Killed}
//	Starting -> {LaunchFailed, Killed}
//
// Transitions outside this graph are rejected with ErrInvalidTransition.
// Timeouts and external kills share one termination path: a graceful signal,
// a bounded grace period, then a forced kill. Every run is reclaimed exactly
// once, and a Reaper periodically removes units that outlived a crashed
// orchestrator.
package supervisor
