// Package orchestrator turns a code submission into a terminated execution result.
//
// Execute validates the submission and resolves its image and resource
// profile before taking one of N execution slots, so bad input and unknown
// languages never consume capacity. Inside the slot it launches a unit, drains
// its output while the supervisor enforces the timeout, reclaims the unit and
// emits one telemetry event. Every path that acquires a slot releases it
// exactly once, including panics.
package orchestrator
