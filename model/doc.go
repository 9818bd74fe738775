// Package model holds the data shared by every stage of an execution.
//
// A Submission enters the orchestrator, is paired with the SandboxImage and
// ResourceProfile resolved from the catalog, and leaves as an ExecutionResult
// carrying a TerminalReason. All of these are plain values: once accepted they
// are copied, never mutated in place.
package model
