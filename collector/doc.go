// Package collector captures a unit's output streams into bounded buffers.
//
// Each stream is drained concurrently into its own capped buffer. Bytes past
// the cap are discarded while the stream keeps being read so the producing
// process never blocks on a full pipe, and the result records whether any
// bytes were dropped.
package collector
