// Package sandbox launches isolated execution units for code submissions.
//
// The sandbox package implements the launcher side of the execution
// pipeline: it materializes a private workspace holding the submission,
// starts one ephemeral unit from a published image under the image's own
// non-root user, and applies the CPU, memory, process and network limits of
// the resolved resource profile. It supports Docker and Podman (through the
// Docker-compatible API) and a local process backend for development.
//
// Every Unit exposes its output streams, reports its own exit status, accepts
// termination signals idempotently and releases all of its resources on
// Release. Launchers also implement Sweeper so an external reaper can remove
// units left behind by a crashed orchestrator.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, cfg)
//	unit, err := backend.Launch(ctx, submission, image, profile)
//	defer unit.Release(ctx)
//	status, err := unit.Wait(ctx)
package sandbox
