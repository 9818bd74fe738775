// Package main is the entry point for the execbox execution server.
//
// The server runs untrusted submissions inside disposable sandbox units
// (Docker or Podman containers, or host processes in development) with
// bounded concurrency, enforced time and memory limits, capped output and
// guaranteed teardown. Submissions arrive over the MCP protocol (stdio or
// streamable HTTP) and over a REST API.
//
// Commands:
//
//	server [--config path]                  run the service (default)
//	server sweep [--older-than 10m]         remove orphaned units once and exit
//
// A .env file in the working directory is loaded before configuration so
// EXECBOX_* overrides can live next to the binary. The application uses
// Uber's fx framework for dependency injection and lifecycle management,
// with zap for structured logging and viper for configuration.
package main
