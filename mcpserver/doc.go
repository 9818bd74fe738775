// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The server exposes two tools backed by the orchestrator:
//
//   - execute_code runs a submission and returns its ExecutionResult as JSON
//   - list_languages returns the languages currently in the image catalog
//
// Rejected submissions (validation, unknown language, exhausted capacity) are
// reported as tool errors rather than protocol errors.
//
// Usage:
//
//	server := mcpserver.New(cfg, logger, orch, cat)
//	err := server.ServeStdio() // or server.ServeHTTP()
package mcpserver
