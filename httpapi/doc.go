// Package httpapi exposes the orchestrator over a JSON REST API built on fiber.
//
// Routes:
//
//	POST   /api/execute          run a submission, optionally graded against test cases
//	POST   /api/execute/quick    run a submission and return its raw output
//	DELETE /api/executions/:id   cancel an in-flight submission
//	GET    /api/languages        list the catalog's languages
//	GET    /health               liveness and slot usage
//	GET    /metrics              Prometheus exposition
//
// Validation failures map to 400, unknown languages and executions to 404
// and an exhausted slot pool to 503.
//
// Each request runs under its own context, cancelled when the handler returns
// or when Shutdown's deadline passes. A client that disconnects mid-request
// does not cancel its execution: fasthttp gives no disconnect notification,
// so clients stop a run with DELETE /api/executions/:id.
package httpapi
