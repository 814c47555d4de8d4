// Package api serves the HTTP/JSON endpoints of the local service: entity
// listing, module runs, run records, module discovery, liveness and
// metrics.
//
// # Endpoints
//
//	GET  /api/list?path=<rel>       entity tree at path (root when empty)
//	POST /api/run                   run a module; body RunRequest, reply pipeline.Result
//	GET  /api/runs?state=<state>    run records, newest first
//	GET  /api/modules               registered modules
//	GET  /api/health                supervisor state and liveness counters
//	POST /api/heartbeat?session=    page heartbeat
//	POST /api/session/close?session= page-unload beacon
//	GET  /metrics                   Prometheus exposition
//	GET  /                          minimal page carrying the heartbeat script
//
// # Status Codes
//
// Request-level rejections map from the error taxonomy: validation 422,
// unknown module or entity 404, lock contention 409, shutdown 503. A run
// whose module failed is still a completed request and replies 200 with
// status "failed" and the error kind in the body.
//
// # Admission
//
// In local mode every request from a non-loopback peer is refused with 403,
// backing up the listener filter. server.workers bounds the number of
// in-flight data requests; the liveness endpoints bypass the bound so a
// long queued run cannot starve the heartbeat.
package api
