// Package server hosts the Fiber HTTP service used by the companion viewer:
// request ID and recover middleware, the published reference map, user opens,
// position updates that feed the prefetch scheduler and the /media endpoint
// that serves a cached file or redirects to a streaming URL.
// Operational endpoints (cache stats, bandwidth mode, metrics) live in the
// routes subpackage and are registered by the caller.
package server
