// Package api exposes external interfaces for registering collaborations,
// inspecting their lifecycle, and claiming accrued agent fees. It hosts the
// REST server together with the Prometheus metrics endpoint.
package api
