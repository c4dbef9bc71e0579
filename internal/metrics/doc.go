// Package metrics defines the Prometheus instruments for capture, dispatch,
// attribution, note generation and the HTTP API.
package metrics
