// Package server implements the HTTP control and monitoring API: session
// lifecycle, transcript and note access, a live event websocket per session
// and Prometheus metrics.
package server
