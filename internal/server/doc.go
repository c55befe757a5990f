// Package server exposes the service over HTTP: the telephony webhook
// that receives control-plane call events, and the monitoring API with
// health, session and configuration endpoints plus Prometheus metrics.
package server
