// Package routing resolves inbound destination numbers to call flows.
// The table is loaded from configuration at startup and never mutated.
package routing
