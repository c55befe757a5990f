// Package task defines the correlation primitives shared by the
// orchestrator and its adapters: the TaskHandle continuation token and the
// tagged AdapterResult delivered through the session queue.
package task
