// Package queue implements the per-call session queue: an ephemeral FIFO
// channel carrying adapter results back into a call's orchestrator. The
// broker enforces one queue per call and releases queues on call teardown.
package queue
