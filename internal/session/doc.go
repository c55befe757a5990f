// Package session implements the call session orchestrator: a per-call
// state machine that sequences capture, transcription, generation and
// playback through asynchronous adapters, applying deadlines and retries,
// until the conversation ends. Many sessions run concurrently; each one
// is strictly serialized on its own orchestrator goroutine.
package session
