package task

import (
	"fmt"

	"github.com/google/uuid"
)

// Handle is a correlation token for one outstanding asynchronous adapter
// invocation. A handle is bound to exactly one invocation and is invalid
// once its result has been consumed.
type Handle string

// NewHandle generates a fresh unique handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Status tags the outcome of an adapter invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// AudioRef is an opaque reference to a recorded audio segment. The service
// never moves audio itself; it passes the reference from capture completion
// to the transcription adapter.
type AudioRef struct {
	Bucket     string `json:"bucket" yaml:"bucket"`
	Key        string `json:"key" yaml:"key"`
	SampleRate int    `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// String returns a log-friendly representation of the reference.
func (r *AudioRef) String() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

// Result is the outcome of an adapter invocation, delivered through the
// session queue and correlated to the invocation by Handle.
type Result struct {
	Handle Handle `json:"task_handle"`
	Status Status `json:"status"`

	// Text carries the payload for transcription and generation results.
	Text string `json:"text,omitempty"`

	// AudioRef carries the payload for capture completion results.
	AudioRef *AudioRef `json:"audio_ref,omitempty"`

	// Reason describes a failure; empty on success.
	Reason string `json:"reason,omitempty"`

	// Retryable marks a failure as transient. Timeouts are always
	// treated as retryable regardless of this flag.
	Retryable bool `json:"retryable,omitempty"`
}

// Success builds a successful text result for the given handle.
func Success(h Handle, text string) Result {
	return Result{Handle: h, Status: StatusSuccess, Text: text}
}

// Failure builds a failed result for the given handle.
func Failure(h Handle, reason string, retryable bool) Result {
	return Result{Handle: h, Status: StatusFailure, Reason: reason, Retryable: retryable}
}

// Timeout builds a synthetic timeout result for the given handle. The
// orchestrator produces these itself when an invocation deadline fires.
func Timeout(h Handle) Result {
	return Result{Handle: h, Status: StatusTimeout, Reason: "invocation deadline exceeded"}
}

// IsRetryable reports whether the result should go through the retry
// policy rather than terminate the call immediately.
func (r Result) IsRetryable() bool {
	if r.Status == StatusTimeout {
		return true
	}
	return r.Status == StatusFailure && r.Retryable
}
