package task

import (
	"testing"
)

func TestNewHandleUniqueness(t *testing.T) {
	seen := make(map[Handle]bool)
	for i := 0; i < 1000; i++ {
		h := NewHandle()
		if h == "" {
			t.Fatal("NewHandle returned empty handle")
		}
		if seen[h] {
			t.Fatalf("NewHandle returned duplicate handle %s", h)
		}
		seen[h] = true
	}
}

func TestResultConstructors(t *testing.T) {
	h := NewHandle()

	success := Success(h, "hello world")
	if success.Handle != h || success.Status != StatusSuccess || success.Text != "hello world" {
		t.Errorf("unexpected success result: %+v", success)
	}

	failure := Failure(h, "engine unavailable", true)
	if failure.Handle != h || failure.Status != StatusFailure {
		t.Errorf("unexpected failure result: %+v", failure)
	}
	if failure.Reason != "engine unavailable" || !failure.Retryable {
		t.Errorf("failure did not carry reason/retryable: %+v", failure)
	}

	timeout := Timeout(h)
	if timeout.Handle != h || timeout.Status != StatusTimeout {
		t.Errorf("unexpected timeout result: %+v", timeout)
	}
	if timeout.Reason == "" {
		t.Error("timeout result should carry a reason")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		result    Result
		retryable bool
	}{
		{
			name:      "success is not retried",
			result:    Success(NewHandle(), "ok"),
			retryable: false,
		},
		{
			name:      "retryable failure",
			result:    Failure(NewHandle(), "connection reset", true),
			retryable: true,
		},
		{
			name:      "non-retryable failure",
			result:    Failure(NewHandle(), "invalid credentials", false),
			retryable: false,
		},
		{
			name:      "timeout is always retryable",
			result:    Timeout(NewHandle()),
			retryable: true,
		},
		{
			name:      "timeout ignores retryable flag",
			result:    Result{Handle: NewHandle(), Status: StatusTimeout, Retryable: false},
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, expected %v", got, tt.retryable)
			}
		})
	}
}

func TestAudioRefString(t *testing.T) {
	ref := &AudioRef{Bucket: "recordings", Key: "call-1/utterance-0.wav"}
	expected := "s3://recordings/call-1/utterance-0.wav"
	if got := ref.String(); got != expected {
		t.Errorf("String() = %s, expected %s", got, expected)
	}
}
