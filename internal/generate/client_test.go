package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/voxgate/pstn-voice-agent/internal/queue"
	"github.com/voxgate/pstn-voice-agent/internal/session"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBedrock returns a scripted model response and records requests
type fakeBedrock struct {
	response string
	err      error

	mu       sync.Mutex
	requests []modelRequest
	modelIDs []string
}

func (f *fakeBedrock) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	var req modelRequest
	if err := json.Unmarshal(params.Body, &req); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.modelIDs = append(f.modelIDs, *params.ModelId)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	body, _ := json.Marshal(map[string]interface{}{
		"output": map[string]interface{}{
			"message": map[string]interface{}{
				"role":    "assistant",
				"content": []map[string]string{{"text": f.response}},
			},
		},
		"stopReason": "end_turn",
	})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func receiveResult(t *testing.T, q *queue.Queue) task.Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := q.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("no result delivered: %v", err)
	}
	return res
}

func TestInvokeSuccess(t *testing.T) {
	bedrock := &fakeBedrock{response: "Sure, I can help with that."}
	broker := queue.NewBroker(testLogger(), 4)
	q, _ := broker.Create("call-1")

	client, err := NewClient(Config{
		ModelID:      "amazon.nova-micro-v1:0",
		MaxTokens:    128,
		Temperature:  0.5,
		SystemPrompt: "You are a phone assistant.",
	}, bedrock, broker, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	turns := []session.Turn{
		{Index: 0, Transcript: "hi there", Reply: "Hello! How can I help?"},
		{Index: 1, Transcript: "what are your hours"},
	}

	h := task.NewHandle()
	client.Invoke("call-1", turns, h)

	res := receiveResult(t, q)
	if res.Handle != h || res.Status != task.StatusSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Text != "Sure, I can help with that." {
		t.Errorf("reply = %q", res.Text)
	}

	bedrock.mu.Lock()
	defer bedrock.mu.Unlock()

	if bedrock.modelIDs[0] != "amazon.nova-micro-v1:0" {
		t.Errorf("model id = %s", bedrock.modelIDs[0])
	}

	req := bedrock.requests[0]
	if len(req.System) != 1 || req.System[0].Text != "You are a phone assistant." {
		t.Errorf("system prompt not carried: %+v", req.System)
	}
	if req.InferenceConfig.MaxTokens != 128 {
		t.Errorf("maxTokens = %d, expected 128", req.InferenceConfig.MaxTokens)
	}

	// Conversation maps to alternating roles and ends on the caller's
	// latest utterance.
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	expected := []struct{ role, text string }{
		{"user", "hi there"},
		{"assistant", "Hello! How can I help?"},
		{"user", "what are your hours"},
	}
	for i, e := range expected {
		if req.Messages[i].Role != e.role || req.Messages[i].Content[0].Text != e.text {
			t.Errorf("message %d = %+v, expected %s %q", i, req.Messages[i], e.role, e.text)
		}
	}
}

func TestInvokeModelFailure(t *testing.T) {
	bedrock := &fakeBedrock{err: errors.New("ThrottlingException: too many requests")}
	broker := queue.NewBroker(testLogger(), 4)
	q, _ := broker.Create("call-1")

	client, _ := NewClient(Config{ModelID: "amazon.nova-micro-v1:0"}, bedrock, broker, testLogger())

	h := task.NewHandle()
	client.Invoke("call-1", []session.Turn{{Transcript: "hello"}}, h)

	res := receiveResult(t, q)
	if res.Status != task.StatusFailure {
		t.Fatalf("status = %s, expected failure", res.Status)
	}
	if !res.Retryable {
		t.Error("throttling should be retryable")
	}
}

func TestInvokeValidationRejection(t *testing.T) {
	bedrock := &fakeBedrock{err: errors.New("ValidationException: malformed request")}
	broker := queue.NewBroker(testLogger(), 4)
	q, _ := broker.Create("call-1")

	client, _ := NewClient(Config{ModelID: "amazon.nova-micro-v1:0"}, bedrock, broker, testLogger())

	client.Invoke("call-1", []session.Turn{{Transcript: "hello"}}, task.NewHandle())

	res := receiveResult(t, q)
	if res.Status != task.StatusFailure {
		t.Fatalf("status = %s, expected failure", res.Status)
	}
	if res.Retryable {
		t.Error("validation rejections must not be retried")
	}
}

func TestInvokeEmptyReply(t *testing.T) {
	bedrock := &fakeBedrock{response: ""}
	broker := queue.NewBroker(testLogger(), 4)
	q, _ := broker.Create("call-1")

	client, _ := NewClient(Config{ModelID: "amazon.nova-micro-v1:0"}, bedrock, broker, testLogger())

	client.Invoke("call-1", []session.Turn{{Transcript: "hello"}}, task.NewHandle())

	res := receiveResult(t, q)
	if res.Status != task.StatusFailure {
		t.Fatalf("empty reply should fail, got %+v", res)
	}
}

func TestBuildRequestSkipsIncompleteTurns(t *testing.T) {
	client, _ := NewClient(Config{ModelID: "m"}, &fakeBedrock{}, queue.NewBroker(testLogger(), 4), testLogger())

	// A turn whose transcription never completed has no transcript and
	// must not reach the model.
	req := client.buildRequest([]session.Turn{
		{Index: 0, Transcript: ""},
		{Index: 1, Transcript: "second try"},
	})

	if len(req.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(req.Messages))
	}
	if req.Messages[0].Content[0].Text != "second try" {
		t.Errorf("unexpected message: %+v", req.Messages[0])
	}
}
