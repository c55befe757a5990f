package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/websocket"

	"github.com/voxgate/pstn-voice-agent/internal/queue"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore serves recorded segments from memory
type fakeStore struct {
	mu      sync.Mutex
	data    []byte
	fetched []string
}

func (f *fakeStore) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, *params.Bucket+"/"+*params.Key)
	f.mu.Unlock()

	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(f.data)),
	}, nil
}

// sttEngine is a fake streaming STT endpoint. It consumes binary audio
// until end_of_stream, then plays back the scripted frames.
type sttEngine struct {
	frames []sttMessage

	mu         sync.Mutex
	audioBytes int
	chunks     int
	query      map[string]string
}

func (e *sttEngine) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}

	return func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.query = map[string]string{
			"language":    r.URL.Query().Get("language"),
			"sample_rate": r.URL.Query().Get("sample_rate"),
			"encoding":    r.URL.Query().Get("encoding"),
		}
		e.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				e.mu.Lock()
				e.audioBytes += len(data)
				e.chunks++
				e.mu.Unlock()
				continue
			}

			var msg sttMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "end_of_stream" {
				continue
			}

			for _, frame := range e.frames {
				payload, _ := json.Marshal(frame)
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
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
	engine := &sttEngine{
		frames: []sttMessage{
			{Type: "transcript", Text: "hello", IsPartial: true},
			{Type: "transcript", Text: "hello I need", IsPartial: false},
			{Type: "transcript", Text: "some help", IsPartial: false},
			{Type: "done"},
		},
	}
	srv := httptest.NewServer(engine.handler(t))
	defer srv.Close()

	// Three full chunks plus a short tail.
	store := &fakeStore{data: make([]byte, 3*streamChunkSize+100)}
	broker := queue.NewBroker(testLogger(), 4)
	q, _ := broker.Create("call-1")

	client, err := NewClient(Config{
		Endpoint:   wsURL(srv),
		Language:   "en-US",
		SampleRate: 8000,
	}, store, broker, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	h := task.NewHandle()
	client.Invoke("call-1", &task.AudioRef{Bucket: "recordings", Key: "call-1/u0.wav"}, h)

	res := receiveResult(t, q)
	if res.Handle != h {
		t.Errorf("result handle = %s, expected %s", res.Handle, h)
	}
	if res.Status != task.StatusSuccess {
		t.Fatalf("result status = %s, reason %s", res.Status, res.Reason)
	}

	// Partial transcripts are dropped, finals joined in order.
	if res.Text != "hello I need some help" {
		t.Errorf("transcript = %q", res.Text)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.audioBytes != 3*streamChunkSize+100 {
		t.Errorf("engine received %d audio bytes, expected %d", engine.audioBytes, 3*streamChunkSize+100)
	}
	if engine.chunks != 4 {
		t.Errorf("engine received %d chunks, expected 4", engine.chunks)
	}
	if engine.query["language"] != "en-US" || engine.query["sample_rate"] != "8000" || engine.query["encoding"] != "pcm" {
		t.Errorf("unexpected session parameters: %v", engine.query)
	}

	if store.fetched[0] != "recordings/call-1/u0.wav" {
		t.Errorf("fetched %s, expected recordings/call-1/u0.wav", store.fetched[0])
	}
}

func TestInvokeEngineError(t *testing.T) {
	engine := &sttEngine{
		frames: []sttMessage{
			{Type: "error", Error: "decoder overloaded"},
		},
	}
	srv := httptest.NewServer(engine.handler(t))
	defer srv.Close()

	store := &fakeStore{data: make([]byte, 1024)}
	broker := queue.NewBroker(testLogger(), 4)
	q, _ := broker.Create("call-1")

	client, _ := NewClient(Config{Endpoint: wsURL(srv)}, store, broker, testLogger())

	h := task.NewHandle()
	client.Invoke("call-1", &task.AudioRef{Bucket: "recordings", Key: "k"}, h)

	res := receiveResult(t, q)
	if res.Status != task.StatusFailure {
		t.Fatalf("result status = %s, expected failure", res.Status)
	}
	if !res.Retryable {
		t.Error("engine errors should be retryable")
	}
	if !strings.Contains(res.Reason, "decoder overloaded") {
		t.Errorf("reason %q does not carry engine error", res.Reason)
	}
}

func TestInvokeHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := &fakeStore{data: make([]byte, 1024)}
	broker := queue.NewBroker(testLogger(), 4)
	q, _ := broker.Create("call-1")

	client, _ := NewClient(Config{Endpoint: wsURL(srv)}, store, broker, testLogger())

	h := task.NewHandle()
	client.Invoke("call-1", &task.AudioRef{Bucket: "recordings", Key: "k"}, h)

	res := receiveResult(t, q)
	if res.Status != task.StatusFailure {
		t.Fatalf("result status = %s, expected failure", res.Status)
	}
	if res.Retryable {
		t.Error("handshake rejections must not be retried")
	}
}

func TestInvokeFinishedCall(t *testing.T) {
	engine := &sttEngine{frames: []sttMessage{{Type: "done"}}}
	srv := httptest.NewServer(engine.handler(t))
	defer srv.Close()

	store := &fakeStore{data: make([]byte, 256)}
	broker := queue.NewBroker(testLogger(), 4)

	client, _ := NewClient(Config{Endpoint: wsURL(srv)}, store, broker, testLogger())

	// No queue exists for the call; the result must be dropped quietly.
	client.Invoke("gone-call", &task.AudioRef{Bucket: "recordings", Key: "k"}, task.NewHandle())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.GetStats().TotalRequests == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("invocation never completed")
}
