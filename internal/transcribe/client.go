package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/websocket"

	"github.com/voxgate/pstn-voice-agent/internal/queue"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// audio is streamed to the engine in ~3KB chunks
const streamChunkSize = 3 * 1024

// S3API abstracts the object-store operations used by the client.
// The s3.Client type satisfies this interface.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string // websocket URL of the streaming STT engine
	APIKey        string
	Language      string
	SampleRate    int
	Timeout       time.Duration // hard cap on one invocation
	MaxConcurrent int
}

// Client runs streaming speech-to-text over recorded audio segments. An
// invocation completes asynchronously by publishing an AdapterResult to
// the call's session queue.
type Client struct {
	config Config
	store  S3API
	dialer *websocket.Dialer
	broker *queue.Broker
	logger *slog.Logger

	semaphore chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	mu              sync.RWMutex
}

// Stats represents transcription client statistics
type Stats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
}

// sttMessage is one JSON frame from the STT engine
type sttMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	IsPartial bool   `json:"is_partial,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewClient creates a new streaming transcription client
func NewClient(config Config, store S3API, broker *queue.Broker, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Language == "" {
		config.Language = "en-US"
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 8000
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		config:    config,
		store:     store,
		dialer:    dialer,
		broker:    broker,
		logger:    logger,
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Invoke starts one asynchronous transcription of the referenced segment.
// The outcome is published to the call's session queue tagged with the
// given task handle; Invoke itself never blocks on the transcription.
func (c *Client) Invoke(callID string, ref *task.AudioRef, h task.Handle) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()

		c.semaphore <- struct{}{}
		defer func() { <-c.semaphore }()

		c.incrementTotal()
		startTime := time.Now()

		text, err := c.transcribe(ctx, ref)

		var res task.Result
		if err != nil {
			c.incrementFailed()
			res = task.Failure(h, err.Error(), isRetryable(err))
			c.logger.Warn("Transcription failed",
				slog.String("call_id", callID),
				slog.String("audio_ref", ref.String()),
				slog.String("error", err.Error()),
				slog.Bool("retryable", res.Retryable),
				slog.Duration("duration", time.Since(startTime)),
			)
		} else {
			c.incrementSuccess()
			res = task.Success(h, text)
			c.logger.Info("Transcription completed",
				slog.String("call_id", callID),
				slog.String("audio_ref", ref.String()),
				slog.Int("text_length", len(text)),
				slog.Duration("duration", time.Since(startTime)),
			)
		}

		if err := c.broker.Publish(callID, res); err != nil {
			// The call is already gone; the result is stale by definition.
			c.logger.Debug("Discarding transcription result for finished call",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// transcribe fetches the segment and streams it through the STT engine
func (c *Client) transcribe(ctx context.Context, ref *task.AudioRef) (string, error) {
	audio, err := c.fetchSegment(ctx, ref)
	if err != nil {
		return "", err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	// Stream audio, then signal end of input.
	for i := 0; i < len(audio); i += streamChunkSize {
		end := i + streamChunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[i:end]); err != nil {
			return "", fmt.Errorf("failed to stream audio: %w", err)
		}
	}

	endMsg, _ := json.Marshal(sttMessage{Type: "end_of_stream"})
	if err := conn.WriteMessage(websocket.TextMessage, endMsg); err != nil {
		return "", fmt.Errorf("failed to finish audio stream: %w", err)
	}

	// Collect final (non-partial) results until the engine reports done.
	var parts []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return "", fmt.Errorf("failed to read transcript: %w", err)
		}

		var msg sttMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", fmt.Errorf("malformed transcript message: %w", err)
		}

		switch msg.Type {
		case "transcript":
			if !msg.IsPartial && msg.Text != "" {
				parts = append(parts, msg.Text)
			}
		case "done":
			return strings.Join(parts, " "), nil
		case "error":
			return "", fmt.Errorf("engine error: %s", msg.Error)
		}
	}

	return strings.Join(parts, " "), nil
}

// fetchSegment downloads the recorded audio by reference
func (c *Client) fetchSegment(ctx context.Context, ref *task.AudioRef) ([]byte, error) {
	out, err := c.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio segment %s: %w", ref.String(), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio segment %s: %w", ref.String(), err)
	}

	return data, nil
}

// dial opens the websocket session with language and format parameters
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %s: %w", c.config.Endpoint, err)
	}

	q := u.Query()
	q.Set("language", c.config.Language)
	q.Set("sample_rate", strconv.Itoa(c.config.SampleRate))
	q.Set("encoding", "pcm")
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("engine refused session: HTTP %d: %w", resp.StatusCode, errPermanent)
		}
		return nil, fmt.Errorf("failed to connect to engine: %w", err)
	}

	return conn, nil
}

// errPermanent marks failures that must not be retried
var errPermanent = errors.New("permanent failure")

// isRetryable classifies a transcription error for the retry policy.
// Handshake rejections (bad credentials, bad parameters) are permanent;
// everything else is assumed transient.
func isRetryable(err error) bool {
	return !errors.Is(err, errPermanent)
}

// Statistics methods
func (c *Client) incrementTotal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

// GetStats returns current client statistics
func (c *Client) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return Stats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
	}
}
