package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/voxgate/pstn-voice-agent/internal/queue"
	"github.com/voxgate/pstn-voice-agent/internal/session"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// BedrockAPI abstracts the Bedrock runtime operation used by the client.
// The bedrockruntime.Client type satisfies this interface.
type BedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config contains response generator configuration
type Config struct {
	ModelID      string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	Timeout      time.Duration // hard cap on one invocation
}

// Client generates agent replies from the conversation history through a
// Bedrock foundation model. An invocation completes asynchronously by
// publishing an AdapterResult to the call's session queue.
type Client struct {
	config  Config
	bedrock BedrockAPI
	broker  *queue.Broker
	logger  *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	mu              sync.RWMutex
}

// Stats represents generator client statistics
type Stats struct {
	TotalRequests   uint64 `json:"total_requests"`
	SuccessRequests uint64 `json:"success_requests"`
	FailedRequests  uint64 `json:"failed_requests"`
}

// request/response shapes for the converse-style InvokeModel body

type contentBlock struct {
	Text string `json:"text"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type inferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature,omitempty"`
}

type modelRequest struct {
	System          []contentBlock  `json:"system,omitempty"`
	Messages        []message       `json:"messages"`
	InferenceConfig inferenceConfig `json:"inferenceConfig"`
}

type modelResponse struct {
	Output struct {
		Message message `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
}

// NewClient creates a new response generator client
func NewClient(config Config, bedrock BedrockAPI, broker *queue.Broker, logger *slog.Logger) (*Client, error) {
	if config.ModelID == "" {
		return nil, fmt.Errorf("model_id cannot be empty")
	}

	if config.MaxTokens <= 0 {
		config.MaxTokens = 256
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config:  config,
		bedrock: bedrock,
		broker:  broker,
		logger:  logger,
	}, nil
}

// Invoke starts one asynchronous reply generation over the ordered turn
// history. The outcome is published to the call's session queue tagged
// with the given task handle; Invoke itself never blocks on the model.
func (c *Client) Invoke(callID string, turns []session.Turn, h task.Handle) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()

		c.incrementTotal()
		startTime := time.Now()

		reply, err := c.generate(ctx, turns)

		var res task.Result
		if err != nil {
			c.incrementFailed()
			res = task.Failure(h, err.Error(), isRetryable(err))
			c.logger.Warn("Reply generation failed",
				slog.String("call_id", callID),
				slog.String("model_id", c.config.ModelID),
				slog.String("error", err.Error()),
				slog.Bool("retryable", res.Retryable),
				slog.Duration("duration", time.Since(startTime)),
			)
		} else {
			c.incrementSuccess()
			res = task.Success(h, reply)
			c.logger.Info("Reply generated",
				slog.String("call_id", callID),
				slog.String("model_id", c.config.ModelID),
				slog.Int("turns", len(turns)),
				slog.Int("reply_length", len(reply)),
				slog.Duration("duration", time.Since(startTime)),
			)
		}

		if err := c.broker.Publish(callID, res); err != nil {
			c.logger.Debug("Discarding generation result for finished call",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// generate invokes the model with the conversation so far
func (c *Client) generate(ctx context.Context, turns []session.Turn) (string, error) {
	req := c.buildRequest(turns)

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal model request: %w", err)
	}

	out, err := c.bedrock.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.config.ModelID),
		Body:        data,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to invoke model: %w", err)
	}

	var resp modelResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse model response: %w", err)
	}

	var parts []string
	for _, block := range resp.Output.Message.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}

	reply := strings.TrimSpace(strings.Join(parts, " "))
	if reply == "" {
		return "", fmt.Errorf("model returned empty reply (stop reason %q)", resp.StopReason)
	}

	return reply, nil
}

// buildRequest maps the turn history to the converse message format. The
// current turn has a transcript but no reply yet, so the message list
// always ends on a user message.
func (c *Client) buildRequest(turns []session.Turn) *modelRequest {
	req := &modelRequest{
		InferenceConfig: inferenceConfig{
			MaxTokens:   c.config.MaxTokens,
			Temperature: c.config.Temperature,
		},
	}

	if c.config.SystemPrompt != "" {
		req.System = []contentBlock{{Text: c.config.SystemPrompt}}
	}

	for _, turn := range turns {
		if turn.Transcript == "" {
			continue
		}
		req.Messages = append(req.Messages, message{
			Role:    "user",
			Content: []contentBlock{{Text: turn.Transcript}},
		})
		if turn.Reply != "" {
			req.Messages = append(req.Messages, message{
				Role:    "assistant",
				Content: []contentBlock{{Text: turn.Reply}},
			})
		}
	}

	return req
}

// isRetryable classifies a generation error for the retry policy. Context
// deadlines surface as timeouts upstream; everything reaching here is
// assumed transient except validation rejections from the model service.
func isRetryable(err error) bool {
	msg := err.Error()
	if strings.Contains(msg, "ValidationException") {
		return false
	}
	return true
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

	return Stats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
	}
}
