package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxgate/pstn-voice-agent/internal/protocol"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// Config contains media control client configuration
type Config struct {
	Endpoint        string
	APIKey          string
	SilenceCutoffMs int
	MaxUtteranceMs  int
	Timeout         time.Duration
}

// Controller issues telephony actions to the call-control plane. Actions
// are fire-and-forget: a successful post means the action was accepted,
// completion arrives later as a control-plane event correlated by task
// handle.
type Controller struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	// Statistics
	actionsIssued uint64
	actionErrors  uint64
	mu            sync.RWMutex
}

// Stats represents controller statistics
type Stats struct {
	ActionsIssued uint64 `json:"actions_issued"`
	ActionErrors  uint64 `json:"action_errors"`
}

// NewController creates a new media control client
func NewController(config Config, logger *slog.Logger) (*Controller, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.SilenceCutoffMs <= 0 {
		config.SilenceCutoffMs = 1500
	}

	if config.MaxUtteranceMs <= 0 {
		config.MaxUtteranceMs = 30000
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Controller{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// StartCapture arms utterance recording on the call. The control plane
// signals completion with an ACTION_SUCCESSFUL event carrying the audio
// reference and the given task handle.
func (c *Controller) StartCapture(ctx context.Context, callID string, h task.Handle) error {
	action := protocol.Action{
		Type:            protocol.ActionRecordAudio,
		CallID:          callID,
		TaskHandle:      string(h),
		SilenceCutoffMs: c.config.SilenceCutoffMs,
		MaxLengthMs:     c.config.MaxUtteranceMs,
	}

	return c.post(ctx, protocol.NewActionRequest(action))
}

// Play speaks the given text on the call. Completion is signalled with an
// ACTION_SUCCESSFUL event carrying the given task handle.
func (c *Controller) Play(ctx context.Context, callID, text string, h task.Handle) error {
	action := protocol.Action{
		Type:       protocol.ActionSpeak,
		CallID:     callID,
		TaskHandle: string(h),
		Text:       text,
	}

	return c.post(ctx, protocol.NewActionRequest(action))
}

// Hangup disconnects the call. No completion event is awaited.
func (c *Controller) Hangup(ctx context.Context, callID string) error {
	action := protocol.Action{
		Type:   protocol.ActionHangup,
		CallID: callID,
	}

	return c.post(ctx, protocol.NewActionRequest(action))
}

// post sends an action request to the control plane
func (c *Controller) post(ctx context.Context, request *protocol.ActionRequest) error {
	body, err := json.Marshal(request)
	if err != nil {
		c.recordError()
		return fmt.Errorf("failed to marshal action request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		c.recordError()
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordError()
		return fmt.Errorf("action request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.recordError()
		return fmt.Errorf("control plane rejected actions: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	c.mu.Lock()
	c.actionsIssued += uint64(len(request.Actions))
	c.mu.Unlock()

	for _, a := range request.Actions {
		c.logger.Debug("Telephony action issued",
			slog.String("call_id", a.CallID),
			slog.String("action", string(a.Type)),
			slog.String("task_handle", a.TaskHandle),
		)
	}

	return nil
}

func (c *Controller) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actionErrors++
}

// GetStats returns current controller statistics
func (c *Controller) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		ActionsIssued: c.actionsIssued,
		ActionErrors:  c.actionErrors,
	}
}
