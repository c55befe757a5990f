package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// SchemaVersion identifies the control-plane event/action schema.
const SchemaVersion = "1.0"

// EventType enumerates the control-plane invocation events delivered by
// the telephony platform.
type EventType string

const (
	EventNewInboundCall    EventType = "NEW_INBOUND_CALL"
	EventCallAnswered      EventType = "CALL_ANSWERED"
	EventRinging           EventType = "RINGING"
	EventActionSuccessful  EventType = "ACTION_SUCCESSFUL"
	EventActionFailed      EventType = "ACTION_FAILED"
	EventActionInterrupted EventType = "ACTION_INTERRUPTED"
	EventHangup            EventType = "HANGUP"
)

// ActionType enumerates the telephony actions the service issues.
type ActionType string

const (
	ActionSpeak       ActionType = "Speak"
	ActionRecordAudio ActionType = "RecordAudio"
	ActionHangup      ActionType = "Hangup"
)

// CallEvent is one control-plane invocation for a call. Completion events
// echo the task handle of the action they complete.
type CallEvent struct {
	SchemaVersion string    `json:"schema_version"`
	Type          EventType `json:"event_type"`
	CallID        string    `json:"call_id"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	TaskHandle    string    `json:"task_handle,omitempty"`

	// ActionData is present on ACTION_SUCCESSFUL / ACTION_FAILED events
	// and describes the completed action.
	ActionData *ActionData `json:"action_data,omitempty"`
}

// ActionData carries the completion details of a telephony action.
type ActionData struct {
	Type ActionType `json:"type"`

	// AudioRef points at the recorded segment for a completed
	// RecordAudio action.
	AudioRef *task.AudioRef `json:"audio_ref,omitempty"`

	// ErrorMessage is set on ACTION_FAILED events.
	ErrorMessage string `json:"error_message,omitempty"`
}

// ParseCallEvent decodes and validates a control-plane event.
func ParseCallEvent(data []byte) (*CallEvent, error) {
	var ev CallEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed call event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks the structural invariants of an event.
func (e *CallEvent) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("call event missing call_id")
	}

	switch e.Type {
	case EventNewInboundCall:
		if e.To == "" {
			return fmt.Errorf("inbound call event for %s missing destination number", e.CallID)
		}
	case EventActionSuccessful:
		if e.ActionData == nil {
			return fmt.Errorf("action event for %s missing action_data", e.CallID)
		}
		if e.ActionData.Type == ActionRecordAudio && e.ActionData.AudioRef == nil {
			return fmt.Errorf("capture completion for %s missing audio_ref", e.CallID)
		}
	case EventActionFailed:
		if e.ActionData == nil {
			return fmt.Errorf("action event for %s missing action_data", e.CallID)
		}
	case EventCallAnswered, EventRinging, EventActionInterrupted, EventHangup:
		// no extra payload required
	default:
		return fmt.Errorf("unknown event type %q for call %s", e.Type, e.CallID)
	}

	return nil
}

// Action is one telephony command issued to the control plane, correlated
// by task handle for its completion event.
type Action struct {
	Type       ActionType `json:"type"`
	CallID     string     `json:"call_id"`
	TaskHandle string     `json:"task_handle,omitempty"`

	// Text to synthesize for a Speak action.
	Text string `json:"text,omitempty"`

	// RecordAudio parameters: capture stops after this much trailing
	// silence or when the maximum length is hit.
	SilenceCutoffMs int `json:"silence_cutoff_ms,omitempty"`
	MaxLengthMs     int `json:"max_length_ms,omitempty"`
}

// ActionRequest is the action list returned to the control plane. An empty
// action list acknowledges an event without issuing commands.
type ActionRequest struct {
	SchemaVersion string   `json:"schema_version"`
	Actions       []Action `json:"actions"`
}

// NewActionRequest wraps actions in a versioned request envelope.
func NewActionRequest(actions ...Action) *ActionRequest {
	if actions == nil {
		actions = []Action{}
	}
	return &ActionRequest{SchemaVersion: SchemaVersion, Actions: actions}
}
