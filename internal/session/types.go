package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/pstn-voice-agent/internal/queue"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// State identifies where a call session is in its workflow
type State string

const (
	StateInit              State = "Init"
	StateCaptureWait       State = "CaptureWait"
	StateTranscribePending State = "TranscribePending"
	StateGeneratePending   State = "GeneratePending"
	StateRespondPending    State = "RespondPending"
	StateDecideContinue    State = "DecideContinue"
	StateTerminating       State = "Terminating"
	StateEnded             State = "Ended"
)

// Status is the externally visible lifecycle status of a call session
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusEnding Status = "ENDING"
	StatusEnded  Status = "ENDED"
	StatusFailed Status = "FAILED"
)

// Turn is one caller-utterance/agent-reply pair. A reply is never produced
// before the transcript is present.
type Turn struct {
	Index      int            `json:"index"`
	AudioRef   *task.AudioRef `json:"audio_ref,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Reply      string         `json:"reply,omitempty"`
}

// MediaController is the call-control plane as seen by the orchestrator.
// All operations are fire-and-forget; completion arrives through the
// session queue correlated by task handle.
type MediaController interface {
	StartCapture(ctx context.Context, callID string, h task.Handle) error
	Play(ctx context.Context, callID, text string, h task.Handle) error
	Hangup(ctx context.Context, callID string) error
}

// Transcriber runs speech-to-text over a recorded segment, completing
// asynchronously through the session queue.
type Transcriber interface {
	Invoke(callID string, ref *task.AudioRef, h task.Handle)
}

// Generator produces the agent reply from the ordered turn history,
// completing asynchronously through the session queue.
type Generator interface {
	Invoke(callID string, turns []Turn, h task.Handle)
}

// ClosingPredicate decides whether a reply closes the conversation.
// Keeping this pluggable keeps the state machine independent of language
// and locale specifics.
type ClosingPredicate func(reply string) bool

// NewPatternPredicate builds a closing predicate from case-insensitive
// word patterns, e.g. ["goodbye", "bye now"].
func NewPatternPredicate(patterns []string) (ClosingPredicate, error) {
	if len(patterns) == 0 {
		patterns = []string{"goodbye", "bye"}
	}

	exprs := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(p)) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("invalid closing pattern %q: %w", p, err)
		}
		exprs = append(exprs, re)
	}

	return func(reply string) bool {
		for _, re := range exprs {
			if re.MatchString(reply) {
				return true
			}
		}
		return false
	}, nil
}

// CallSession is one phone call owned exclusively by its orchestrator.
// Mutating methods are only called from the orchestrator goroutine; the
// mutex exists so monitoring reads see consistent snapshots.
type CallSession struct {
	CallID      string
	From        string
	To          string
	CallFlow    string
	ExecutionID string
	StartTime   time.Time

	queue *queue.Queue

	mu           sync.RWMutex
	state        State
	status       Status
	turns        []Turn
	pending      task.Handle
	consumed     map[task.Handle]bool
	lastActivity time.Time

	hangup     chan struct{}
	hangupOnce sync.Once
}

// State returns the current workflow state
func (s *CallSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns the current lifecycle status
func (s *CallSession) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// TurnCount returns the number of turns started so far
func (s *CallSession) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Turns returns a snapshot of the ordered turn history
func (s *CallSession) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

// SignalHangup reports a caller hangup to the orchestrator. Safe to call
// from any state and idempotent once the session is terminal.
func (s *CallSession) SignalHangup() {
	s.hangupOnce.Do(func() {
		close(s.hangup)
	})
	s.touch()
}

// HungUp reports whether a caller hangup has been signalled
func (s *CallSession) HungUp() bool {
	select {
	case <-s.hangup:
		return true
	default:
		return false
	}
}

func (s *CallSession) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastActivity = time.Now()
}

func (s *CallSession) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *CallSession) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// setPending registers the handle of the single outstanding invocation
func (s *CallSession) setPending(h task.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = h
	s.lastActivity = time.Now()
}

// consume validates a delivered handle against the outstanding one. It
// returns false for stale, duplicate or unknown handles; a true return
// invalidates the handle for any later delivery.
func (s *CallSession) consume(h task.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h == "" || h != s.pending || s.consumed[h] {
		return false
	}

	s.consumed[h] = true
	s.pending = ""
	s.lastActivity = time.Now()
	return true
}

// invalidatePending cancels the outstanding handle so a late delivery is
// rejected as stale. Returns the cancelled handle.
func (s *CallSession) invalidatePending() task.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.pending
	if h != "" {
		s.consumed[h] = true
		s.pending = ""
	}
	return h
}

// beginTurn appends the next turn with its captured audio reference
func (s *CallSession) beginTurn(ref *task.AudioRef) *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, Turn{Index: len(s.turns), AudioRef: ref})
	s.lastActivity = time.Now()
	return &s.turns[len(s.turns)-1]
}

// setTranscript stores the transcript on the current turn
func (s *CallSession) setTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[len(s.turns)-1].Transcript = text
}

// setReply stores the generated reply on the current turn
func (s *CallSession) setReply(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[len(s.turns)-1].Reply = text
}

// currentReply returns the reply of the current turn
func (s *CallSession) currentReply() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.turns) == 0 {
		return ""
	}
	return s.turns[len(s.turns)-1].Reply
}

// currentAudioRef returns the audio reference of the current turn
func (s *CallSession) currentAudioRef() *task.AudioRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.turns) == 0 {
		return nil
	}
	return s.turns[len(s.turns)-1].AudioRef
}

// lastActivityTime returns the time of the session's last state change
func (s *CallSession) lastActivityTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Info returns a monitoring snapshot of the session
func (s *CallSession) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		CallID:       s.CallID,
		From:         s.From,
		To:           s.To,
		CallFlow:     s.CallFlow,
		ExecutionID:  s.ExecutionID,
		State:        s.state,
		Status:       s.status,
		StartTime:    s.StartTime,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.StartTime),
		Turns:        len(s.turns),
	}
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	CallID       string        `json:"call_id"`
	From         string        `json:"from"`
	To           string        `json:"to"`
	CallFlow     string        `json:"call_flow"`
	ExecutionID  string        `json:"execution_id"`
	State        State         `json:"state"`
	Status       Status        `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`
	Turns        int           `json:"turns"`
}
