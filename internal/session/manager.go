package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/pstn-voice-agent/internal/metrics"
	"github.com/voxgate/pstn-voice-agent/internal/protocol"
	"github.com/voxgate/pstn-voice-agent/internal/queue"
	"github.com/voxgate/pstn-voice-agent/internal/routing"
	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// Policy is the deadline and retry bound for one adapter invocation kind
type Policy struct {
	Deadline   time.Duration
	MaxRetries int
}

// Config contains the orchestration parameters shared by all sessions
type Config struct {
	Capture    Policy
	Transcribe Policy
	Generate   Policy
	Playback   Policy

	MaxTurns    int
	ApologyText string
	Closing     ClosingPredicate
}

// Manager owns all active call sessions. It creates one orchestrator per
// inbound call and routes control-plane completions into the matching
// session queue.
type Manager struct {
	config      Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	broker      *queue.Broker
	routes      *routing.Table
	media       MediaController
	transcriber Transcriber
	generator   Generator

	sessions map[string]*CallSession
	mu       sync.RWMutex
	wg       sync.WaitGroup

	idleTimeout time.Duration
	done        chan struct{}
	cleanup     chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a new call session manager
func NewManager(logger *slog.Logger, m *metrics.Metrics, broker *queue.Broker, routes *routing.Table,
	media MediaController, transcriber Transcriber, generator Generator,
	idleTimeout time.Duration, config Config) *Manager {

	if config.Closing == nil {
		config.Closing, _ = NewPatternPredicate(nil)
	}

	mgr := &Manager{
		config:      config,
		logger:      logger,
		metrics:     m,
		broker:      broker,
		routes:      routes,
		media:       media,
		transcriber: transcriber,
		generator:   generator,
		sessions:    make(map[string]*CallSession),
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
		cleanup:     make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Start validates an inbound call event, creates the session and its
// queue, and launches the orchestrator. Calls to unbound destination
// numbers are rejected with routing.ErrNoRoute before any resource is
// allocated.
func (m *Manager) Start(ev *protocol.CallEvent) (*CallSession, error) {
	if ev.Type != protocol.EventNewInboundCall {
		return nil, fmt.Errorf("cannot start session from %s event", ev.Type)
	}

	flow, err := m.routes.Lookup(ev.To)
	if err != nil {
		m.recordCallRejected()
		return nil, fmt.Errorf("start call %s: %w", ev.CallID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[ev.CallID]; exists {
		return nil, fmt.Errorf("call %s already has an active session", ev.CallID)
	}

	q, err := m.broker.Create(ev.CallID)
	if err != nil {
		return nil, fmt.Errorf("start call %s: %w", ev.CallID, err)
	}

	now := time.Now()
	sess := &CallSession{
		CallID:       ev.CallID,
		From:         ev.From,
		To:           ev.To,
		CallFlow:     flow,
		ExecutionID:  uuid.NewString(),
		StartTime:    now,
		queue:        q,
		state:        StateInit,
		status:       StatusActive,
		consumed:     make(map[task.Handle]bool),
		lastActivity: now,
		hangup:       make(chan struct{}),
	}

	m.sessions[ev.CallID] = sess
	m.recordCallStarted(len(m.sessions))

	m.wg.Add(1)
	go newOrchestrator(m, sess).run()

	return sess, nil
}

// OnAudioReady delivers a completed utterance capture to the session
func (m *Manager) OnAudioReady(callID string, h task.Handle, ref *task.AudioRef) error {
	return m.publish(callID, task.Result{Handle: h, Status: task.StatusSuccess, AudioRef: ref})
}

// OnPlaybackComplete delivers a completed playback to the session
func (m *Manager) OnPlaybackComplete(callID string, h task.Handle) error {
	return m.publish(callID, task.Result{Handle: h, Status: task.StatusSuccess})
}

// OnActionFailed delivers a failed telephony action to the session.
// Control-plane action failures are treated as transient.
func (m *Manager) OnActionFailed(callID string, h task.Handle, reason string) error {
	return m.publish(callID, task.Failure(h, reason, true))
}

// OnCallerHangup signals a caller hangup to the session. Safe to call for
// unknown calls and idempotent for sessions already terminal.
func (m *Manager) OnCallerHangup(callID string) {
	m.mu.RLock()
	sess, exists := m.sessions[callID]
	m.mu.RUnlock()

	if !exists {
		m.logger.Debug("Hangup for unknown call", slog.String("call_id", callID))
		return
	}

	sess.SignalHangup()
}

// publish delivers an adapter result into a call's session queue
func (m *Manager) publish(callID string, res task.Result) error {
	if err := m.broker.Publish(callID, res); err != nil {
		m.recordQueueDropped()
		return err
	}
	m.recordQueuePublished()
	return nil
}

// GetSession retrieves an active call session
func (m *Manager) GetSession(callID string) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[callID]
	return sess, exists
}

// ActiveSessionCount returns the number of currently active sessions
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns monitoring snapshots of all active sessions
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// release tears down a finished session: the queue is destroyed exactly
// once and the session leaves the active set. Called from the session's
// orchestrator on every exit path.
func (m *Manager) release(sess *CallSession) {
	if err := m.broker.Destroy(sess.CallID); err != nil {
		m.logger.Error("Session queue release failed",
			slog.String("call_id", sess.CallID),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	delete(m.sessions, sess.CallID)
	active := len(m.sessions)
	m.mu.Unlock()

	m.recordCallEnded(sess, active)
}

// Stop gracefully stops the manager: every active session is hung up and
// all orchestrators are awaited. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping session manager...")

		close(m.done)

		m.mu.RLock()
		for _, sess := range m.sessions {
			sess.SignalHangup()
		}
		m.mu.RUnlock()

		m.wg.Wait()
		<-m.cleanup

		m.logger.Info("Session manager stopped",
			slog.Int("remaining_sessions", m.ActiveSessionCount()),
		)
	})
}

// startCleanupRoutine hangs up sessions that have been inactive for too
// long, so a lost control-plane callback cannot leak a queue forever
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions signals hangup for sessions idle beyond the timeout
func (m *Manager) cleanupIdleSessions() {
	now := time.Now()

	m.mu.RLock()
	var idle []*CallSession
	for _, sess := range m.sessions {
		if now.Sub(sess.lastActivityTime()) > m.idleTimeout {
			idle = append(idle, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range idle {
		m.logger.Warn("Hanging up idle session",
			slog.String("call_id", sess.CallID),
			slog.Duration("idle", now.Sub(sess.lastActivityTime())),
		)
		sess.SignalHangup()
	}
}

// Metrics helpers. The manager tolerates a nil metrics registry so tests
// can run without touching the global Prometheus state.

func (m *Manager) recordCallStarted(active int) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordCallStarted()
	m.metrics.SetActiveCalls(active)
	m.metrics.SetActiveQueues(m.broker.Len())
}

func (m *Manager) recordCallRejected() {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordCallRejected()
}

func (m *Manager) recordCallEnded(sess *CallSession, active int) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordCallEnded(string(sess.Status()), time.Since(sess.StartTime).Seconds(), sess.TurnCount())
	m.metrics.SetActiveCalls(active)
	m.metrics.SetActiveQueues(m.broker.Len())
}

func (m *Manager) recordTurnCompleted() {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordTurnCompleted()
}

func (m *Manager) recordAdapterInvocation(adapter string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordAdapterInvocation(adapter)
}

func (m *Manager) recordAdapterResult(adapter, status string, durationSeconds float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordAdapterResult(adapter, status, durationSeconds)
}

func (m *Manager) recordAdapterRetry(adapter string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordAdapterRetry(adapter)
}

func (m *Manager) recordStaleResult() {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordStaleResult()
}

func (m *Manager) recordQueuePublished() {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordQueuePublished()
}

func (m *Manager) recordQueueDropped() {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordQueueDropped()
}
