package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxgate/pstn-voice-agent/internal/task"
)

// adapter labels used for logging and metrics
const (
	adapterMedia      = "media"
	adapterTranscribe = "transcribe"
	adapterGenerate   = "generate"
)

// invocation outcomes after the retry policy has been applied
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeHangup
	outcomeExhausted
	outcomeFatal
)

// orchestrator drives one call session through its workflow. It is the
// sole consumer of the session queue and the only goroutine that mutates
// the session, which serializes all state transitions per call.
type orchestrator struct {
	m      *Manager
	s      *CallSession
	logger *slog.Logger
}

func newOrchestrator(m *Manager, s *CallSession) *orchestrator {
	return &orchestrator{
		m: m,
		s: s,
		logger: m.logger.With(
			slog.String("call_id", s.CallID),
			slog.String("execution_id", s.ExecutionID),
		),
	}
}

// run executes the call workflow until a terminal state. The session
// queue is released exactly once in teardown, on every exit path.
func (o *orchestrator) run() {
	defer o.m.wg.Done()
	defer o.teardown()

	o.logger.Info("Call session started",
		slog.String("from", o.s.From),
		slog.String("to", o.s.To),
		slog.String("call_flow", o.s.CallFlow),
	)

	o.s.setState(StateCaptureWait)

	for {
		switch o.s.State() {
		case StateCaptureWait:
			res, oc := o.invokeWithRetry(adapterMedia, o.m.config.Capture, func(h task.Handle) error {
				return o.m.media.StartCapture(context.Background(), o.s.CallID, h)
			})
			switch oc {
			case outcomeSuccess:
				o.s.beginTurn(res.AudioRef)
				o.s.setState(StateTranscribePending)
			case outcomeHangup:
				o.endOnHangup()
				return
			default:
				o.failWithApology("caller utterance could not be captured: " + res.Reason)
				return
			}

		case StateTranscribePending:
			ref := o.s.currentAudioRef()
			res, oc := o.invokeWithRetry(adapterTranscribe, o.m.config.Transcribe, func(h task.Handle) error {
				o.m.transcriber.Invoke(o.s.CallID, ref, h)
				return nil
			})
			switch oc {
			case outcomeSuccess:
				o.s.setTranscript(res.Text)
				o.s.setState(StateGeneratePending)
			case outcomeHangup:
				o.endOnHangup()
				return
			default:
				o.failWithApology("transcription unavailable: " + res.Reason)
				return
			}

		case StateGeneratePending:
			turns := o.s.Turns()
			res, oc := o.invokeWithRetry(adapterGenerate, o.m.config.Generate, func(h task.Handle) error {
				o.m.generator.Invoke(o.s.CallID, turns, h)
				return nil
			})
			switch oc {
			case outcomeSuccess:
				o.s.setReply(res.Text)
				o.s.setState(StateRespondPending)
			case outcomeHangup:
				o.endOnHangup()
				return
			default:
				o.failWithApology("reply generation unavailable: " + res.Reason)
				return
			}

		case StateRespondPending:
			reply := o.s.currentReply()
			_, oc := o.invokeWithRetry(adapterMedia, o.m.config.Playback, func(h task.Handle) error {
				return o.m.media.Play(context.Background(), o.s.CallID, reply, h)
			})
			switch oc {
			case outcomeSuccess:
				o.s.setState(StateDecideContinue)
			case outcomeHangup:
				o.endOnHangup()
				return
			default:
				o.failWithApology("reply playback failed")
				return
			}

		case StateDecideContinue:
			o.m.recordTurnCompleted()
			if done := o.decideContinue(); done {
				return
			}
		}
	}
}

// decideContinue applies the end conditions after a completed turn. It
// returns true when the session reached a terminal state.
func (o *orchestrator) decideContinue() bool {
	if o.s.HungUp() {
		o.endOnHangup()
		return true
	}

	reply := o.s.currentReply()
	if o.m.config.Closing(reply) {
		o.logger.Info("Closing intent detected", slog.Int("turns", o.s.TurnCount()))
		o.endGracefully()
		return true
	}

	if o.s.TurnCount() >= o.m.config.MaxTurns {
		o.logger.Info("Turn limit reached", slog.Int("turns", o.s.TurnCount()))
		o.endGracefully()
		return true
	}

	o.s.setState(StateCaptureWait)
	return false
}

// invokeWithRetry runs one adapter invocation through the retry policy:
// the same input is retried on timeouts and retryable failures up to
// policy.MaxRetries additional attempts.
func (o *orchestrator) invokeWithRetry(adapter string, policy Policy, start func(h task.Handle) error) (task.Result, outcome) {
	var res task.Result

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			o.m.recordAdapterRetry(adapter)
			o.logger.Warn("Retrying adapter invocation",
				slog.String("adapter", adapter),
				slog.Int("attempt", attempt+1),
				slog.String("previous_status", string(res.Status)),
				slog.String("previous_reason", res.Reason),
			)
		}

		h := task.NewHandle()
		o.s.setPending(h)
		o.m.recordAdapterInvocation(adapter)
		started := time.Now()

		if err := start(h); err != nil {
			// The invocation could not even be issued; treat it like a
			// transient adapter failure delivered synchronously.
			o.s.invalidatePending()
			res = task.Failure(h, err.Error(), true)
		} else {
			var hungup bool
			res, hungup = o.await(policy.Deadline)
			if hungup {
				return task.Result{}, outcomeHangup
			}
		}

		o.m.recordAdapterResult(adapter, string(res.Status), time.Since(started).Seconds())

		if res.Status == task.StatusSuccess {
			return res, outcomeSuccess
		}

		if !res.IsRetryable() {
			o.logger.Error("Adapter invocation failed permanently",
				slog.String("adapter", adapter),
				slog.String("reason", res.Reason),
			)
			return res, outcomeFatal
		}
	}

	o.logger.Error("Adapter retries exhausted",
		slog.String("adapter", adapter),
		slog.Int("attempts", policy.MaxRetries+1),
		slog.String("last_status", string(res.Status)),
	)
	return res, outcomeExhausted
}

// await suspends until the outstanding invocation completes, the deadline
// fires, or the caller hangs up. A deadline synthesizes a Timeout result
// and invalidates the handle so the adapter's late answer is dropped as
// stale. Results that do not match the outstanding handle are ignored.
func (o *orchestrator) await(deadline time.Duration) (task.Result, bool) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case <-o.s.hangup:
			o.s.invalidatePending()
			return task.Result{}, true

		case res, ok := <-o.s.queue.Results():
			if !ok {
				// Queue destroyed while awaiting: only happens on
				// manager shutdown, treat like a hangup.
				return task.Result{}, true
			}
			if !o.s.consume(res.Handle) {
				o.m.recordStaleResult()
				o.logger.Debug("Ignoring stale adapter result",
					slog.String("task_handle", string(res.Handle)),
					slog.String("status", string(res.Status)),
				)
				continue
			}
			return res, false

		case <-timer.C:
			h := o.s.invalidatePending()
			o.logger.Warn("Adapter invocation deadline exceeded",
				slog.String("task_handle", string(h)),
				slog.Duration("deadline", deadline),
			)
			return task.Timeout(h), false
		}
	}
}

// endOnHangup finishes a session whose caller disconnected. No telephony
// actions are issued; the call leg is already gone.
func (o *orchestrator) endOnHangup() {
	o.s.setState(StateTerminating)
	o.s.setStatus(StatusEnding)
	o.logger.Info("Caller hung up", slog.Int("turns", o.s.TurnCount()))
	o.s.setStatus(StatusEnded)
}

// endGracefully closes a finished conversation with a hangup action
func (o *orchestrator) endGracefully() {
	o.s.setState(StateTerminating)
	o.s.setStatus(StatusEnding)

	if err := o.m.media.Hangup(context.Background(), o.s.CallID); err != nil {
		o.logger.Warn("Hangup action failed", slog.String("error", err.Error()))
	}

	o.s.setStatus(StatusEnded)
}

// failWithApology ends the call after an unrecoverable error: the caller
// hears a fixed apology rather than a silent line, then the call is
// disconnected and the session marked failed.
func (o *orchestrator) failWithApology(reason string) {
	o.s.setState(StateTerminating)
	o.s.setStatus(StatusEnding)

	o.logger.Error("Ending call after unrecoverable error", slog.String("reason", reason))

	if !o.s.HungUp() {
		o.playApology()

		if err := o.m.media.Hangup(context.Background(), o.s.CallID); err != nil {
			o.logger.Warn("Hangup action failed", slog.String("error", err.Error()))
		}
	}

	o.s.setStatus(StatusFailed)
}

// playApology speaks the apology once, best effort. Playback completion is
// awaited so the caller hears the message before the hangup, but failures
// only get logged; there is nothing better left to do.
func (o *orchestrator) playApology() {
	h := task.NewHandle()
	o.s.setPending(h)

	if err := o.m.media.Play(context.Background(), o.s.CallID, o.m.config.ApologyText, h); err != nil {
		o.s.invalidatePending()
		o.logger.Warn("Apology playback could not be issued", slog.String("error", err.Error()))
		return
	}

	if res, hungup := o.await(o.m.config.Playback.Deadline); !hungup && res.Status != task.StatusSuccess {
		o.logger.Warn("Apology playback did not complete", slog.String("status", string(res.Status)))
	}
}

// teardown releases the session's resources exactly once: the queue is
// destroyed, the session removed from the manager, and final metrics
// recorded. Runs on every exit path of run.
func (o *orchestrator) teardown() {
	o.s.setState(StateEnded)

	// A session that never reached a terminal status was torn down by
	// manager shutdown.
	if st := o.s.Status(); st != StatusEnded && st != StatusFailed {
		o.s.setStatus(StatusEnded)
	}

	o.m.release(o.s)

	o.logger.Info("Call session ended",
		slog.String("status", string(o.s.Status())),
		slog.Int("turns", o.s.TurnCount()),
		slog.Duration("duration", time.Since(o.s.StartTime)),
	)
}
