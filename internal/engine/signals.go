package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

// RequestPause queues a pause signal for the session. The poller applies it
// on its next tick, so pause requests work across process boundaries.
func (e *Engine) RequestPause(ctx context.Context, sessionID string) error {
	return e.requestSignal(ctx, sessionID, store.SignalPause, events.SessionPauseRequested)
}

// RequestResume queues a resume signal for the session.
func (e *Engine) RequestResume(ctx context.Context, sessionID string) error {
	return e.requestSignal(ctx, sessionID, store.SignalResume, events.SessionResumeRequested)
}

// RequestCancel queues a cancel signal for the session.
func (e *Engine) RequestCancel(ctx context.Context, sessionID string) error {
	return e.requestSignal(ctx, sessionID, store.SignalCancel, events.SessionCancelRequested)
}

func (e *Engine) requestSignal(ctx context.Context, sessionID, signal, topic string) error {
	sig, err := e.store.EnqueueSignal(ctx, sessionID, signal)
	if err != nil {
		return err
	}
	if e.bus != nil {
		ev := bus.NewEvent(topic, eventSource, events.SignalRequestedPayload{
			SessionID: sessionID,
			SignalID:  sig.ID,
		})
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.log.Warn("failed to publish signal request",
				zap.String("signal", signal),
				zap.Error(err))
		}
	}
	return nil
}

// startPollerLocked launches the signal poller for the session. Callers
// hold e.mu.
func (e *Engine) startPollerLocked(sessionID string) {
	if e.pollerStop != nil {
		return
	}
	stop := make(chan struct{})
	e.pollerStop = stop
	e.pollerWG.Add(1)
	go e.pollLoop(sessionID, stop)
}

// stopPollerLocked signals the poller to exit. Callers hold e.mu.
func (e *Engine) stopPollerLocked() {
	if e.pollerStop != nil {
		close(e.pollerStop)
		e.pollerStop = nil
	}
}

func (e *Engine) pollLoop(sessionID string, stop chan struct{}) {
	defer e.pollerWG.Done()
	ticker := time.NewTicker(e.cfg.SignalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.consumeSignals(context.Background(), sessionID)
		}
	}
}

// consumeSignals drains unprocessed signals in queue order. Poll errors are
// logged and swallowed; the scheduler must not die because of IPC trouble.
func (e *Engine) consumeSignals(ctx context.Context, sessionID string) {
	signals, err := e.store.UnprocessedSignals(ctx, sessionID)
	if err != nil {
		// A database from before the signals migration has no queue yet.
		if strings.Contains(err.Error(), "no such table") {
			return
		}
		e.log.Warn("signal poll failed", zap.Error(err))
		return
	}
	for _, sig := range signals {
		e.applySignal(ctx, sig)
	}
}

// applySignal dispatches the transition for one signal and stamps it
// processed. Signals that no longer apply (a pause while already paused)
// are logged and stamped so they never wedge the queue.
func (e *Engine) applySignal(ctx context.Context, sig *store.SessionSignal) {
	var err error
	switch sig.Signal {
	case store.SignalPause:
		err = e.Pause(ctx)
	case store.SignalResume:
		err = e.Resume(ctx)
	case store.SignalCancel:
		err = e.Cancel(ctx)
	default:
		e.log.Warn("unknown session signal",
			zap.String("signal", sig.Signal),
			zap.Int64("signal_id", sig.ID))
	}
	if err != nil {
		e.log.Warn("signal did not apply",
			zap.String("signal", sig.Signal),
			zap.Int64("signal_id", sig.ID),
			zap.Error(err))
	}
	if err := e.store.MarkSignalProcessed(ctx, sig.ID); err != nil {
		e.log.Warn("failed to stamp signal processed",
			zap.Int64("signal_id", sig.ID),
			zap.Error(err))
	}
}
