package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/logging"
	"trade-connector/internal/metrics"
	"trade-connector/internal/models"
	"trade-connector/internal/security"
)

// pausePoll is how often a paused loop checks whether it was resumed.
const pausePoll = time.Second

// RunLoop trades every loaded symbol once per interval until ctx is done.
// Failures within a tick are logged and reported to the observer; they never
// end the loop.
func (t *Trader) RunLoop(ctx context.Context, interval time.Duration) {
	t.logger.Info().Dur("interval", interval).Msg("trading loop started")
	defer t.logger.Info().Msg("trading loop stopped")

	for {
		if t.paused.Load() {
			wait := pausePoll
			if interval < wait {
				wait = interval
			}
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		t.Tick(ctx)

		if !sleep(ctx, interval) {
			return
		}
	}
}

// Tick runs one loop iteration: connection check, reconciliation, then
// predict and execute for each symbol in load order. Audit events written
// during the tick share a request id.
func (t *Trader) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()
	ctx = security.WithRequestID(ctx, uuid.NewString())

	cctx, cancel := t.connectCtx(ctx)
	connected := t.broker.CheckConnection(cctx)
	cancel()
	if !connected {
		t.logger.Warn().Msg("broker not connected, skipping iteration")
		metrics.RecordError("connection")
		return
	}

	t.guard("reconcile", func() { t.ReconcileClosedPositions(ctx) })

	symbols := t.Symbols()
	for i, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		t.guard(symbol, func() { t.processSymbol(ctx, symbol) })

		if i < len(symbols)-1 && !sleep(ctx, t.symbolDelay) {
			return
		}
	}
}

func (t *Trader) processSymbol(ctx context.Context, symbol string) {
	signal, confidence := t.Predict(ctx, symbol)
	logging.LogSignal(t.logger, symbol, string(signal), confidence)
	t.observer.OnSignal(symbol, signal, confidence)
	t.journalWrite("record_signal", func(j Journal) error {
		return j.RecordSignal(ctx, symbol, signal, confidence, t.now())
	})

	if signal == models.SignalHold {
		return
	}
	if _, err := t.ExecuteSignal(ctx, symbol, signal, confidence); err != nil {
		t.reportError(fmt.Sprintf("%s: execute %s: %v", symbol, signal, err))
	}
}

// guard runs fn, converting a panic into a reported error.
func (t *Trader) guard(scope string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.reportError(fmt.Sprintf("%s: panic: %v", scope, r))
		}
	}()
	fn()
}

func (t *Trader) reportError(msg string) {
	t.logger.Error().Msg(msg)
	metrics.RecordError("loop")
	t.observer.OnError(msg)
}

// Start runs the loop in a goroutine. It fails when no model is loaded or
// the loop is already running.
func (t *Trader) Start(interval time.Duration) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.running.Load() {
		return apperrors.ErrAlreadyRunning
	}
	symbols := t.Symbols()
	if len(symbols) == 0 {
		return apperrors.ErrNoModelsLoaded
	}
	if interval <= 0 {
		return apperrors.NewValidationError("interval", interval, "must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.paused.Store(false)
	t.running.Store(true)

	go func() {
		defer close(done)
		t.RunLoop(ctx, interval)
	}()

	t.audit.LogTrader(ctx, security.AuditTraderStarted, symbols)
	t.logger.Info().Strs("symbols", symbols).Msg("auto trading started")
	return nil
}

// Stop cancels the loop and waits for it to return. In-flight broker calls
// end on cancellation or at their timeout.
func (t *Trader) Stop() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if !t.running.Load() {
		return
	}
	t.cancel()
	<-t.done
	t.cancel, t.done = nil, nil
	t.running.Store(false)
	t.paused.Store(false)

	t.audit.LogTrader(context.Background(), security.AuditTraderStopped, t.Symbols())
	t.logger.Info().Msg("auto trading stopped")
}

// Pause skips ticks until Resume.
func (t *Trader) Pause() {
	t.paused.Store(true)
	t.logger.Info().Msg("auto trading paused")
}

// Resume undoes Pause.
func (t *Trader) Resume() {
	t.paused.Store(false)
	t.logger.Info().Msg("auto trading resumed")
}

// Running reports whether the loop goroutine is active.
func (t *Trader) Running() bool {
	return t.running.Load()
}

// Paused reports whether ticks are being skipped.
func (t *Trader) Paused() bool {
	return t.paused.Load()
}

// sleep waits for d or until ctx is done, reporting false in the latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
