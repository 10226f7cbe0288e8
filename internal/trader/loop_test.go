package trader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
)

func TestTick_Disconnected(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	fx.broker.SetConnected(false)

	fx.trader.Tick(context.Background())

	signals, trades, _, _ := fx.observer.snapshot()
	assert.Empty(t, signals)
	assert.Empty(t, trades)
}

func TestTick_SlowReconnectWithinConnectTimeout(t *testing.T) {
	fx := newFixture(WithBrokerTimeout(50*time.Millisecond), WithConnectTimeout(time.Second))
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	fx.broker.set(func(f *fakeBroker) { f.connectDelay = 150 * time.Millisecond })

	fx.trader.Tick(context.Background())

	_, trades, _, _ := fx.observer.snapshot()
	assert.Len(t, trades, 1)
}

func TestTick_ConnectCheckBoundedByBrokerTimeout(t *testing.T) {
	fx := newFixture(WithBrokerTimeout(50 * time.Millisecond))
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	fx.broker.set(func(f *fakeBroker) { f.connectDelay = 150 * time.Millisecond })

	fx.trader.Tick(context.Background())

	signals, trades, _, _ := fx.observer.snapshot()
	assert.Empty(t, signals)
	assert.Empty(t, trades)
}

func TestTick_SymbolsInLoadOrder(t *testing.T) {
	fx := newFixture()
	fx.load(t, "GBPUSD", &stubPredictor{class: 1, proba: []float64{0.2, 0.6, 0.2}}, nil)
	fx.load(t, "EURUSD", &stubPredictor{class: 1, proba: []float64{0.2, 0.6, 0.2}}, nil)
	fx.load(t, "AUDUSD", &stubPredictor{class: 1, proba: []float64{0.2, 0.6, 0.2}}, nil)

	fx.trader.Tick(context.Background())

	signals, trades, _, errs := fx.observer.snapshot()
	require.Len(t, signals, 3)
	assert.Equal(t, "GBPUSD", signals[0].Symbol)
	assert.Equal(t, "EURUSD", signals[1].Symbol)
	assert.Equal(t, "AUDUSD", signals[2].Symbol)
	for _, s := range signals {
		assert.Equal(t, models.SignalHold, s.Signal)
	}
	assert.Empty(t, trades)
	assert.Empty(t, errs)
}

func TestTick_TradesOnSignal(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)

	fx.trader.Tick(context.Background())

	signals, trades, _, _ := fx.observer.snapshot()
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalBuy, signals[0].Signal)
	assert.InDelta(t, 0.9, signals[0].Confidence, 1e-12)
	require.Len(t, trades, 1)
	assert.Len(t, fx.trader.TrackedPositions(), 1)
}

func TestTick_ObserverPanicIsolated(t *testing.T) {
	fx := newFixture()
	fx.observer.panicOn = "EURUSD"
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	fx.load(t, "GBPUSD", buyPredictor(0.9), nil)

	require.NotPanics(t, func() { fx.trader.Tick(context.Background()) })

	signals, _, _, errs := fx.observer.snapshot()
	require.Len(t, signals, 1)
	assert.Equal(t, "GBPUSD", signals[0].Symbol)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0], "EURUSD"), errs[0])
}

func TestTick_ExecutionErrorReported(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	fx.broker.set(func(f *fakeBroker) { f.openErr = errors.New("market closed") })

	fx.trader.Tick(context.Background())

	_, trades, _, errs := fx.observer.snapshot()
	assert.Empty(t, trades)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "market closed")
}

func TestTick_ReconcilesBeforeTrading(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	ctx := context.Background()

	fx.trader.Tick(ctx)
	tracked := fx.trader.TrackedPositions()
	require.Len(t, tracked, 1)
	fx.broker.UpdatePrice("EURUSD", tracked[0].OpenPrice+0.02)

	fx.trader.Tick(ctx)

	_, trades, closes, _ := fx.observer.snapshot()
	require.Len(t, closes, 1)
	assert.Equal(t, tracked[0].Ticket, closes[0].Ticket)
	// The slot freed by the close is reused in the same tick.
	assert.Len(t, trades, 2)
}

func TestTick_CancelledBetweenSymbols(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	fx.load(t, "GBPUSD", buyPredictor(0.9), nil)

	ctx, cancel := context.WithCancel(context.Background())
	fx.broker.set(func(f *fakeBroker) {
		f.ohlcHook = func(symbol string) {
			if symbol == "EURUSD" {
				cancel()
			}
		}
	})

	fx.trader.Tick(ctx)

	signals, _, _, _ := fx.observer.snapshot()
	for _, s := range signals {
		assert.NotEqual(t, "GBPUSD", s.Symbol)
	}
}

func TestStart_Errors(t *testing.T) {
	fx := newFixture()
	assert.ErrorIs(t, fx.trader.Start(time.Second), apperrors.ErrNoModelsLoaded)

	fx.load(t, "EURUSD", buyPredictor(0.9), nil)
	err := fx.trader.Start(0)
	var ve *apperrors.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.False(t, fx.trader.Running())
}

func TestStartStop(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)

	require.NoError(t, fx.trader.Start(20*time.Millisecond))
	assert.True(t, fx.trader.Running())
	assert.ErrorIs(t, fx.trader.Start(20*time.Millisecond), apperrors.ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		signals, _, _, _ := fx.observer.snapshot()
		return len(signals) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	fx.trader.Stop()
	assert.False(t, fx.trader.Running())

	signals, _, _, _ := fx.observer.snapshot()
	n := len(signals)
	time.Sleep(60 * time.Millisecond)
	signals, _, _, _ = fx.observer.snapshot()
	assert.Equal(t, n, len(signals), "no ticks after Stop")

	// Stop is idempotent and the trader can be restarted.
	fx.trader.Stop()
	require.NoError(t, fx.trader.Start(20*time.Millisecond))
	fx.trader.Stop()
}

func TestPauseResume(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", &stubPredictor{class: 1, proba: []float64{0.2, 0.6, 0.2}}, nil)

	require.NoError(t, fx.trader.Start(10*time.Millisecond))
	defer fx.trader.Stop()

	assert.Eventually(t, func() bool {
		signals, _, _, _ := fx.observer.snapshot()
		return len(signals) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	fx.trader.Pause()
	assert.True(t, fx.trader.Paused())
	// Let an in-flight tick finish.
	time.Sleep(30 * time.Millisecond)
	signals, _, _, _ := fx.observer.snapshot()
	paused := len(signals)
	time.Sleep(60 * time.Millisecond)
	signals, _, _, _ = fx.observer.snapshot()
	assert.Equal(t, paused, len(signals))

	fx.trader.Resume()
	assert.Eventually(t, func() bool {
		signals, _, _, _ := fx.observer.snapshot()
		return len(signals) > paused
	}, 2*time.Second, 5*time.Millisecond)
}
