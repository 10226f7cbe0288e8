package trader

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
	"trade-connector/internal/predictor"
	"trade-connector/internal/security"
	"trade-connector/internal/store"
)

func TestLoadModel(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.source.add("m-eur", buyPredictor(0.9))
	fx.source.add("m-gold", buyPredictor(0.9))

	require.NoError(t, fx.trader.LoadModel(ctx, "m-eur", "EURUSD", nil))
	require.NoError(t, fx.trader.LoadModel(ctx, "m-gold", "XAUUSD", nil))

	assert.Equal(t, []string{"EURUSD", "XAUUSD"}, fx.trader.Symbols())

	info, ok := fx.trader.ModelInfo("EURUSD")
	require.True(t, ok)
	assert.Equal(t, "m-eur", info.ModelID)
	assert.Equal(t, 0.64, info.Accuracy)
	assert.Equal(t, models.DefaultTradingConfig("EURUSD"), info.Config)

	stats, ok := fx.trader.Stats("XAUUSD")
	require.True(t, ok)
	assert.Equal(t, models.TradeStats{}, stats)
}

func TestLoadModel_ConfigSymbolFollowsArgument(t *testing.T) {
	fx := newFixture()
	fx.source.add("m", buyPredictor(0.9))

	cfg := models.DefaultTradingConfig("OTHER")
	cfg.MaxPositions = 3
	require.NoError(t, fx.trader.LoadModel(context.Background(), "m", "GBPUSD", &cfg))

	info, ok := fx.trader.ModelInfo("GBPUSD")
	require.True(t, ok)
	assert.Equal(t, "GBPUSD", info.Config.Symbol)
	assert.Equal(t, 3, info.Config.MaxPositions)
}

func TestLoadModel_InvalidConfig(t *testing.T) {
	fx := newFixture()
	fx.source.add("m", buyPredictor(0.9))

	cfg := models.DefaultTradingConfig("EURUSD")
	cfg.RiskPercent = 9
	err := fx.trader.LoadModel(context.Background(), "m", "EURUSD", &cfg)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigInvalid))
	_, ok := fx.trader.ModelInfo("EURUSD")
	assert.False(t, ok)
}

func TestLoadModel_FailureKeepsPreviousEntry(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.source.add("good", buyPredictor(0.9))
	fx.source.add("foreign", buyPredictor(0.9))
	fx.source.decryptErr["foreign"] = apperrors.NewModelError("foreign", "decrypt", apperrors.ErrHardwareMismatch)

	require.NoError(t, fx.trader.LoadModel(ctx, "good", "EURUSD", nil))

	err := fx.trader.LoadModel(ctx, "foreign", "EURUSD", nil)
	assert.True(t, errors.Is(err, apperrors.ErrHardwareMismatch))

	err = fx.trader.LoadModel(ctx, "missing", "EURUSD", nil)
	assert.True(t, errors.Is(err, apperrors.ErrContainerNotFound))

	info, ok := fx.trader.ModelInfo("EURUSD")
	require.True(t, ok)
	assert.Equal(t, "good", info.ModelID)
}

func TestLoadModel_DeserializationFailure(t *testing.T) {
	fx := newFixture()
	fx.source.containers["junk"] = &security.SecuredModel{
		ModelID:    "junk",
		Ciphertext: []byte(`{"classes": [0,1,2]}`),
		Metadata:   security.Metadata{"format": predictor.FormatLinearJSON},
	}

	err := fx.trader.LoadModel(context.Background(), "junk", "EURUSD", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDeserialization))
	assert.False(t, errors.Is(err, apperrors.ErrIntegrityFailure))
	assert.Empty(t, fx.trader.Symbols())
}

func TestLoadModel_ReplaceClosesPrevious(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	first := buyPredictor(0.9)
	second := buyPredictor(0.8)
	fx.source.add("v1", first)
	fx.source.add("v2", second)

	require.NoError(t, fx.trader.LoadModel(ctx, "v1", "EURUSD", nil))
	require.NoError(t, fx.trader.LoadModel(ctx, "v2", "EURUSD", nil))

	assert.True(t, first.closed)
	assert.False(t, second.closed)
	assert.Equal(t, []string{"EURUSD"}, fx.trader.Symbols())
}

func TestUnloadModel(t *testing.T) {
	fx := newFixture()
	p := buyPredictor(0.9)
	fx.load(t, "EURUSD", p, nil)

	assert.True(t, fx.trader.UnloadModel("EURUSD"))
	assert.True(t, p.closed)
	assert.False(t, fx.trader.UnloadModel("EURUSD"))
	assert.Empty(t, fx.trader.Symbols())

	// Stats outlive the model.
	_, ok := fx.trader.Stats("EURUSD")
	assert.True(t, ok)
}

// linearPayload is a 17-feature model that always favours BUY.
func linearPayload(t *testing.T) []byte {
	t.Helper()
	weights := make([][]float64, 3)
	for i := range weights {
		weights[i] = make([]float64, 17)
	}
	data, err := json.Marshal(predictor.LinearModel{
		Classes: []int{0, 1, 2},
		Weights: weights,
		Bias:    []float64{0, 0, 5},
	})
	require.NoError(t, err)
	return data
}

func TestLoadModel_HostBinding(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	hostA, err := security.NewService(dir, security.WithFingerprinter(security.StaticFingerprinter("host-A")))
	require.NoError(t, err)
	hostB, err := security.NewService(dir, security.WithFingerprinter(security.StaticFingerprinter("host-B")))
	require.NoError(t, err)

	secured, err := hostA.Encrypt(linearPayload(t), "eur-linear", security.Metadata{
		"format":   predictor.FormatLinearJSON,
		"symbol":   "EURUSD",
		"accuracy": 0.71,
	})
	require.NoError(t, err)
	_, err = hostA.Save(secured)
	require.NoError(t, err)

	fb := newFakeBroker()
	fb.feed("EURUSD", models.TimeframeM15, 100, 1.1)

	onB := New(fb, hostB)
	err = onB.LoadModel(ctx, "eur-linear", "EURUSD", nil)
	assert.True(t, errors.Is(err, apperrors.ErrHardwareMismatch))
	assert.Empty(t, onB.Symbols())

	onA := New(fb, hostA)
	require.NoError(t, onA.LoadModel(ctx, "eur-linear", "EURUSD", nil))

	info, ok := onA.ModelInfo("EURUSD")
	require.True(t, ok)
	assert.Equal(t, 0.71, info.Accuracy)

	signal, confidence := onA.Predict(ctx, "EURUSD")
	assert.Equal(t, models.SignalBuy, signal)
	assert.Greater(t, confidence, 0.95)
}

func TestStatus(t *testing.T) {
	fx := newFixture()
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)

	_, err := fx.trader.ExecuteSignal(context.Background(), "EURUSD", models.SignalBuy, 0.9)
	require.NoError(t, err)

	st := fx.trader.Status()
	assert.False(t, st.Running)
	assert.False(t, st.Paused)
	assert.Equal(t, []string{"EURUSD"}, st.ActiveModels)
	assert.Equal(t, 1, st.Stats["EURUSD"].TotalTrades)
	assert.Equal(t, 0.0, st.Stats["EURUSD"].WinRate)
}

func TestJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	journal, err := store.NewSQLiteStore(t.TempDir() + "/journal.db")
	require.NoError(t, err)
	defer journal.Close()

	fx := newFixture(WithJournal(journal))
	fx.load(t, "EURUSD", buyPredictor(0.9), nil)

	cfg := models.DefaultTradingConfig("EURUSD")
	cfg.MaxPositions = 3
	require.NoError(t, fx.trader.LoadModel(ctx, "model-EURUSD", "EURUSD", &cfg))

	first, err := fx.trader.ExecuteSignal(ctx, "EURUSD", models.SignalBuy, 0.9)
	require.NoError(t, err)
	second, err := fx.trader.ExecuteSignal(ctx, "EURUSD", models.SignalBuy, 0.9)
	require.NoError(t, err)

	// Move up but stay inside the take profit.
	bars := makeBars(100, 1.1)
	fx.broker.UpdatePrice("EURUSD", bars[len(bars)-1].Close+0.002)
	require.NoError(t, fx.broker.ClosePosition(ctx, first))
	fx.trader.ReconcileClosedPositions(ctx)

	trades, err := journal.ClosedTrades(ctx, store.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, first, trades[0].Ticket)
	assert.Greater(t, trades[0].Profit, 0.0)

	// A fresh trader picks up where the first left off.
	restored := New(fx.broker, fx.source, WithJournal(journal))
	require.NoError(t, restored.RestoreFromJournal(ctx))

	tracked := restored.TrackedPositions()
	require.Len(t, tracked, 1)
	assert.Equal(t, second, tracked[0].Ticket)

	stats, ok := restored.Stats("EURUSD")
	require.True(t, ok)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.WinningTrades)
}

func TestRestoreFromJournal_AfterLoadModel(t *testing.T) {
	ctx := context.Background()
	journal, err := store.NewSQLiteStore(t.TempDir() + "/journal.db")
	require.NoError(t, err)
	defer journal.Close()

	fx := newFixture(WithJournal(journal))
	cfg := models.DefaultTradingConfig("EURUSD")
	cfg.MaxPositions = 3
	fx.load(t, "EURUSD", buyPredictor(0.9), &cfg)

	first, err := fx.trader.ExecuteSignal(ctx, "EURUSD", models.SignalBuy, 0.9)
	require.NoError(t, err)
	second, err := fx.trader.ExecuteSignal(ctx, "EURUSD", models.SignalBuy, 0.9)
	require.NoError(t, err)

	bars := makeBars(100, 1.1)
	fx.broker.UpdatePrice("EURUSD", bars[len(bars)-1].Close+0.002)
	require.NoError(t, fx.broker.ClosePosition(ctx, first))
	fx.trader.ReconcileClosedPositions(ctx)

	// The next run loads its models before restoring, as the run command does.
	restored := New(fx.broker, fx.source, WithJournal(journal), WithBrokerTimeout(time.Second))
	require.NoError(t, restored.LoadModel(ctx, "model-EURUSD", "EURUSD", &cfg))
	require.NoError(t, restored.RestoreFromJournal(ctx))

	stats, ok := restored.Stats("EURUSD")
	require.True(t, ok)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.WinningTrades)

	require.NoError(t, fx.broker.ClosePosition(ctx, second))
	restored.ReconcileClosedPositions(ctx)
	assert.Empty(t, restored.TrackedPositions())

	stats, _ = restored.Stats("EURUSD")
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 2, stats.WinningTrades)
	assert.LessOrEqual(t, stats.WinningTrades+stats.LosingTrades, stats.TotalTrades)

	saved, err := journal.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.TotalTrades, saved["EURUSD"].TotalTrades)
	assert.Equal(t, stats.WinningTrades, saved["EURUSD"].WinningTrades)
}

func TestRestoreFromJournal_NoJournal(t *testing.T) {
	fx := newFixture()
	assert.NoError(t, fx.trader.RestoreFromJournal(context.Background()))
}

func TestChannelObserver(t *testing.T) {
	o := NewChannelObserver(2)
	o.OnSignal("EURUSD", models.SignalBuy, 0.8)
	o.OnTrade("EURUSD", models.SignalBuy, 7, 0.1)
	o.OnClose(7, 3.5)

	assert.Equal(t, int64(1), o.Dropped())

	e := <-o.Events()
	assert.Equal(t, EventSignal, e.Type)
	assert.Equal(t, 0.8, e.Confidence)
	assert.False(t, e.Time.IsZero())

	e = <-o.Events()
	assert.Equal(t, EventTrade, e.Type)
	assert.Equal(t, int64(7), e.Ticket)
}

func TestMultiObserver(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	m := MultiObserver{a, b, NopObserver{}}

	m.OnSignal("EURUSD", models.SignalSell, 0.7)
	m.OnTrade("EURUSD", models.SignalSell, 1, 0.1)
	m.OnClose(1, -2)
	m.OnError("boom")

	for _, o := range []*recordingObserver{a, b} {
		signals, trades, closes, errs := o.snapshot()
		assert.Len(t, signals, 1)
		assert.Len(t, trades, 1)
		assert.Len(t, closes, 1)
		assert.Equal(t, []string{"boom"}, errs)
	}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, sleep(ctx, time.Millisecond))
	assert.True(t, sleep(ctx, 0))

	cancel()
	start := time.Now()
	assert.False(t, sleep(ctx, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, sleep(ctx, 0))
}
