package trader

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"trade-connector/internal/broker"
	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
	"trade-connector/internal/predictor"
	"trade-connector/internal/security"
)

const stubFormat = "stub-test"

// stubPredictors maps a payload to the predictor the stub decoder returns.
var stubPredictors sync.Map

func init() {
	predictor.Register(stubFormat, func(payload []byte, _ map[string]any) (predictor.Predictor, error) {
		p, ok := stubPredictors.Load(string(payload))
		if !ok {
			return nil, fmt.Errorf("no stub predictor %q", payload)
		}
		return p.(predictor.Predictor), nil
	})
}

// stubPredictor returns a fixed class and probabilities.
type stubPredictor struct {
	class   int
	proba   []float64
	probErr error
	err     error
	panics  bool
	closed  bool
}

func (s *stubPredictor) Predict(row []float64) (int, error) {
	if s.panics {
		panic("model exploded")
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.class, nil
}

func (s *stubPredictor) PredictProba(row []float64) ([]float64, error) {
	if s.probErr != nil {
		return nil, s.probErr
	}
	return s.proba, nil
}

func (s *stubPredictor) Close() error {
	s.closed = true
	return nil
}

// labelOnly has no probabilities.
type labelOnly struct{ class int }

func (l labelOnly) Predict(row []float64) (int, error) { return l.class, nil }

// stubSource serves containers whose "ciphertext" is the plaintext payload.
type stubSource struct {
	mu         sync.Mutex
	containers map[string]*security.SecuredModel
	decryptErr map[string]error
}

func newStubSource() *stubSource {
	return &stubSource{
		containers: make(map[string]*security.SecuredModel),
		decryptErr: make(map[string]error),
	}
}

// add registers p under modelID and returns modelID.
func (s *stubSource) add(modelID string, p predictor.Predictor) string {
	key := fmt.Sprintf("%s-%p", modelID, p)
	stubPredictors.Store(key, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[modelID] = &security.SecuredModel{
		ModelID:    modelID,
		Ciphertext: []byte(key),
		Metadata:   security.Metadata{"format": stubFormat, "accuracy": 0.64},
	}
	return modelID
}

func (s *stubSource) Load(modelID string) (*security.SecuredModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[modelID]
	if !ok {
		return nil, apperrors.NewModelError(modelID, "load", apperrors.ErrContainerNotFound)
	}
	return c, nil
}

func (s *stubSource) Decrypt(secured *security.SecuredModel) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.decryptErr[secured.ModelID]; err != nil {
		return nil, err
	}
	return secured.Ciphertext, nil
}

// fakeBroker is a paper terminal with injectable failures.
type fakeBroker struct {
	*broker.PaperBroker

	mu           sync.Mutex
	positionsErr error
	historyErr   error
	openErr      error
	accountErr   error
	hideHistory  bool
	opens        int
	ohlcHook     func(symbol string)
	connectDelay time.Duration
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{PaperBroker: broker.NewPaperBroker(broker.PaperBrokerConfig{InitialBalance: 10000})}
}

func (f *fakeBroker) set(fn func(f *fakeBroker)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// CheckConnection takes connectDelay, as a bridge retrying /connect would.
func (f *fakeBroker) CheckConnection(ctx context.Context) bool {
	f.mu.Lock()
	delay := f.connectDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return f.PaperBroker.CheckConnection(ctx)
}

func (f *fakeBroker) GetOHLC(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	f.mu.Lock()
	hook := f.ohlcHook
	f.mu.Unlock()
	if hook != nil {
		hook(symbol)
	}
	return f.PaperBroker.GetOHLC(ctx, symbol, tf, count)
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	f.mu.Lock()
	err := f.positionsErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.PaperBroker.GetPositions(ctx)
}

func (f *fakeBroker) GetHistory(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	f.mu.Lock()
	err, hide := f.historyErr, f.hideHistory
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hide {
		return nil, nil
	}
	return f.PaperBroker.GetHistory(ctx, from, to)
}

func (f *fakeBroker) OpenPosition(ctx context.Context, req models.OrderRequest) (int64, error) {
	f.mu.Lock()
	err := f.openErr
	f.opens++
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.PaperBroker.OpenPosition(ctx, req)
}

func (f *fakeBroker) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	f.mu.Lock()
	err := f.accountErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.PaperBroker.GetAccountInfo(ctx)
}

func (f *fakeBroker) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// tagged counts open positions for symbol with the given magic number.
func (f *fakeBroker) tagged(t testing.TB, symbol string, magic int64) int {
	t.Helper()
	positions, err := f.PaperBroker.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("listing positions: %v", err)
	}
	n := 0
	for _, p := range positions {
		if p.Symbol == symbol && p.Magic == magic {
			n++
		}
	}
	return n
}

// feed installs n bars for symbol on tf and on M1.
func (f *fakeBroker) feed(symbol string, tf models.Timeframe, n int, base float64) {
	bars := makeBars(n, base)
	f.SetBars(symbol, tf, bars)
	f.SetBars(symbol, models.TimeframeM1, bars[len(bars)-1:])
}

// makeBars builds a gently oscillating uptrend with volume.
func makeBars(n int, base float64) []models.Bar {
	bars := make([]models.Bar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := base
	for i := range bars {
		c := base * (1 + 0.002*math.Sin(float64(i)/3) + 0.0001*float64(i))
		bars[i] = models.Bar{
			Time:   start.Add(time.Duration(i) * 15 * time.Minute),
			Open:   prev,
			High:   math.Max(prev, c) * 1.0005,
			Low:    math.Min(prev, c) * 0.9995,
			Close:  c,
			Volume: float64(100 + (i*37)%50),
		}
		prev = c
	}
	return bars
}

// recordingObserver stores every event.
type recordingObserver struct {
	mu      sync.Mutex
	signals []Event
	trades  []Event
	closes  []Event
	errors  []string

	panicOn string
}

func (o *recordingObserver) OnSignal(symbol string, signal models.Signal, confidence float64) {
	if symbol == o.panicOn {
		panic("observer failure")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals = append(o.signals, Event{Type: EventSignal, Symbol: symbol, Signal: signal, Confidence: confidence})
}

func (o *recordingObserver) OnTrade(symbol string, signal models.Signal, ticket int64, volume float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trades = append(o.trades, Event{Type: EventTrade, Symbol: symbol, Signal: signal, Ticket: ticket, Volume: volume})
}

func (o *recordingObserver) OnClose(ticket int64, profit float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes = append(o.closes, Event{Type: EventClose, Ticket: ticket, Profit: profit})
}

func (o *recordingObserver) OnError(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, message)
}

func (o *recordingObserver) snapshot() (signals, trades, closes []Event, errs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.signals...),
		append([]Event(nil), o.trades...),
		append([]Event(nil), o.closes...),
		append([]string(nil), o.errors...)
}

type fixture struct {
	trader   *Trader
	broker   *fakeBroker
	source   *stubSource
	observer *recordingObserver
}

func newFixture(opts ...Option) *fixture {
	fb := newFakeBroker()
	src := newStubSource()
	obs := &recordingObserver{}
	base := []Option{WithObserver(obs), WithSymbolDelay(0), WithBrokerTimeout(time.Second)}
	tr := New(fb, src, append(base, opts...)...)
	return &fixture{trader: tr, broker: fb, source: src, observer: obs}
}

// load registers p for symbol with cfg (defaults when nil) and feeds bars.
func (fx *fixture) load(t testing.TB, symbol string, p predictor.Predictor, cfg *models.TradingConfig) {
	t.Helper()
	id := fx.source.add("model-"+symbol, p)
	if err := fx.trader.LoadModel(context.Background(), id, symbol, cfg); err != nil {
		t.Fatalf("loading model: %v", err)
	}
	tf := models.TimeframeM15
	if cfg != nil {
		tf = cfg.Timeframe
	}
	fx.broker.feed(symbol, tf, 100, 1.1)
}

func buyPredictor(confidence float64) *stubPredictor {
	rest := (1 - confidence) / 2
	return &stubPredictor{class: predictor.ClassBuy, proba: []float64{rest, rest, confidence}}
}
