// Package trader runs loaded models against a broker: it predicts, gates and
// sizes orders, and reconciles the positions it opened.
package trader

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"trade-connector/internal/broker"
	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/logging"
	"trade-connector/internal/metrics"
	"trade-connector/internal/models"
	"trade-connector/internal/predictor"
	"trade-connector/internal/security"
)

const (
	// DefaultConfidence is used when a predictor exposes no probabilities.
	DefaultConfidence = 0.7
	// MinBars is the fewest bars a prediction is attempted with.
	MinBars = 50
	// FetchBars is how many bars are requested per prediction.
	FetchBars = 100

	DefaultBrokerTimeout = 10 * time.Second
	DefaultSymbolDelay   = 500 * time.Millisecond

	// historyLookback widens the history query before a position's open time.
	historyLookback = time.Minute
)

// ModelSource loads and opens model containers.
type ModelSource interface {
	Load(modelID string) (*security.SecuredModel, error)
	Decrypt(secured *security.SecuredModel) ([]byte, error)
}

// Journal persists trader state. Writes are best-effort: failures are logged
// and never stop trading.
type Journal interface {
	SaveTrackedPosition(ctx context.Context, pos models.TrackedPosition) error
	RecordClosedTrade(ctx context.Context, trade models.ClosedTrade) error
	SaveStats(ctx context.Context, symbol string, stats models.TradeStats) error
	RecordSignal(ctx context.Context, symbol string, signal models.Signal, confidence float64, at time.Time) error
	LoadTrackedPositions(ctx context.Context) ([]models.TrackedPosition, error)
	LoadStats(ctx context.Context) (map[string]models.TradeStats, error)
}

// LoadedModel is a registry entry: one per symbol.
type LoadedModel struct {
	ModelID            string
	Symbol             string
	Predictor          predictor.Predictor
	Config             models.TradingConfig
	Accuracy           float64
	LastPrediction     models.Signal
	LastPredictionTime time.Time
	TotalPredictions   int
}

// ModelInfo is a read-only view of a LoadedModel.
type ModelInfo struct {
	ModelID            string               `json:"model_id"`
	Symbol             string               `json:"symbol"`
	Accuracy           float64              `json:"accuracy"`
	LastPrediction     models.Signal        `json:"last_prediction,omitempty"`
	LastPredictionTime time.Time            `json:"last_prediction_time"`
	TotalPredictions   int                  `json:"total_predictions"`
	Config             models.TradingConfig `json:"config"`
}

// SymbolStats is TradeStats with the derived win rate.
type SymbolStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalProfit   float64 `json:"total_profit"`
}

// Status summarises the trader.
type Status struct {
	Running      bool                   `json:"running"`
	Paused       bool                   `json:"paused"`
	ActiveModels []string               `json:"active_models"`
	Stats        map[string]SymbolStats `json:"stats"`
}

// Trader is the automatic trading engine.
type Trader struct {
	broker   broker.Client
	source   ModelSource
	observer Observer
	journal  Journal
	audit    *security.AuditLogger
	logger   zerolog.Logger

	brokerTimeout  time.Duration
	connectTimeout time.Duration
	symbolDelay    time.Duration
	now            func() time.Time

	mu      sync.RWMutex
	models  map[string]*LoadedModel
	order   []string
	tracked map[int64]models.TrackedPosition
	stats   map[string]*models.TradeStats

	running atomic.Bool
	paused  atomic.Bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Trader.
type Option func(*Trader)

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(t *Trader) { t.observer = o }
}

// WithJournal persists tracked positions, stats and signals.
func WithJournal(j Journal) Option {
	return func(t *Trader) { t.journal = j }
}

// WithAuditLogger records orders, closes and lifecycle events.
func WithAuditLogger(al *security.AuditLogger) Option {
	return func(t *Trader) { t.audit = al }
}

// WithLogger sets the trader logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Trader) { t.logger = l }
}

// WithBrokerTimeout bounds every broker call.
func WithBrokerTimeout(d time.Duration) Option {
	return func(t *Trader) {
		if d > 0 {
			t.brokerTimeout = d
		}
	}
}

// WithConnectTimeout bounds the connection check at the start of a tick,
// reconnect attempts included. It is never shorter than the broker timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Trader) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithSymbolDelay sets the pause between symbols within a tick.
func WithSymbolDelay(d time.Duration) Option {
	return func(t *Trader) {
		if d >= 0 {
			t.symbolDelay = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trader) { t.now = now }
}

// New creates a Trader.
func New(client broker.Client, source ModelSource, opts ...Option) *Trader {
	t := &Trader{
		broker:        client,
		source:        source,
		observer:      NopObserver{},
		logger:        zerolog.Nop(),
		brokerTimeout: DefaultBrokerTimeout,
		symbolDelay:   DefaultSymbolDelay,
		now:           time.Now,
		models:        make(map[string]*LoadedModel),
		tracked:       make(map[int64]models.TrackedPosition),
		stats:         make(map[string]*models.TradeStats),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.WithComponent(t.logger, "trader")
	return t
}

// brokerCtx bounds a single broker call.
func (t *Trader) brokerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.brokerTimeout)
}

func (t *Trader) connectCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, max(t.connectTimeout, t.brokerTimeout))
}

// LoadModel decrypts modelID and registers it for symbol. A nil cfg means
// the defaults for symbol. On any failure the current entry for symbol, if
// any, is left in place.
func (t *Trader) LoadModel(ctx context.Context, modelID, symbol string, cfg *models.TradingConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tc := models.DefaultTradingConfig(symbol)
	if cfg != nil {
		tc = *cfg
	}
	tc.Symbol = symbol
	if err := tc.Validate(); err != nil {
		return err
	}

	logger := logging.WithSymbol(logging.WithModel(t.logger, modelID), symbol)

	secured, err := t.source.Load(modelID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load model")
		return err
	}

	payload, err := t.source.Decrypt(secured)
	if err != nil {
		logger.Error().Err(err).Msg("failed to decrypt model")
		return err
	}

	p, err := predictor.Decode(payload, secured.Metadata)
	if err != nil {
		logger.Error().Err(err).Msg("failed to decode model")
		return apperrors.NewModelError(modelID, "decode", err)
	}

	entry := &LoadedModel{
		ModelID:   modelID,
		Symbol:    symbol,
		Predictor: p,
		Config:    tc,
		Accuracy:  secured.Metadata.Float("accuracy", 0),
	}

	t.mu.Lock()
	old, replaced := t.models[symbol]
	t.models[symbol] = entry
	if !replaced {
		t.order = append(t.order, symbol)
	}
	if _, ok := t.stats[symbol]; !ok {
		t.stats[symbol] = &models.TradeStats{}
	}
	count := len(t.models)
	t.mu.Unlock()

	if replaced {
		if err := predictor.Close(old.Predictor); err != nil {
			logger.Warn().Err(err).Msg("failed to release replaced model")
		}
	}

	metrics.SetLoadedModels(count)
	logger.Info().Bool("replaced", replaced).Float64("accuracy", entry.Accuracy).Msg("model loaded")
	return nil
}

// UnloadModel removes the model for symbol. It reports false when none was loaded.
func (t *Trader) UnloadModel(symbol string) bool {
	t.mu.Lock()
	entry, ok := t.models[symbol]
	if ok {
		delete(t.models, symbol)
		for i, s := range t.order {
			if s == symbol {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	count := len(t.models)
	t.mu.Unlock()

	if !ok {
		return false
	}

	if err := predictor.Close(entry.Predictor); err != nil {
		t.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to release model")
	}
	metrics.SetLoadedModels(count)
	t.logger.Info().Str("symbol", symbol).Str("model_id", entry.ModelID).Msg("model unloaded")
	return true
}

// Symbols returns the loaded symbols in load order.
func (t *Trader) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// model returns a copy of the registry entry for symbol.
func (t *Trader) model(symbol string) (LoadedModel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.models[symbol]
	if !ok {
		return LoadedModel{}, false
	}
	return *m, true
}

// ModelInfo describes the model loaded for symbol.
func (t *Trader) ModelInfo(symbol string) (ModelInfo, bool) {
	m, ok := t.model(symbol)
	if !ok {
		return ModelInfo{}, false
	}
	return ModelInfo{
		ModelID:            m.ModelID,
		Symbol:             m.Symbol,
		Accuracy:           m.Accuracy,
		LastPrediction:     m.LastPrediction,
		LastPredictionTime: m.LastPredictionTime,
		TotalPredictions:   m.TotalPredictions,
		Config:             m.Config,
	}, true
}

// Stats returns the counters for symbol.
func (t *Trader) Stats(symbol string) (models.TradeStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[symbol]
	if !ok {
		return models.TradeStats{}, false
	}
	return *s, true
}

// TrackedPositions returns the unreconciled positions ordered by ticket.
func (t *Trader) TrackedPositions() []models.TrackedPosition {
	t.mu.RLock()
	out := make([]models.TrackedPosition, 0, len(t.tracked))
	for _, p := range t.tracked {
		out = append(out, p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Status reports the loop state, loaded models and per-symbol stats.
func (t *Trader) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := Status{
		Running:      t.running.Load(),
		Paused:       t.paused.Load(),
		ActiveModels: append([]string{}, t.order...),
		Stats:        make(map[string]SymbolStats, len(t.stats)),
	}
	for symbol, s := range t.stats {
		st.Stats[symbol] = SymbolStats{
			TotalTrades:   s.TotalTrades,
			WinningTrades: s.WinningTrades,
			LosingTrades:  s.LosingTrades,
			WinRate:       s.WinRate(),
			TotalProfit:   s.TotalProfit,
		}
	}
	return st
}

// RestoreFromJournal reloads tracked positions and stats saved by a previous
// run. Tracked positions already in memory win; a symbol's stats are taken
// from the journal unless they have moved since the model was loaded.
func (t *Trader) RestoreFromJournal(ctx context.Context) error {
	if t.journal == nil {
		return nil
	}

	positions, err := t.journal.LoadTrackedPositions(ctx)
	if err != nil {
		return apperrors.Wrap(err, "restoring tracked positions")
	}
	stats, err := t.journal.LoadStats(ctx)
	if err != nil {
		return apperrors.Wrap(err, "restoring stats")
	}

	t.mu.Lock()
	for _, p := range positions {
		if _, ok := t.tracked[p.Ticket]; !ok {
			t.tracked[p.Ticket] = p
		}
	}
	for symbol, s := range stats {
		cur, ok := t.stats[symbol]
		switch {
		case !ok:
			s := s
			t.stats[symbol] = &s
		case *cur == (models.TradeStats{}):
			*cur = s
		}
	}
	t.mu.Unlock()

	t.logger.Info().Int("positions", len(positions)).Int("symbols", len(stats)).Msg("state restored from journal")
	return nil
}

// journalWrite runs fn against the journal, logging failures.
func (t *Trader) journalWrite(op string, fn func(Journal) error) {
	if t.journal == nil {
		return
	}
	if err := fn(t.journal); err != nil {
		t.logger.Warn().Err(err).Str("operation", op).Msg("journal write failed")
		metrics.RecordError("journal")
	}
}
