package trader

import (
	"context"
	"errors"
	"fmt"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/features"
	"trade-connector/internal/metrics"
	"trade-connector/internal/models"
	"trade-connector/internal/predictor"
)

// Predict classifies the latest bar for symbol. It never fails: any problem
// (no model, short history, broker or predictor error) yields HOLD with zero
// confidence.
func (t *Trader) Predict(ctx context.Context, symbol string) (models.Signal, float64) {
	m, ok := t.model(symbol)
	if !ok {
		return models.SignalHold, 0
	}
	logger := t.logger.With().Str("symbol", symbol).Str("model_id", m.ModelID).Logger()

	bctx, cancel := t.brokerCtx(ctx)
	bars, err := t.broker.GetOHLC(bctx, symbol, m.Config.Timeframe, FetchBars)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to fetch bars")
		metrics.RecordError("market_data")
		return models.SignalHold, 0
	}
	if len(bars) < MinBars {
		logger.Warn().Int("bars", len(bars)).Int("required", MinBars).Msg("insufficient data for prediction")
		return models.SignalHold, 0
	}

	matrix, err := features.Compute(bars)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to compute features")
		return models.SignalHold, 0
	}
	row, ok := matrix.Latest()
	if !ok {
		return models.SignalHold, 0
	}

	class, confidence, err := classify(m.Predictor, row)
	if err != nil {
		logger.Error().Err(err).Msg("prediction failed")
		metrics.RecordError("prediction")
		return models.SignalHold, 0
	}

	signal := signalFor(class)

	t.mu.Lock()
	if cur, ok := t.models[symbol]; ok && cur.ModelID == m.ModelID {
		cur.LastPrediction = signal
		cur.LastPredictionTime = t.now()
		cur.TotalPredictions++
	}
	t.mu.Unlock()

	metrics.RecordSignal(symbol, string(signal), confidence)
	logger.Debug().Str("signal", string(signal)).Float64("confidence", confidence).Msg("prediction made")
	return signal, confidence
}

func signalFor(class int) models.Signal {
	switch class {
	case predictor.ClassBuy:
		return models.SignalBuy
	case predictor.ClassSell:
		return models.SignalSell
	default:
		return models.SignalHold
	}
}

// classify runs the predictor on row, converting panics into errors. The
// confidence is the largest class probability, or DefaultConfidence when
// the predictor has none.
func classify(p predictor.Predictor, row []float64) (class int, confidence float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			class, confidence = predictor.ClassHold, 0
			err = fmt.Errorf("%w: predictor panicked: %v", apperrors.ErrPrediction, r)
		}
	}()

	class, err = p.Predict(row)
	if err != nil {
		return predictor.ClassHold, 0, fmt.Errorf("%w: %v", apperrors.ErrPrediction, err)
	}

	pp, ok := p.(predictor.ProbabilityPredictor)
	if !ok {
		return class, DefaultConfidence, nil
	}
	proba, err := pp.PredictProba(row)
	if errors.Is(err, predictor.ErrNoProbabilities) {
		return class, DefaultConfidence, nil
	}
	if err != nil {
		return predictor.ClassHold, 0, fmt.Errorf("%w: %v", apperrors.ErrPrediction, err)
	}
	if len(proba) == 0 {
		return class, DefaultConfidence, nil
	}

	confidence = proba[0]
	for _, v := range proba[1:] {
		if v > confidence {
			confidence = v
		}
	}
	return class, confidence, nil
}
