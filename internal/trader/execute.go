package trader

import (
	"context"
	"fmt"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/logging"
	"trade-connector/internal/metrics"
	"trade-connector/internal/models"
	"trade-connector/internal/risk"
)

// ExecuteSignal opens a position for signal when it clears the symbol's
// confidence threshold and position limit. It returns ticket 0 with a nil
// error when nothing was submitted, and a non-nil error only when the broker
// could not be queried or rejected the order.
func (t *Trader) ExecuteSignal(ctx context.Context, symbol string, signal models.Signal, confidence float64) (int64, error) {
	m, ok := t.model(symbol)
	if !ok {
		return 0, nil
	}
	cfg := m.Config
	logger := logging.WithOperation(logging.WithSymbol(t.logger, symbol), "execute")

	if confidence < cfg.ConfidenceThreshold {
		logger.Debug().
			Float64("confidence", confidence).
			Float64("threshold", cfg.ConfidenceThreshold).
			Msg("confidence below threshold")
		return 0, nil
	}
	side, ok := signal.Side()
	if !ok {
		return 0, nil
	}

	bctx, cancel := t.brokerCtx(ctx)
	positions, err := t.broker.GetPositions(bctx)
	cancel()
	if err != nil {
		metrics.RecordError("positions")
		return 0, apperrors.Wrap(err, "fetching positions")
	}

	var own []models.Position
	for _, p := range positions {
		if p.Symbol == symbol && p.Magic == cfg.MagicNumber {
			own = append(own, p)
		}
	}
	if !risk.ValidatePositionLimit(len(own), cfg.MaxPositions) {
		logger.Info().Int("open", len(own)).Int("max", cfg.MaxPositions).Msg("position limit reached")
		return 0, nil
	}

	for _, p := range own {
		if p.Side == side {
			continue
		}
		bctx, cancel := t.brokerCtx(ctx)
		err := t.broker.ClosePosition(bctx, p.Ticket)
		cancel()
		plog := logging.WithTicket(logger, p.Ticket)
		if err != nil {
			plog.Warn().Err(err).Msg("failed to close conflicting position")
			continue
		}
		plog.Info().Msg("closed conflicting position")
	}

	volume := t.positionSize(ctx, symbol, cfg)

	var sl, tp, price float64
	bctx, cancel = t.brokerCtx(ctx)
	tick, err := t.broker.GetOHLC(bctx, symbol, models.TimeframeM1, 1)
	cancel()
	if err == nil && len(tick) > 0 {
		price = tick[len(tick)-1].Close
		sl, tp, err = risk.CalculateSLTP(price, side, cfg.SLPips, cfg.TPPips, risk.PipSize(symbol))
		if err != nil {
			return 0, err
		}
	} else {
		logger.Warn().Err(err).Msg("no current price, submitting without SL/TP")
	}

	req := models.OrderRequest{
		Symbol:  symbol,
		Side:    side,
		Volume:  volume,
		SL:      sl,
		TP:      tp,
		Magic:   cfg.MagicNumber,
		Comment: fmt.Sprintf("ML %.0f%%", confidence*100),
	}

	bctx, cancel = t.brokerCtx(ctx)
	ticket, err := t.broker.OpenPosition(bctx, req)
	cancel()
	if err == nil && ticket == 0 {
		err = apperrors.NewOrderError(0, symbol, string(side), "no ticket returned", apperrors.ErrOrderRejected)
	}
	if err != nil {
		t.audit.LogOrderPlaced(ctx, 0, symbol, string(side), volume, sl, tp, confidence, err.Error())
		metrics.RecordError("order")
		logger.Error().Err(err).Str("side", string(side)).Float64("volume", volume).Msg("order rejected")
		if !apperrors.Is(err, apperrors.ErrOrderRejected) {
			err = fmt.Errorf("%w: %w", apperrors.ErrOrderRejected, err)
		}
		return 0, err
	}

	pos := models.TrackedPosition{
		Ticket:    ticket,
		Symbol:    symbol,
		Side:      side,
		Volume:    volume,
		OpenPrice: price,
		OpenTime:  t.now(),
	}

	t.mu.Lock()
	t.tracked[ticket] = pos
	st, ok := t.stats[symbol]
	if !ok {
		st = &models.TradeStats{}
		t.stats[symbol] = st
	}
	st.TotalTrades++
	stats := *st
	t.mu.Unlock()

	t.observer.OnTrade(symbol, signal, ticket, volume)
	t.journalWrite("save_tracked_position", func(j Journal) error {
		if err := j.SaveTrackedPosition(ctx, pos); err != nil {
			return err
		}
		return j.SaveStats(ctx, symbol, stats)
	})
	metrics.RecordTrade(symbol, string(side), volume)
	t.audit.LogOrderPlaced(ctx, ticket, symbol, string(side), volume, sl, tp, confidence, "")
	logging.LogTrade(t.logger, symbol, string(side), ticket, volume, sl, tp)

	return ticket, nil
}

// positionSize sizes from the live balance, falling back to the configured
// volume when the account cannot be read.
func (t *Trader) positionSize(ctx context.Context, symbol string, cfg models.TradingConfig) float64 {
	bctx, cancel := t.brokerCtx(ctx)
	account, err := t.broker.GetAccountInfo(bctx)
	cancel()
	if err != nil || account == nil {
		t.logger.Warn().Err(err).Str("symbol", symbol).Msg("account unavailable, using configured volume")
		return cfg.Volume
	}
	return risk.CalculateLotSize(account.Balance, cfg.RiskPercent, cfg.SLPips, risk.PipValue(symbol))
}
