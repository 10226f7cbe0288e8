package trader

import (
	"context"
	"sort"
	"time"

	"trade-connector/internal/broker"
	"trade-connector/internal/logging"
	"trade-connector/internal/metrics"
	"trade-connector/internal/models"
)

// ReconcileClosedPositions attributes profit for tracked positions the broker
// no longer reports as open and stops tracking them. If the broker cannot be
// queried nothing is removed, so the tickets are retried on the next call.
func (t *Trader) ReconcileClosedPositions(ctx context.Context) {
	t.mu.RLock()
	if len(t.tracked) == 0 {
		t.mu.RUnlock()
		return
	}
	tracked := make([]models.TrackedPosition, 0, len(t.tracked))
	for _, p := range t.tracked {
		tracked = append(tracked, p)
	}
	t.mu.RUnlock()
	logger := logging.WithOperation(t.logger, "reconcile")

	bctx, cancel := t.brokerCtx(ctx)
	positions, err := t.broker.GetPositions(bctx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to fetch positions for reconciliation")
		metrics.RecordError("positions")
		return
	}

	open := make(map[int64]struct{}, len(positions))
	for _, p := range positions {
		open[p.Ticket] = struct{}{}
	}

	var closed []models.TrackedPosition
	for _, p := range tracked {
		if _, ok := open[p.Ticket]; !ok {
			closed = append(closed, p)
		}
	}
	if len(closed) == 0 {
		return
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].Ticket < closed[j].Ticket })

	from := closed[0].OpenTime
	for _, p := range closed[1:] {
		if p.OpenTime.Before(from) {
			from = p.OpenTime
		}
	}
	now := t.now()

	bctx, cancel = t.brokerCtx(ctx)
	deals, err := t.broker.GetHistory(bctx, from.Add(-historyLookback), now)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Int("closed", len(closed)).Msg("failed to fetch history, retrying next tick")
		metrics.RecordError("history")
		return
	}

	for _, p := range closed {
		var profit float64
		if deal, ok := broker.ClosingDeal(deals, p.Ticket); ok {
			profit = deal.Profit
		} else {
			plog := logging.WithTicket(logger, p.Ticket)
			plog.Warn().Msg("closing deal not found, attributing zero profit")
		}
		t.settle(ctx, p, profit, now)
	}
}

// settle removes p from tracking and attributes profit. A ticket that is no
// longer tracked has already been settled and is ignored.
func (t *Trader) settle(ctx context.Context, p models.TrackedPosition, profit float64, closedAt time.Time) {
	t.mu.Lock()
	if _, ok := t.tracked[p.Ticket]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.tracked, p.Ticket)
	st, ok := t.stats[p.Symbol]
	if !ok {
		st = &models.TradeStats{}
		t.stats[p.Symbol] = st
	}
	st.Record(profit)
	stats := *st
	t.mu.Unlock()

	t.observer.OnClose(p.Ticket, profit)
	t.journalWrite("record_closed_trade", func(j Journal) error {
		err := j.RecordClosedTrade(ctx, models.ClosedTrade{
			Ticket:    p.Ticket,
			Symbol:    p.Symbol,
			Side:      p.Side,
			Volume:    p.Volume,
			OpenPrice: p.OpenPrice,
			OpenTime:  p.OpenTime,
			CloseTime: closedAt,
			Profit:    profit,
		})
		if err != nil {
			return err
		}
		return j.SaveStats(ctx, p.Symbol, stats)
	})
	metrics.RecordClose(p.Symbol, profit)
	t.audit.LogPositionClosed(ctx, p.Ticket, p.Symbol, profit)
	logging.LogClose(t.logger, p.Symbol, p.Ticket, profit)
}
