package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
	"trade-connector/internal/risk"
)

// PaperBroker simulates a trading terminal in memory. Market data comes
// from an optional data client or from bars fed with SetBars/AppendBar;
// orders fill at the latest close and stops are checked on every price
// update.
type PaperBroker struct {
	// Real broker for market data
	data Client

	bars      map[string][]models.Bar
	prices    map[string]float64
	positions map[int64]*models.Position
	deals     []models.Deal
	balance   float64
	currency  string
	connected bool

	ticketCounter int64
	now           func() time.Time

	mu sync.RWMutex
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	DataClient     Client
	InitialBalance float64
	Currency       string
	Clock          func() time.Time
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &PaperBroker{
		data:          cfg.DataClient,
		bars:          make(map[string][]models.Bar),
		prices:        make(map[string]float64),
		positions:     make(map[int64]*models.Position),
		balance:       cfg.InitialBalance,
		currency:      cfg.Currency,
		connected:     true,
		ticketCounter: 100000,
		now:           cfg.Clock,
	}
}

func barKey(symbol string, tf models.Timeframe) string {
	return symbol + "|" + string(tf)
}

// SetBars replaces the bar history for symbol and timeframe.
func (p *PaperBroker) SetBars(symbol string, tf models.Timeframe, bars []models.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[barKey(symbol, tf)] = append([]models.Bar(nil), bars...)
	if len(bars) > 0 {
		p.updatePriceLocked(symbol, bars[len(bars)-1].Close)
	}
}

// AppendBar adds a bar and moves the symbol's price to its close.
func (p *PaperBroker) AppendBar(symbol string, tf models.Timeframe, bar models.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := barKey(symbol, tf)
	p.bars[key] = append(p.bars[key], bar)
	p.updatePriceLocked(symbol, bar.Close)
}

// GetOHLC returns up to count of the most recent bars.
func (p *PaperBroker) GetOHLC(ctx context.Context, symbol string, timeframe models.Timeframe, count int) ([]models.Bar, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	if p.data != nil {
		bars, err := p.data.GetOHLC(ctx, symbol, timeframe, count)
		if err == nil && len(bars) > 0 {
			p.UpdatePrice(symbol, bars[len(bars)-1].Close)
		}
		return bars, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	bars := p.bars[barKey(symbol, timeframe)]
	if len(bars) == 0 {
		return nil, apperrors.NewDataError("ohlc", symbol, fmt.Sprintf("no %s bars", timeframe), nil)
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return append([]models.Bar(nil), bars...), nil
}

// GetPositions returns all open positions ordered by ticket.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticket < positions[j].Ticket })
	return positions, nil
}

// GetHistory returns deals executed within [from, to].
func (p *PaperBroker) GetHistory(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var deals []models.Deal
	for _, d := range p.deals {
		if d.Time.Before(from) || d.Time.After(to) {
			continue
		}
		deals = append(deals, d)
	}
	return deals, nil
}

// OpenPosition fills a market order at the latest known price.
func (p *PaperBroker) OpenPosition(ctx context.Context, req models.OrderRequest) (int64, error) {
	if err := p.checkConnected(); err != nil {
		return 0, err
	}
	if !req.Side.Valid() {
		return 0, apperrors.NewOrderError(0, req.Symbol, string(req.Side), "invalid side", apperrors.ErrInvalidSide)
	}
	if req.Volume <= 0 {
		return 0, apperrors.NewOrderError(0, req.Symbol, string(req.Side), "invalid volume", apperrors.ErrOrderRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[req.Symbol]
	if !ok || price <= 0 {
		return 0, apperrors.NewOrderError(0, req.Symbol, string(req.Side), "no price available", apperrors.ErrOrderRejected)
	}

	p.ticketCounter++
	ticket := p.ticketCounter
	now := p.now()

	p.positions[ticket] = &models.Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		PriceOpen:    price,
		PriceCurrent: price,
		SL:           req.SL,
		TP:           req.TP,
		Magic:        req.Magic,
		Comment:      req.Comment,
		Time:         now,
	}
	p.deals = append(p.deals, models.Deal{
		Ticket:     p.nextDealTicketLocked(),
		PositionID: ticket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Entry:      models.DealEntryIn,
		Volume:     req.Volume,
		Price:      price,
		Magic:      req.Magic,
		Time:       now,
	})
	return ticket, nil
}

// ClosePosition closes ticket at the current price.
func (p *PaperBroker) ClosePosition(ctx context.Context, ticket int64) error {
	if err := p.checkConnected(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return apperrors.NewOrderError(ticket, "", "close", "unknown ticket", apperrors.ErrPositionNotFound)
	}
	p.closeLocked(pos, pos.PriceCurrent)
	return nil
}

// GetAccountInfo reports balance and equity including floating profit.
func (p *PaperBroker) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	equity := p.balance
	for _, pos := range p.positions {
		equity += pos.Profit
	}
	return &models.AccountInfo{
		Login:      1,
		Balance:    p.balance,
		Equity:     equity,
		FreeMargin: equity,
		Currency:   p.currency,
		Leverage:   100,
	}, nil
}

// IsConnected reports the simulated connection state.
func (p *PaperBroker) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// CheckConnection reports the simulated connection state, consulting the
// data client when one is configured.
func (p *PaperBroker) CheckConnection(ctx context.Context) bool {
	if p.data != nil && !p.data.CheckConnection(ctx) {
		return false
	}
	return p.IsConnected()
}

// SetConnected toggles the simulated connection.
func (p *PaperBroker) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// UpdatePrice moves the symbol's price and closes positions whose stop
// loss or take profit it crosses.
func (p *PaperBroker) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updatePriceLocked(symbol, price)
}

func (p *PaperBroker) updatePriceLocked(symbol string, price float64) {
	p.prices[symbol] = price

	tickets := make([]int64, 0, len(p.positions))
	for t := range p.positions {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })

	for _, t := range tickets {
		pos := p.positions[t]
		if pos.Symbol != symbol {
			continue
		}
		pos.PriceCurrent = price
		pos.Profit = positionProfit(pos, price)

		if exit, hit := stopHit(pos, price); hit {
			p.closeLocked(pos, exit)
		}
	}
}

// stopHit reports whether price crossed the position's SL or TP and the
// level it fills at.
func stopHit(pos *models.Position, price float64) (float64, bool) {
	switch pos.Side {
	case models.SideBuy:
		if pos.SL > 0 && price <= pos.SL {
			return pos.SL, true
		}
		if pos.TP > 0 && price >= pos.TP {
			return pos.TP, true
		}
	case models.SideSell:
		if pos.SL > 0 && price >= pos.SL {
			return pos.SL, true
		}
		if pos.TP > 0 && price <= pos.TP {
			return pos.TP, true
		}
	}
	return 0, false
}

func positionProfit(pos *models.Position, price float64) float64 {
	diff := price - pos.PriceOpen
	if pos.Side == models.SideSell {
		diff = -diff
	}
	return diff / risk.PipSize(pos.Symbol) * risk.PipValue(pos.Symbol) * pos.Volume
}

func (p *PaperBroker) closeLocked(pos *models.Position, price float64) {
	profit := positionProfit(pos, price)
	p.balance += profit
	delete(p.positions, pos.Ticket)

	p.deals = append(p.deals, models.Deal{
		Ticket:     p.nextDealTicketLocked(),
		PositionID: pos.Ticket,
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Entry:      models.DealEntryOut,
		Volume:     pos.Volume,
		Price:      price,
		Profit:     profit,
		Magic:      pos.Magic,
		Time:       p.now(),
	})
}

func (p *PaperBroker) nextDealTicketLocked() int64 {
	return int64(len(p.deals)) + 1
}

func (p *PaperBroker) checkConnected() error {
	if !p.IsConnected() {
		return apperrors.NewBrokerError("DISCONNECTED", "paper terminal offline", apperrors.ErrBrokerUnavailable)
	}
	return nil
}

// Reset clears positions and history and restores the balance.
func (p *PaperBroker) Reset(initialBalance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.positions = make(map[int64]*models.Position)
	p.deals = nil
	p.balance = initialBalance
}

var _ Client = (*PaperBroker)(nil)
