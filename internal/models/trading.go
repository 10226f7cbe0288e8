package models

import (
	"time"

	apperrors "trade-connector/internal/errors"
)

// Risk bounds accepted for a single trade.
const (
	MinRiskPercent = 0.1
	MaxRiskPercent = 5.0
)

// TradingConfig holds the per-symbol trading parameters.
type TradingConfig struct {
	Symbol              string    `mapstructure:"symbol" json:"symbol"`
	Timeframe           Timeframe `mapstructure:"timeframe" json:"timeframe"`
	Volume              float64   `mapstructure:"volume" json:"volume"`
	RiskPercent         float64   `mapstructure:"risk_percent" json:"risk_percent"`
	MaxPositions        int       `mapstructure:"max_positions" json:"max_positions"`
	ConfidenceThreshold float64   `mapstructure:"confidence_threshold" json:"confidence_threshold"`
	SLPips              float64   `mapstructure:"sl_pips" json:"sl_pips"`
	TPPips              float64   `mapstructure:"tp_pips" json:"tp_pips"`
	MagicNumber         int64     `mapstructure:"magic_number" json:"magic_number"`
}

// DefaultTradingConfig returns the default parameters for symbol.
func DefaultTradingConfig(symbol string) TradingConfig {
	return TradingConfig{
		Symbol:              symbol,
		Timeframe:           TimeframeM15,
		Volume:              0.01,
		RiskPercent:         1.0,
		MaxPositions:        1,
		ConfidenceThreshold: 0.6,
		SLPips:              50,
		TPPips:              100,
		MagicNumber:         88888,
	}
}

// Validate checks the configuration for values the trader cannot act on.
func (c TradingConfig) Validate() error {
	if c.Symbol == "" {
		return apperrors.NewValidationError("symbol", c.Symbol, "symbol is required")
	}
	if !c.Timeframe.Valid() {
		return apperrors.NewValidationError("timeframe", c.Timeframe, "unknown timeframe")
	}
	if c.Volume <= 0 {
		return apperrors.NewValidationError("volume", c.Volume, "must be positive")
	}
	if c.RiskPercent < MinRiskPercent || c.RiskPercent > MaxRiskPercent {
		return apperrors.NewValidationError("risk_percent", c.RiskPercent, "must be between 0.1 and 5.0")
	}
	if c.MaxPositions < 1 {
		return apperrors.NewValidationError("max_positions", c.MaxPositions, "must be at least 1")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return apperrors.NewValidationError("confidence_threshold", c.ConfidenceThreshold, "must be between 0 and 1")
	}
	if c.SLPips <= 0 {
		return apperrors.NewValidationError("sl_pips", c.SLPips, "must be positive")
	}
	if c.TPPips <= 0 {
		return apperrors.NewValidationError("tp_pips", c.TPPips, "must be positive")
	}
	return nil
}

// TrackedPosition is a position opened by the trader and not yet reconciled.
type TrackedPosition struct {
	Ticket    int64
	Symbol    string
	Side      Side
	Volume    float64
	OpenPrice float64
	OpenTime  time.Time
}

// TradeStats accumulates per-symbol trading results.
type TradeStats struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalProfit   float64
}

// WinRate returns the percentage of trades that closed in profit.
func (s TradeStats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades) * 100
}

// Record attributes a closed trade's profit.
func (s *TradeStats) Record(profit float64) {
	s.TotalProfit += profit
	switch {
	case profit > 0:
		s.WinningTrades++
	case profit < 0:
		s.LosingTrades++
	}
}

// ClosedTrade is a reconciled position with its realised profit.
type ClosedTrade struct {
	Ticket    int64
	Symbol    string
	Side      Side
	Volume    float64
	OpenPrice float64
	OpenTime  time.Time
	CloseTime time.Time
	Profit    float64
}
