// Package models provides domain models for the trading connector.
package models

import (
	"strings"
	"time"

	apperrors "trade-connector/internal/errors"
)

// Side represents the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the two order directions.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide parses a side case-insensitively.
func ParseSide(v string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(v))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", apperrors.Wrapf(apperrors.ErrInvalidSide, "%q", v)
}

// Signal is the directional output of a prediction.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Side maps a tradable signal to an order side. HOLD has no side.
func (s Signal) Side() (Side, bool) {
	switch s {
	case SignalBuy:
		return SideBuy, true
	case SignalSell:
		return SideSell, true
	}
	return "", false
}

// Timeframe identifies a bar period understood by the broker.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TimeframeM1:  time.Minute,
	TimeframeM5:  5 * time.Minute,
	TimeframeM15: 15 * time.Minute,
	TimeframeM30: 30 * time.Minute,
	TimeframeH1:  time.Hour,
	TimeframeH4:  4 * time.Hour,
	TimeframeD1:  24 * time.Hour,
	TimeframeW1:  7 * 24 * time.Hour,
}

// Duration returns the bar length, or zero for an unknown timeframe.
func (t Timeframe) Duration() time.Duration {
	return timeframeDurations[t]
}

// Valid reports whether t is a known timeframe.
func (t Timeframe) Valid() bool {
	_, ok := timeframeDurations[t]
	return ok
}

// Bar represents OHLCV data for a time period.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"tick_volume"`
}

// Position is an open position as reported by the broker.
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"type"`
	Volume       float64   `json:"volume"`
	PriceOpen    float64   `json:"price_open"`
	PriceCurrent float64   `json:"price_current"`
	SL           float64   `json:"sl"`
	TP           float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Magic        int64     `json:"magic"`
	Comment      string    `json:"comment"`
	Time         time.Time `json:"time"`
}

// DealEntry distinguishes opening deals from closing deals.
type DealEntry string

const (
	DealEntryIn  DealEntry = "IN"
	DealEntryOut DealEntry = "OUT"
)

// Deal is a historical execution. PositionID links it to the position ticket.
type Deal struct {
	Ticket     int64     `json:"ticket"`
	PositionID int64     `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"type"`
	Entry      DealEntry `json:"entry"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Magic      int64     `json:"magic"`
	Time       time.Time `json:"time"`
}

// AccountInfo summarises the trading account.
type AccountInfo struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"margin_free"`
	Currency   string  `json:"currency"`
	Leverage   int     `json:"leverage"`
}

// OrderRequest is a market order submission. Zero SL or TP means none.
type OrderRequest struct {
	Symbol  string  `json:"symbol"`
	Side    Side    `json:"type"`
	Volume  float64 `json:"volume"`
	SL      float64 `json:"sl,omitempty"`
	TP      float64 `json:"tp,omitempty"`
	Magic   int64   `json:"magic"`
	Comment string  `json:"comment"`
}
