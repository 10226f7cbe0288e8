// Package risk provides position sizing and stop loss / take profit math.
//
// All functions are pure. Symbol classification is a case-insensitive
// substring match checked in a fixed order: crypto, then metals, then JPY
// crosses, then standard forex.
package risk

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
)

// MinLotSize is the smallest volume accepted by most brokers.
const MinLotSize = 0.01

// contractSize is the notional of one standard forex lot.
const contractSize = 100000

var (
	cryptoTokens = []string{"BTC", "ETH", "LTC", "XRP"}
	metalTokens  = []string{"XAU", "GOLD", "XAG", "SILVER"}
)

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// PipSize returns the price increment of one pip for symbol.
func PipSize(symbol string) float64 {
	s := strings.ToUpper(symbol)
	switch {
	case containsAny(s, cryptoTokens):
		return 1.0
	case containsAny(s, metalTokens):
		return 0.1
	case strings.Contains(s, "JPY"):
		return 0.01
	default:
		return 0.0001
	}
}

// PipValue returns the account-currency value of one pip per lot.
func PipValue(symbol string) float64 {
	s := strings.ToUpper(symbol)
	switch {
	case strings.Contains(s, "BTC"):
		return 1.0
	case strings.Contains(s, "XAU"), strings.Contains(s, "GOLD"):
		return 10.0
	default:
		return PipSize(symbol) * contractSize
	}
}

func invalid(v float64) bool {
	return v <= 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

// CalculateLotSize sizes a position so that hitting the stop loses
// riskPercent of balance. The result is rounded to two decimals and never
// below MinLotSize. Non-positive inputs yield MinLotSize.
func CalculateLotSize(balance, riskPercent, slPips, pipValue float64) float64 {
	if invalid(balance) || invalid(slPips) || invalid(pipValue) || math.IsNaN(riskPercent) || math.IsInf(riskPercent, 0) {
		return MinLotSize
	}

	riskAmount := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPercent)).Div(decimal.NewFromInt(100))
	perLot := decimal.NewFromFloat(slPips).Mul(decimal.NewFromFloat(pipValue))
	lot := riskAmount.Div(perLot).Round(2)

	if lot.LessThan(decimal.NewFromFloat(MinLotSize)) {
		return MinLotSize
	}
	f, _ := lot.Float64()
	return f
}

// CalculateSLTP returns stop loss and take profit prices for an entry.
// A buy has its stop below the entry; a sell has it above.
func CalculateSLTP(entry float64, side models.Side, slPips, tpPips, pipSize float64) (sl, tp float64, err error) {
	slDist := slPips * pipSize
	tpDist := tpPips * pipSize

	switch side {
	case models.SideBuy:
		return entry - slDist, entry + tpDist, nil
	case models.SideSell:
		return entry + slDist, entry - tpDist, nil
	default:
		return 0, 0, apperrors.Wrapf(apperrors.ErrInvalidSide, "%q", side)
	}
}

// ValidateRiskPercent reports whether v is an accepted per-trade risk.
func ValidateRiskPercent(v float64) bool {
	return v >= models.MinRiskPercent && v <= models.MaxRiskPercent
}

// ValidatePositionLimit reports whether another position may be opened.
func ValidatePositionLimit(current, max int) bool {
	return current < max
}
