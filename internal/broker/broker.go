// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"trade-connector/internal/models"
)

// Client is the trading terminal as seen by the trader. Every blocking call
// takes a context and should return promptly once it is done.
type Client interface {
	// Market Data
	GetOHLC(ctx context.Context, symbol string, timeframe models.Timeframe, count int) ([]models.Bar, error)

	// Positions & History
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetHistory(ctx context.Context, from, to time.Time) ([]models.Deal, error)

	// Orders
	OpenPosition(ctx context.Context, req models.OrderRequest) (int64, error)
	ClosePosition(ctx context.Context, ticket int64) error

	// Account
	GetAccountInfo(ctx context.Context) (*models.AccountInfo, error)

	// Connection
	IsConnected() bool
	CheckConnection(ctx context.Context) bool
}

// ClosingDeal returns the deal that closed position ticket, if any.
func ClosingDeal(deals []models.Deal, ticket int64) (models.Deal, bool) {
	for i := len(deals) - 1; i >= 0; i-- {
		d := deals[i]
		if d.PositionID == ticket && d.Entry == models.DealEntryOut {
			return d, true
		}
	}
	return models.Deal{}, false
}
