package ports

import (
	"context"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
)

// ExchangeGateway is the uniform place/close/query capability every venue
// connector adapts to. Failures are reported as *domain.ExchangeError.
type ExchangeGateway interface {
	// PlaceOrder opens a leg at market and returns its fill.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error)

	// ClosePosition flattens the symbol/side position on exchange.
	ClosePosition(ctx context.Context, exchange, symbol string, side domain.Side) (domain.ClosedPosition, error)

	// GetLivePrice returns the current mark price.
	GetLivePrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)

	// QueryPosition reports whether a position is open. Used to reconcile
	// pairs left in OPENING/CLOSING after a restart.
	QueryPosition(ctx context.Context, exchange, symbol string, side domain.Side) (domain.VenuePosition, error)
}

// StopOrderPlacer is implemented by gateways that can rest protective
// stop-loss/take-profit orders on the venue.
type StopOrderPlacer interface {
	PlaceStopOrders(ctx context.Context, order domain.StopOrder) error
}

// MarketDataProvider supplies the inputs opportunity feeds score candidates with.
type MarketDataProvider interface {
	FundingRate(ctx context.Context, exchange, symbol string) (domain.FundingRateQuote, error)
	TopOfBook(ctx context.Context, exchange, symbol string) (domain.TopOfBook, error)
}
