package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
)

// Venue is one exchange connector. Every method reports failures as
// *domain.ExchangeError.
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error)
	ClosePosition(ctx context.Context, symbol string, side domain.Side) (domain.ClosedPosition, error)
	LivePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Position(ctx context.Context, symbol string, side domain.Side) (domain.VenuePosition, error)
	FundingRate(ctx context.Context, symbol string) (domain.FundingRateQuote, error)
	TopOfBook(ctx context.Context, symbol string) (domain.TopOfBook, error)
}

// StopVenue is a Venue that can rest stop-loss/take-profit orders.
type StopVenue interface {
	PlaceStops(ctx context.Context, order domain.StopOrder) error
}

// Router implements ports.ExchangeGateway, ports.StopOrderPlacer and
// ports.MarketDataProvider by dispatching on the exchange name.
type Router struct {
	venues map[string]Venue
}

// NewRouter registers venues by their Name.
func NewRouter(venues ...Venue) *Router {
	r := &Router{venues: make(map[string]Venue, len(venues))}
	for _, v := range venues {
		r.venues[v.Name()] = v
	}
	return r
}

// Names returns the registered exchange names, sorted.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.venues))
	for name := range r.venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) venue(exchange, op string) (Venue, error) {
	v, ok := r.venues[exchange]
	if !ok {
		return nil, &domain.ExchangeError{Exchange: exchange, Op: op, Message: "exchange not configured"}
	}
	return v, nil
}

func (r *Router) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	v, err := r.venue(req.Exchange, "place_order")
	if err != nil {
		return domain.PlacedOrder{}, err
	}
	return v.PlaceOrder(ctx, req)
}

func (r *Router) ClosePosition(ctx context.Context, exchange, symbol string, side domain.Side) (domain.ClosedPosition, error) {
	v, err := r.venue(exchange, "close_position")
	if err != nil {
		return domain.ClosedPosition{}, err
	}
	return v.ClosePosition(ctx, symbol, side)
}

func (r *Router) GetLivePrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	v, err := r.venue(exchange, "live_price")
	if err != nil {
		return decimal.Zero, err
	}
	return v.LivePrice(ctx, symbol)
}

func (r *Router) QueryPosition(ctx context.Context, exchange, symbol string, side domain.Side) (domain.VenuePosition, error) {
	v, err := r.venue(exchange, "query_position")
	if err != nil {
		return domain.VenuePosition{}, err
	}
	return v.Position(ctx, symbol, side)
}

func (r *Router) PlaceStopOrders(ctx context.Context, order domain.StopOrder) error {
	v, err := r.venue(order.Exchange, "place_stops")
	if err != nil {
		return err
	}
	sv, ok := v.(StopVenue)
	if !ok {
		return &domain.ExchangeError{Exchange: order.Exchange, Op: "place_stops", Message: "stop orders not supported"}
	}
	return sv.PlaceStops(ctx, order)
}

func (r *Router) FundingRate(ctx context.Context, exchange, symbol string) (domain.FundingRateQuote, error) {
	v, err := r.venue(exchange, "funding_rate")
	if err != nil {
		return domain.FundingRateQuote{}, err
	}
	q, err := v.FundingRate(ctx, symbol)
	if err != nil {
		return domain.FundingRateQuote{}, err
	}
	if q.IntervalHours <= 0 {
		return domain.FundingRateQuote{}, fmt.Errorf("exchange.FundingRate %s %s: interval %dh: %w",
			exchange, symbol, q.IntervalHours, domain.ErrInvalidInterval)
	}
	return q, nil
}

func (r *Router) TopOfBook(ctx context.Context, exchange, symbol string) (domain.TopOfBook, error) {
	v, err := r.venue(exchange, "top_of_book")
	if err != nil {
		return domain.TopOfBook{}, err
	}
	return v.TopOfBook(ctx, symbol)
}
