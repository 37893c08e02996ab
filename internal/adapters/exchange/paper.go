package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperVenue simulates a venue in-process: market orders fill at the current
// mark price and pay FeeRate of notional on entry and exit. Prices come from
// SetPrice, or from the optional market source (a real venue used read-only).
type PaperVenue struct {
	name    string
	feeRate decimal.Decimal
	source  Venue

	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	funding   map[string]domain.FundingRateQuote
	books     map[string]domain.TopOfBook
	positions map[positionKey]paperPosition
	stops     map[positionKey]domain.StopOrder
	failures  map[string]string
}

type positionKey struct {
	symbol string
	side   domain.Side
}

type paperPosition struct {
	qty   decimal.Decimal
	entry decimal.Decimal
	fees  decimal.Decimal
}

// NewPaperVenue creates a PaperVenue. source may be nil.
func NewPaperVenue(name string, feeRate decimal.Decimal, source Venue) *PaperVenue {
	return &PaperVenue{
		name:      name,
		feeRate:   feeRate,
		source:    source,
		prices:    make(map[string]decimal.Decimal),
		funding:   make(map[string]domain.FundingRateQuote),
		books:     make(map[string]domain.TopOfBook),
		positions: make(map[positionKey]paperPosition),
		stops:     make(map[positionKey]domain.StopOrder),
		failures:  make(map[string]string),
	}
}

func (v *PaperVenue) Name() string { return v.name }

// SetPrice sets the mark price for symbol.
func (v *PaperVenue) SetPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	v.prices[symbol] = price
	v.mu.Unlock()
}

// SetFunding sets the funding quote for symbol.
func (v *PaperVenue) SetFunding(symbol string, rate decimal.Decimal, intervalHours int) {
	v.mu.Lock()
	v.funding[symbol] = domain.FundingRateQuote{Exchange: v.name, Symbol: symbol, Rate: rate, IntervalHours: intervalHours}
	v.mu.Unlock()
}

// SetBook sets the top of book for symbol.
func (v *PaperVenue) SetBook(symbol string, book domain.TopOfBook) {
	v.mu.Lock()
	v.books[symbol] = book
	v.mu.Unlock()
}

// FailNext makes the next call of op fail with message. op is one of
// place_order, close_position, live_price, query_position, place_stops.
func (v *PaperVenue) FailNext(op, message string) {
	v.mu.Lock()
	v.failures[op] = message
	v.mu.Unlock()
}

// Stops returns the protective orders resting for symbol/side.
func (v *PaperVenue) Stops(symbol string, side domain.Side) (domain.StopOrder, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.stops[positionKey{symbol, side}]
	return s, ok
}

func (v *PaperVenue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	if !req.Quantity.IsPositive() {
		return domain.PlacedOrder{}, v.errorf("place_order", "quantity must be positive, got %s", req.Quantity)
	}
	price, err := v.mark(ctx, "place_order", req.Symbol)
	if err != nil {
		return domain.PlacedOrder{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("place_order"); err != nil {
		return domain.PlacedOrder{}, err
	}

	key := positionKey{req.Symbol, req.Side}
	fee := price.Mul(req.Quantity).Mul(v.feeRate)
	pos := v.positions[key]
	if pos.qty.IsPositive() {
		// Quantity-weighted average entry.
		total := pos.qty.Add(req.Quantity)
		pos.entry = pos.entry.Mul(pos.qty).Add(price.Mul(req.Quantity)).Div(total)
		pos.qty = total
	} else {
		pos = paperPosition{qty: req.Quantity, entry: price}
	}
	pos.fees = pos.fees.Add(fee)
	v.positions[key] = pos

	orderID := "paper-" + uuid.NewString()
	slog.Debug("exchange: paper fill", "exchange", v.name, "symbol", req.Symbol, "side", req.Side,
		"qty", req.Quantity, "price", price, "client_id", req.ClientID)
	return domain.PlacedOrder{OrderID: orderID, FillPrice: price, FilledQty: req.Quantity}, nil
}

func (v *PaperVenue) ClosePosition(ctx context.Context, symbol string, side domain.Side) (domain.ClosedPosition, error) {
	price, err := v.mark(ctx, "close_position", symbol)
	if err != nil {
		return domain.ClosedPosition{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("close_position"); err != nil {
		return domain.ClosedPosition{}, err
	}

	key := positionKey{symbol, side}
	pos, ok := v.positions[key]
	if !ok {
		return domain.ClosedPosition{}, v.errorf("close_position", "no open %s position on %s", side, symbol)
	}
	delete(v.positions, key)
	delete(v.stops, key)

	fees := pos.fees.Add(price.Mul(pos.qty).Mul(v.feeRate))
	return domain.ClosedPosition{
		FillPrice:   price,
		RealizedPnl: domain.LegPnL(side, pos.entry, price, pos.qty),
		Fees:        fees,
	}, nil
}

func (v *PaperVenue) LivePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := v.mark(ctx, "live_price", symbol)
	if err != nil {
		return decimal.Zero, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("live_price"); err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func (v *PaperVenue) Position(ctx context.Context, symbol string, side domain.Side) (domain.VenuePosition, error) {
	if err := ctx.Err(); err != nil {
		return domain.VenuePosition{}, v.errorf("query_position", "%v", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("query_position"); err != nil {
		return domain.VenuePosition{}, err
	}
	pos, ok := v.positions[positionKey{symbol, side}]
	if !ok {
		return domain.VenuePosition{}, nil
	}
	return domain.VenuePosition{Open: true, Quantity: pos.qty, EntryPrice: pos.entry}, nil
}

func (v *PaperVenue) PlaceStops(_ context.Context, order domain.StopOrder) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.injected("place_stops"); err != nil {
		return err
	}
	key := positionKey{order.Symbol, order.Side}
	if _, ok := v.positions[key]; !ok {
		return v.errorf("place_stops", "no open %s position on %s", order.Side, order.Symbol)
	}
	v.stops[key] = order
	return nil
}

func (v *PaperVenue) FundingRate(ctx context.Context, symbol string) (domain.FundingRateQuote, error) {
	v.mu.Lock()
	q, ok := v.funding[symbol]
	v.mu.Unlock()
	if ok {
		return q, nil
	}
	if v.source != nil {
		q, err := v.source.FundingRate(ctx, symbol)
		if err != nil {
			return domain.FundingRateQuote{}, err
		}
		q.Exchange = v.name
		return q, nil
	}
	return domain.FundingRateQuote{}, v.errorf("funding_rate", "no funding quote for %s", symbol)
}

func (v *PaperVenue) TopOfBook(ctx context.Context, symbol string) (domain.TopOfBook, error) {
	v.mu.Lock()
	b, ok := v.books[symbol]
	v.mu.Unlock()
	if ok {
		return b, nil
	}
	if v.source != nil {
		return v.source.TopOfBook(ctx, symbol)
	}
	return domain.TopOfBook{}, v.errorf("top_of_book", "no book for %s", symbol)
}

// mark returns the simulated mark price, preferring SetPrice over the source.
func (v *PaperVenue) mark(ctx context.Context, op, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, v.errorf(op, "%v", err)
	}
	v.mu.Lock()
	price, ok := v.prices[symbol]
	v.mu.Unlock()
	if !ok && v.source != nil {
		p, err := v.source.LivePrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		price, ok = p, true
	}
	if !ok || !price.IsPositive() {
		return decimal.Zero, v.errorf(op, "no price for %s", symbol)
	}
	return price, nil
}

// injected consumes a pending FailNext for op. Caller holds mu.
func (v *PaperVenue) injected(op string) error {
	msg, ok := v.failures[op]
	if !ok {
		return nil
	}
	delete(v.failures, op)
	return &domain.ExchangeError{Exchange: v.name, Op: op, Message: msg}
}

func (v *PaperVenue) errorf(op, format string, args ...any) error {
	return &domain.ExchangeError{Exchange: v.name, Op: op, Message: fmt.Sprintf(format, args...)}
}
