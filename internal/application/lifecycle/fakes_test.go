package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/hedger/internal/adapters/storage"
	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGateway simulates two venues keyed by exchange name.
type fakeGateway struct {
	mu sync.Mutex

	prices    map[string]decimal.Decimal
	closePnl  map[string]decimal.Decimal
	placeErr  map[string]error
	closeErrs map[string][]error // consumed one per call; a nil entry succeeds
	block     map[string]bool    // PlaceOrder waits for ctx
	positions map[string]domain.VenuePosition
	queryErr  error

	calls []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		prices: map[string]decimal.Decimal{
			"bybit":   decimal.RequireFromString("100"),
			"binance": decimal.RequireFromString("101"),
		},
		closePnl:  map[string]decimal.Decimal{},
		placeErr:  map[string]error{},
		closeErrs: map[string][]error{},
		block:     map[string]bool{},
		positions: map[string]domain.VenuePosition{},
	}
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) count(call string) int {
	n := 0
	for _, c := range g.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	g.record("place:" + req.Exchange)
	g.mu.Lock()
	block, err, price := g.block[req.Exchange], g.placeErr[req.Exchange], g.prices[req.Exchange]
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.PlacedOrder{}, ctx.Err()
	}
	if err != nil {
		return domain.PlacedOrder{}, err
	}
	return domain.PlacedOrder{OrderID: "ord-" + req.Exchange, FillPrice: price, FilledQty: req.Quantity}, nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, exchange, _ string, _ domain.Side) (domain.ClosedPosition, error) {
	g.record("close:" + exchange)
	g.mu.Lock()
	defer g.mu.Unlock()
	if errs := g.closeErrs[exchange]; len(errs) > 0 {
		g.closeErrs[exchange] = errs[1:]
		if errs[0] != nil {
			return domain.ClosedPosition{}, errs[0]
		}
	}
	return domain.ClosedPosition{
		FillPrice:   g.prices[exchange],
		RealizedPnl: g.closePnl[exchange],
		Fees:        decimal.RequireFromString("0.5"),
	}, nil
}

func (g *fakeGateway) GetLivePrice(_ context.Context, exchange, _ string) (decimal.Decimal, error) {
	g.record("price:" + exchange)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prices[exchange], nil
}

func (g *fakeGateway) QueryPosition(_ context.Context, exchange, _ string, _ domain.Side) (domain.VenuePosition, error) {
	g.record("query:" + exchange)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return domain.VenuePosition{}, g.queryErr
	}
	return g.positions[exchange], nil
}

// stopGateway also rests stop orders.
type stopGateway struct {
	*fakeGateway
	stopMu sync.Mutex
	stops  []domain.StopOrder
	err    error
}

func (g *stopGateway) PlaceStopOrders(_ context.Context, o domain.StopOrder) error {
	g.stopMu.Lock()
	defer g.stopMu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.stops = append(g.stops, o)
	return nil
}

// recordingNotifier keeps every event it is told about.
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.PairEvent
}

func (n *recordingNotifier) NotifyTransition(_ context.Context, _ domain.PositionPair, ev domain.PairEvent) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

var errRejected = errors.New("order rejected: insufficient margin")

// flakyStore fails the first Save whose event message starts with failOn.
type flakyStore struct {
	*storage.MemoryStorage
	mu     sync.Mutex
	failOn string
	failed bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) Save(ctx context.Context, p domain.PositionPair, ev domain.PairEvent) error {
	s.mu.Lock()
	fail := !s.failed && strings.HasPrefix(ev.Message, s.failOn)
	if fail {
		s.failed = true
	}
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.MemoryStorage.Save(ctx, p, ev)
}

// orderedGateway holds the hedge close until the primary close has been
// submitted, recording the order closes reach the venue.
type orderedGateway struct {
	*fakeGateway
	hedge, primary  string
	primarySent     chan struct{}
	mu              sync.Mutex
	arrivals        []string
	hedgeSawPrimary bool
}

func (g *orderedGateway) ClosePosition(ctx context.Context, exchange, symbol string, side domain.Side) (domain.ClosedPosition, error) {
	g.mu.Lock()
	g.arrivals = append(g.arrivals, exchange)
	g.mu.Unlock()

	switch exchange {
	case g.primary:
		close(g.primarySent)
	case g.hedge:
		select {
		case <-g.primarySent:
			g.mu.Lock()
			g.hedgeSawPrimary = true
			g.mu.Unlock()
		case <-time.After(2 * time.Second):
			return domain.ClosedPosition{}, errors.New("primary close held back by hedge")
		}
	}
	return g.fakeGateway.ClosePosition(ctx, exchange, symbol, side)
}

func (g *orderedGateway) Arrivals() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.arrivals...)
}
