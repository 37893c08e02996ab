package exchange_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/hedger/internal/adapters/exchange"
	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaper() *exchange.PaperVenue {
	v := exchange.NewPaperVenue("paperx", d("0.001"), nil)
	v.SetPrice("BTCUSDT", d("100"))
	return v
}

func TestPaper_OpenAndCloseLong(t *testing.T) {
	ctx := context.Background()
	v := newPaper()

	placed, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("2"), Leverage: d("5")})
	require.NoError(t, err)
	assert.True(t, d("100").Equal(placed.FillPrice))
	assert.NotEmpty(t, placed.OrderID)

	pos, err := v.Position(ctx, "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.True(t, pos.Open)
	assert.True(t, d("2").Equal(pos.Quantity))

	v.SetPrice("BTCUSDT", d("110"))
	closed, err := v.ClosePosition(ctx, "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.True(t, d("20").Equal(closed.RealizedPnl), "got %s", closed.RealizedPnl)
	// 0.001 * (200 + 220)
	assert.True(t, d("0.42").Equal(closed.Fees), "got %s", closed.Fees)

	pos, err = v.Position(ctx, "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.False(t, pos.Open)
}

func TestPaper_ShortPnL(t *testing.T) {
	ctx := context.Background()
	v := newPaper()
	_, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideShort, Quantity: d("1"), Leverage: d("1")})
	require.NoError(t, err)

	v.SetPrice("BTCUSDT", d("95"))
	closed, err := v.ClosePosition(ctx, "BTCUSDT", domain.SideShort)
	require.NoError(t, err)
	assert.True(t, d("5").Equal(closed.RealizedPnl))
}

func TestPaper_AveragesEntry(t *testing.T) {
	ctx := context.Background()
	v := newPaper()
	_, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"), Leverage: d("1")})
	require.NoError(t, err)
	v.SetPrice("BTCUSDT", d("110"))
	_, err = v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"), Leverage: d("1")})
	require.NoError(t, err)

	pos, err := v.Position(ctx, "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.True(t, d("105").Equal(pos.EntryPrice))
}

func TestPaper_CloseWithoutPosition(t *testing.T) {
	_, err := newPaper().ClosePosition(context.Background(), "BTCUSDT", domain.SideLong)
	var xerr *domain.ExchangeError
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, "close_position", xerr.Op)
}

func TestPaper_NoPrice(t *testing.T) {
	_, err := newPaper().PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: d("1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price")
}

func TestPaper_FailNextIsOneShot(t *testing.T) {
	ctx := context.Background()
	v := newPaper()
	v.FailNext("place_order", "rejected: margin")

	_, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected: margin")

	_, err = v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1")})
	require.NoError(t, err)
}

func TestPaper_StopsRequirePositionAndClearOnClose(t *testing.T) {
	ctx := context.Background()
	v := newPaper()
	stop := domain.StopOrder{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"), StopLoss: d("90"), TakeProfit: d("120")}
	require.Error(t, v.PlaceStops(ctx, stop))

	_, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1")})
	require.NoError(t, err)
	require.NoError(t, v.PlaceStops(ctx, stop))
	got, ok := v.Stops("BTCUSDT", domain.SideLong)
	require.True(t, ok)
	assert.True(t, d("90").Equal(got.StopLoss))

	_, err = v.ClosePosition(ctx, "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	_, ok = v.Stops("BTCUSDT", domain.SideLong)
	assert.False(t, ok)
}

type stubSource struct {
	exchange.Venue
	price decimal.Decimal
}

func (s stubSource) LivePrice(context.Context, string) (decimal.Decimal, error) { return s.price, nil }

func (s stubSource) FundingRate(_ context.Context, symbol string) (domain.FundingRateQuote, error) {
	return domain.FundingRateQuote{Exchange: "real", Symbol: symbol, Rate: d("0.0003"), IntervalHours: 8}, nil
}

func TestPaper_UsesMarketSource(t *testing.T) {
	v := exchange.NewPaperVenue("bybit", decimal.Zero, stubSource{price: d("250")})

	price, err := v.LivePrice(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.True(t, d("250").Equal(price))

	q, err := v.FundingRate(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "bybit", q.Exchange, "quotes are relabelled with the paper venue name")

	v.SetPrice("SOLUSDT", d("260"))
	price, err = v.LivePrice(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.True(t, d("260").Equal(price), "SetPrice overrides the source")
}
