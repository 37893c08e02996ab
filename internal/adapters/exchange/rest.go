package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec = 10
	defaultBurst      = 5

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// RESTConfig configures one REST venue.
type RESTConfig struct {
	Name       string
	BaseURL    string
	APIKey     string
	RatePerSec float64
	Timeout    time.Duration
	RetryWait  time.Duration // base backoff for reads
	Signer     *WalletSigner // optional, for wallet-authenticated venues
}

// RESTVenue talks to a perpetual-futures venue over JSON/HTTP.
//
// Reads (ticker, positions, funding, book) are retried with exponential
// backoff on transport errors, 429 and 5xx. Order placement and closes are
// sent once: a lost response must be resolved by QueryPosition, never by a
// blind resend.
type RESTVenue struct {
	name      string
	base      string
	apiKey    string
	http      *http.Client
	limiter   *rate.Limiter
	retryWait time.Duration
	signer    *WalletSigner
}

// NewRESTVenue creates a RESTVenue.
func NewRESTVenue(cfg RESTConfig) *RESTVenue {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = baseRetryWait
	}
	return &RESTVenue{
		name:      cfg.Name,
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), defaultBurst),
		retryWait: retryWait,
		signer:    cfg.Signer,
	}
}

func (v *RESTVenue) Name() string { return v.name }

type orderBody struct {
	ClientID string          `json:"client_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	Leverage decimal.Decimal `json:"leverage"`
}

type orderResponse struct {
	OrderID   string          `json:"order_id"`
	FillPrice decimal.Decimal `json:"fill_price"`
	FilledQty decimal.Decimal `json:"filled_qty"`
}

type closeBody struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
}

type closeResponse struct {
	FillPrice   decimal.Decimal `json:"fill_price"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
}

type tickerResponse struct {
	Symbol    string          `json:"symbol"`
	MarkPrice decimal.Decimal `json:"mark_price"`
}

type positionResponse struct {
	Open       bool            `json:"open"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

type stopBody struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

type fundingResponse struct {
	Symbol        string          `json:"symbol"`
	Rate          decimal.Decimal `json:"rate"`
	IntervalHours int             `json:"interval_hours"`
}

type bookResponse struct {
	BidPrice float64 `json:"bid_price,string"`
	BidSize  float64 `json:"bid_size,string"`
	AskPrice float64 `json:"ask_price,string"`
	AskSize  float64 `json:"ask_size,string"`
}

// PlaceOrder sends a market order. An empty ClientID gets a fresh UUID so
// the venue can deduplicate.
func (v *RESTVenue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	body := orderBody{
		ClientID: clientID,
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Type:     "market",
		Quantity: req.Quantity,
		Leverage: req.Leverage,
	}
	var resp orderResponse
	if err := v.post(ctx, "/v1/orders", body, &resp); err != nil {
		return domain.PlacedOrder{}, v.fail("place_order", err)
	}
	if !resp.FillPrice.IsPositive() {
		return domain.PlacedOrder{}, v.fail("place_order", fmt.Errorf("no fill price in response for %s", resp.OrderID))
	}
	slog.Debug("exchange: order filled", "exchange", v.name, "symbol", req.Symbol, "side", req.Side,
		"order_id", resp.OrderID, "fill_price", resp.FillPrice)
	return domain.PlacedOrder{OrderID: resp.OrderID, FillPrice: resp.FillPrice, FilledQty: resp.FilledQty}, nil
}

func (v *RESTVenue) ClosePosition(ctx context.Context, symbol string, side domain.Side) (domain.ClosedPosition, error) {
	var resp closeResponse
	if err := v.post(ctx, "/v1/positions/close", closeBody{Symbol: symbol, Side: string(side)}, &resp); err != nil {
		return domain.ClosedPosition{}, v.fail("close_position", err)
	}
	return domain.ClosedPosition{FillPrice: resp.FillPrice, RealizedPnl: resp.RealizedPnl, Fees: resp.Fees}, nil
}

func (v *RESTVenue) LivePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp tickerResponse
	if err := v.get(ctx, "/v1/ticker", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return decimal.Zero, v.fail("live_price", err)
	}
	if !resp.MarkPrice.IsPositive() {
		return decimal.Zero, v.fail("live_price", fmt.Errorf("non-positive mark price %s", resp.MarkPrice))
	}
	return resp.MarkPrice, nil
}

func (v *RESTVenue) Position(ctx context.Context, symbol string, side domain.Side) (domain.VenuePosition, error) {
	var resp positionResponse
	q := url.Values{"symbol": {symbol}, "side": {string(side)}}
	if err := v.get(ctx, "/v1/positions", q, &resp); err != nil {
		return domain.VenuePosition{}, v.fail("query_position", err)
	}
	return domain.VenuePosition{
		Open:       resp.Open && resp.Quantity.IsPositive(),
		Quantity:   resp.Quantity,
		EntryPrice: resp.EntryPrice,
	}, nil
}

func (v *RESTVenue) PlaceStops(ctx context.Context, order domain.StopOrder) error {
	body := stopBody{
		Symbol:     order.Symbol,
		Side:       string(order.Side),
		Quantity:   order.Quantity,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
	}
	if err := v.post(ctx, "/v1/orders/stop", body, nil); err != nil {
		return v.fail("place_stops", err)
	}
	return nil
}

func (v *RESTVenue) FundingRate(ctx context.Context, symbol string) (domain.FundingRateQuote, error) {
	var resp fundingResponse
	if err := v.get(ctx, "/v1/funding", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return domain.FundingRateQuote{}, v.fail("funding_rate", err)
	}
	return domain.FundingRateQuote{
		Exchange:      v.name,
		Symbol:        symbol,
		Rate:          resp.Rate,
		IntervalHours: resp.IntervalHours,
	}, nil
}

func (v *RESTVenue) TopOfBook(ctx context.Context, symbol string) (domain.TopOfBook, error) {
	var resp bookResponse
	if err := v.get(ctx, "/v1/book", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return domain.TopOfBook{}, v.fail("top_of_book", err)
	}
	return domain.TopOfBook{
		BidPrice: resp.BidPrice,
		BidSize:  resp.BidSize,
		AskPrice: resp.AskPrice,
		AskSize:  resp.AskSize,
	}, nil
}

// fail converts any request error into the single ExchangeError shape.
func (v *RESTVenue) fail(op string, err error) error {
	msg := err.Error()
	var timeout interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &timeout) && timeout.Timeout()) {
		msg = "timeout: " + msg
	}
	return &domain.ExchangeError{Exchange: v.name, Op: op, Message: msg}
}

func (v *RESTVenue) get(ctx context.Context, path string, q url.Values, out any) error {
	u := v.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return v.doWithRetry(ctx, maxRetries, nil, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, out)
}

// post is never retried.
func (v *RESTVenue) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return v.doWithRetry(ctx, 0, b, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.base+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

// doWithRetry runs the request with exponential backoff, up to retries
// extra attempts. Signatures are regenerated per attempt so the timestamp
// stays fresh.
func (v *RESTVenue) doWithRetry(ctx context.Context, retries int, body []byte, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := v.sleep(ctx, attempt-1); err != nil {
				return err
			}
		}
		if err := v.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := build()
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if v.apiKey != "" {
			req.Header.Set("X-API-KEY", v.apiKey)
		}
		if v.signer != nil {
			if err := v.signer.Sign(req, body); err != nil {
				return err
			}
		}

		resp, err := v.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error %d", resp.StatusCode)
			slog.Warn("exchange: retryable response", "exchange", v.name, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		defer resp.Body.Close()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	if retries == 0 {
		return lastErr
	}
	return fmt.Errorf("request failed after %d retries: %w", retries, lastErr)
}

// sleep waits with exponential backoff, respecting the context.
func (v *RESTVenue) sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * v.retryWait
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
