package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/hedger/internal/adapters/storage"
	"github.com/alejandrodnm/hedger/internal/application/lifecycle"
	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	gw       *fakeGateway
	store    *storage.MemoryStorage
	clock    *fakeClock
	notifier *recordingNotifier
	mgr      *lifecycle.Manager
}

func newHarness(t *testing.T, cfg lifecycle.Config) *harness {
	t.Helper()
	h := &harness{
		gw:       newFakeGateway(),
		store:    storage.NewMemoryStorage(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = time.Millisecond
	}
	h.mgr = lifecycle.New(h.gw, h.store, h.clock, h.notifier, cfg)
	return h
}

func newPair() domain.PositionPair {
	return domain.PositionPair{
		Symbol:  "BTCUSDT",
		Primary: domain.Leg{Exchange: "bybit", Symbol: "BTCUSDT", Side: domain.SideLong, Leverage: d("5"), Quantity: d("0.1")},
		Hedge:   domain.Leg{Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideShort, Leverage: d("5"), Quantity: d("0.1")},
	}
}

func (h *harness) planned(t *testing.T) domain.PositionPair {
	t.Helper()
	p, err := h.mgr.Plan(context.Background(), newPair())
	require.NoError(t, err)
	return p
}

func (h *harness) active(t *testing.T) domain.PositionPair {
	t.Helper()
	p, err := h.mgr.Open(context.Background(), h.planned(t).ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, p.Status)
	return p
}

// --- Plan ---

func TestPlan_AssignsIDAndPersists(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.planned(t)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.StatusPlanned, p.Status)
	assert.Equal(t, domain.LegStatusPlanned, p.Primary.Status())
	assert.Equal(t, h.clock.Now(), p.CreatedAt)

	stored, err := h.store.Load(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, stored.Status)
	assert.Empty(t, h.gw.Calls(), "planning never touches an exchange")
}

func TestPlan_Validation(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	ctx := context.Background()

	sameSide := newPair()
	sameSide.Hedge.Side = domain.SideLong
	_, err := h.mgr.Plan(ctx, sameSide)
	assert.ErrorIs(t, err, domain.ErrInvalidHedgeConfiguration)

	sameVenue := newPair()
	sameVenue.Hedge.Exchange = "bybit"
	_, err = h.mgr.Plan(ctx, sameVenue)
	assert.ErrorIs(t, err, domain.ErrInvalidHedgeConfiguration)

	noLeverage := newPair()
	noLeverage.Primary.Leverage = decimal.Zero
	_, err = h.mgr.Plan(ctx, noLeverage)
	assert.ErrorIs(t, err, domain.ErrInvalidLeverage)

	noQty := newPair()
	noQty.Hedge.Quantity = d("-1")
	_, err = h.mgr.Plan(ctx, noQty)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	all, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "validation errors never reach persisted state")
}

// --- Open ---

func TestOpen_BothLegsActive(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)

	assert.Equal(t, []string{"place:bybit", "place:binance"}, h.gw.Calls(), "primary first, then hedge")
	assert.Equal(t, domain.LegStatusOpen, p.Primary.Status())
	assert.Equal(t, domain.LegStatusOpen, p.Hedge.Status())
	require.NotNil(t, p.OpenedAt)
	assert.True(t, d("1").Equal(p.EntrySpread), "entry spread %s", p.EntrySpread)

	entry, ok := p.Primary.Entry()
	require.True(t, ok)
	assert.Equal(t, "ord-bybit", entry.OrderID)
	assert.True(t, d("100").Equal(entry.EntryPrice))

	stored, err := h.store.Load(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
}

func TestOpen_NeverPersistsActiveWithOneLeg(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)

	events, err := h.store.Events(context.Background(), p.ID)
	require.NoError(t, err)
	var statuses []domain.PairStatus
	for _, ev := range events {
		statuses = append(statuses, ev.To)
	}
	assert.Equal(t, []domain.PairStatus{
		domain.StatusPlanned, domain.StatusOpening, domain.StatusOpening, domain.StatusActive,
	}, statuses)
	assert.Len(t, h.notifier.events, len(events))
}

func TestOpen_PrimaryFails(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	h.gw.placeErr["bybit"] = errRejected

	p, err := h.mgr.Open(context.Background(), h.planned(t).ID)
	require.Error(t, err)

	assert.Equal(t, domain.StagePrimaryOpenFailed, domain.StageOf(err))
	var exErr *domain.ExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, "bybit", exErr.Exchange)

	assert.Equal(t, domain.StatusError, p.Status)
	assert.Equal(t, domain.StagePrimaryOpenFailed, p.ErrorStage)
	assert.Contains(t, p.ErrorMessage, "insufficient margin")
	assert.Equal(t, []string{"place:bybit"}, h.gw.Calls(), "no hedge order after primary failure")
}

func TestOpen_HedgeFails_CompensatingCloseSucceeds(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	h.gw.placeErr["binance"] = errRejected
	h.gw.closePnl["bybit"] = d("-0.2")

	p, err := h.mgr.Open(context.Background(), h.planned(t).ID)
	require.Error(t, err)

	assert.Equal(t, domain.StageHedgeOpenFailed, domain.StageOf(err))
	assert.Equal(t, domain.StatusError, p.Status)
	assert.Equal(t, domain.StageHedgeOpenFailed, p.ErrorStage)
	assert.Equal(t, []string{"place:bybit", "place:binance", "close:bybit"}, h.gw.Calls())

	closed, ok := p.Primary.State.(domain.LegClosed)
	require.True(t, ok, "primary shows the compensating close, got %T", p.Primary.State)
	assert.True(t, d("100").Equal(closed.ExitPrice))
	assert.Equal(t, domain.LegStatusFailed, p.Hedge.Status())
	assert.True(t, d("-0.7").Equal(p.RealizedPnl), "pnl %s", p.RealizedPnl)

	events, err := h.store.Events(context.Background(), p.ID)
	require.NoError(t, err)
	var sawClosing bool
	for _, ev := range events {
		if ev.Stage == domain.StageHedgeOpenFailed && ev.To == domain.StatusOpening {
			sawClosing = true
		}
	}
	assert.True(t, sawClosing, "compensating close persisted before it was sent")
}

func TestOpen_LostCheckpointStillCompensates(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	store := &flakyStore{MemoryStorage: h.store, failOn: "compensating close"}
	mgr := lifecycle.New(h.gw, store, h.clock, nil, lifecycle.Config{RetryWait: time.Millisecond})
	ctx := context.Background()

	planned, err := mgr.Plan(ctx, newPair())
	require.NoError(t, err)
	h.gw.placeErr["binance"] = errRejected

	p, err := mgr.Open(ctx, planned.ID)
	require.Error(t, err)
	assert.Equal(t, domain.StageHedgeOpenFailed, domain.StageOf(err))
	assert.Equal(t, []string{"place:bybit", "place:binance", "close:bybit"}, h.gw.Calls())
	assert.Equal(t, domain.StatusError, p.Status)
	assert.Equal(t, domain.LegStatusClosed, p.Primary.Status())

	stored, err := store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status, "final outcome is persisted")
}

func TestOpen_LostCheckpointStillOpensHedge(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	store := &flakyStore{MemoryStorage: h.store, failOn: "primary leg open"}
	mgr := lifecycle.New(h.gw, store, h.clock, nil, lifecycle.Config{RetryWait: time.Millisecond})
	ctx := context.Background()

	planned, err := mgr.Plan(ctx, newPair())
	require.NoError(t, err)

	p, err := mgr.Open(ctx, planned.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, p.Status)
	assert.Equal(t, []string{"place:bybit", "place:binance"}, h.gw.Calls())

	stored, err := store.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
}

func TestOpen_HedgeFails_CompensationFailsIsPartial(t *testing.T) {
	h := newHarness(t, lifecycle.Config{CloseRetries: 1})
	h.gw.placeErr["binance"] = errRejected
	h.gw.closeErrs["bybit"] = []error{errors.New("venue down"), errors.New("venue down")}

	p, err := h.mgr.Open(context.Background(), h.planned(t).ID)
	require.Error(t, err)

	assert.Equal(t, domain.StatusPartial, p.Status)
	assert.Equal(t, domain.StageHedgeOpenFailed, p.ErrorStage)
	assert.Contains(t, p.ErrorMessage, "insufficient margin")
	assert.Contains(t, p.ErrorMessage, "venue down")
	assert.Equal(t, 2, h.gw.count("close:bybit"))

	failed, ok := p.Primary.State.(domain.LegFailed)
	require.True(t, ok)
	assert.Equal(t, domain.StagePrimaryCloseFailed, failed.Stage)
	require.NotNil(t, failed.Entry, "the open position is still known")
}

func TestOpen_TimeoutIsExchangeFailure(t *testing.T) {
	h := newHarness(t, lifecycle.Config{CallTimeout: 20 * time.Millisecond})
	h.gw.block["bybit"] = true

	p, err := h.mgr.Open(context.Background(), h.planned(t).ID)
	require.Error(t, err)

	assert.Equal(t, domain.StatusError, p.Status)
	assert.Equal(t, domain.StagePrimaryOpenFailed, p.ErrorStage)
	var exErr *domain.ExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Contains(t, exErr.Message, "timeout")
}

func TestOpen_RequiresPlanned(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)

	_, err := h.mgr.Open(context.Background(), p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.mgr.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrPairNotFound)
}

func TestOpen_PlacesSynchronizedStops(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	sg := &stopGateway{fakeGateway: h.gw}
	h.mgr = lifecycle.New(sg, h.store, h.clock, nil, lifecycle.Config{})

	h.active(t)

	require.Len(t, sg.stops, 2)
	primary, hedge := sg.stops[0], sg.stops[1]
	assert.Equal(t, "bybit", primary.Exchange)
	assert.Equal(t, "binance", hedge.Exchange)
	assert.True(t, primary.TakeProfit.Equal(hedge.StopLoss))
	assert.True(t, hedge.TakeProfit.Equal(primary.StopLoss))
	assert.True(t, primary.StopLoss.LessThan(d("100")))
	assert.True(t, hedge.StopLoss.GreaterThan(d("101")))
}

func TestOpen_StopFailureDoesNotChangePair(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	sg := &stopGateway{fakeGateway: h.gw, err: errors.New("stop orders unsupported for symbol")}
	h.mgr = lifecycle.New(sg, h.store, h.clock, nil, lifecycle.Config{})

	p := h.active(t)
	assert.Equal(t, domain.StatusActive, p.Status)
}

// --- Close ---

func TestClose_Completed(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)
	h.gw.closePnl["bybit"] = d("10")
	h.gw.closePnl["binance"] = d("-4")
	h.clock.Advance(2 * time.Hour)

	got, err := h.mgr.Close(context.Background(), p.ID, domain.CloseTargetReached)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.CloseTargetReached, got.CloseReason)
	assert.True(t, d("5").Equal(got.RealizedPnl), "10 - 4 - 0.5 - 0.5, got %s", got.RealizedPnl)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, h.clock.Now(), *got.ClosedAt)
	assert.Equal(t, 1, h.gw.count("close:bybit"))
	assert.Equal(t, 1, h.gw.count("close:binance"))
}

func TestClose_HedgeSubmittedFirstWithoutBlockingPrimary(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	gw := &orderedGateway{fakeGateway: h.gw, hedge: "binance", primary: "bybit", primarySent: make(chan struct{})}
	mgr := lifecycle.New(gw, h.store, h.clock, nil, lifecycle.Config{RetryWait: time.Millisecond})
	ctx := context.Background()

	planned, err := mgr.Plan(ctx, newPair())
	require.NoError(t, err)
	p, err := mgr.Open(ctx, planned.ID)
	require.NoError(t, err)

	got, err := mgr.Close(ctx, p.ID, domain.CloseOperator)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, []string{"binance", "bybit"}, gw.Arrivals(), "hedge close goes out first")
	assert.True(t, gw.hedgeSawPrimary, "primary was sent while the hedge close was in flight")
}

func TestClose_IdempotentOnTerminalPair(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)
	ctx := context.Background()

	first, err := h.mgr.Close(ctx, p.ID, domain.CloseOperator)
	require.NoError(t, err)
	calls := len(h.gw.Calls())

	second, err := h.mgr.Close(ctx, p.ID, domain.CloseStopLoss)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, h.gw.Calls(), calls, "no order is sent twice")
	assert.Equal(t, domain.CloseOperator, second.CloseReason)
}

func TestClose_RetriesOnce(t *testing.T) {
	h := newHarness(t, lifecycle.Config{CloseRetries: 1})
	p := h.active(t)
	h.gw.closeErrs["binance"] = []error{errors.New("502 bad gateway")}

	got, err := h.mgr.Close(context.Background(), p.ID, domain.CloseMaxHoldingTime)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 2, h.gw.count("close:binance"))
}

func TestClose_HedgeFailsIsPartial(t *testing.T) {
	h := newHarness(t, lifecycle.Config{CloseRetries: 1})
	p := h.active(t)
	h.gw.closeErrs["binance"] = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}

	got, err := h.mgr.Close(context.Background(), p.ID, domain.CloseStopLoss)
	require.Error(t, err)

	assert.Equal(t, domain.StageHedgeCloseFailed, domain.StageOf(err))
	assert.Equal(t, domain.StatusPartial, got.Status)
	assert.Equal(t, domain.StageHedgeCloseFailed, got.ErrorStage)
	assert.Equal(t, domain.LegStatusClosed, got.Primary.Status())
	assert.Equal(t, domain.LegStatusFailed, got.Hedge.Status())
	assert.Equal(t, 2, h.gw.count("close:binance"), "retried once, then left for remediation")

	// PARTIAL is terminal: no automatic re-submission.
	again, err := h.mgr.Close(context.Background(), p.ID, domain.CloseOperator)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, again.Status)
	assert.Equal(t, 2, h.gw.count("close:binance"))
}

func TestClose_PrimaryFailsIsPartial(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)
	h.gw.closeErrs["bybit"] = []error{errors.New("rejected")}

	got, err := h.mgr.Close(context.Background(), p.ID, domain.CloseStopLoss)
	require.Error(t, err)
	assert.Equal(t, domain.StatusPartial, got.Status)
	assert.Equal(t, domain.StagePrimaryCloseFailed, got.ErrorStage)
}

func TestClose_BothFailIsError(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)
	h.gw.closeErrs["bybit"] = []error{errors.New("primary down")}
	h.gw.closeErrs["binance"] = []error{errors.New("hedge down")}

	got, err := h.mgr.Close(context.Background(), p.ID, domain.CloseOperator)
	require.Error(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "primary down")
	assert.Contains(t, got.ErrorMessage, "hedge down")
}

func TestClose_RequiresActive(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.planned(t)

	_, err := h.mgr.Close(context.Background(), p.ID, domain.CloseOperator)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, h.gw.Calls())
}

func TestClose_CancelledCallerStillFinishes(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := h.mgr.Close(ctx, p.ID, domain.CloseOperator)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

// --- Abort ---

func TestAbort_Planned(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.planned(t)

	got, err := h.mgr.Abort(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, domain.StageOperatorAborted, got.ErrorStage)
	assert.Empty(t, h.gw.Calls())
}

func TestAbort_AfterSubmissionRejected(t *testing.T) {
	h := newHarness(t, lifecycle.Config{})
	p := h.active(t)

	got, err := h.mgr.Abort(context.Background(), p.ID)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
	assert.Equal(t, domain.StatusActive, got.Status)
}

// --- StopLevels ---

func TestStopLevels_UsesExchangeMaintenanceMargin(t *testing.T) {
	h := newHarness(t, lifecycle.Config{
		MaintenanceMargin: map[string]decimal.Decimal{"bybit": d("0.01")},
	})
	p := h.active(t)

	levels, err := h.mgr.StopLevels(p)
	require.NoError(t, err)

	// bybit long 100 @5x, mmr 1%: liq = 81, safe = 81 + 0.2*19 = 84.8
	assert.True(t, d("84.8").Equal(levels.PrimaryStopLoss), "got %s", levels.PrimaryStopLoss)
	assert.True(t, levels.PrimaryTakeProfit.Equal(levels.HedgeStopLoss))

	_, err = h.mgr.StopLevels(newPair())
	assert.ErrorIs(t, err, domain.ErrInvalidHedgeConfiguration)
}
