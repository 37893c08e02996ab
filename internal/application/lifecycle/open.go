package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/alejandrodnm/hedger/internal/ports"
	"github.com/google/uuid"
)

// Open submits the primary leg, then the hedge leg, of a PLANNED pair.
//
// The primary failing ends the pair in ERROR before any hedge order is sent.
// The hedge failing triggers a compensating close of the primary: ERROR when
// it succeeds, PARTIAL when it does not. Both legs filled moves the pair to
// ACTIVE and rests synchronized stop orders when the gateway supports them.
func (m *Manager) Open(ctx context.Context, id string) (domain.PositionPair, error) {
	unlock := m.lockPair(id)
	defer unlock()

	p, err := m.store.Load(ctx, id)
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("lifecycle.Open: %w", err)
	}
	if err := p.Transition(domain.StatusOpening); err != nil {
		return p, fmt.Errorf("lifecycle.Open: %w", err)
	}
	if err := m.persist(ctx, p, domain.StatusPlanned, domain.StageNone, "opening primary leg"); err != nil {
		return p, fmt.Errorf("lifecycle.Open: %w", err)
	}

	// From here on orders are out: the sequence runs to a persisted outcome
	// even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	primaryFill, err := m.openLeg(ctx, p.Primary)
	if err != nil {
		slog.Warn("lifecycle: primary open failed", "pair_id", p.ID, "exchange", p.Primary.Exchange, "err", err)
		p.Primary.State = domain.LegFailed{Stage: domain.StagePrimaryOpenFailed, Reason: err.Error()}
		return m.fail(ctx, p, domain.StagePrimaryOpenFailed, err.Error(), false, err)
	}
	p.Primary.State = domain.LegOpen{Entry: primaryFill}
	// A lost checkpoint must not leave the primary unhedged; the final
	// outcome is persisted again below.
	if err := m.persist(ctx, p, domain.StatusOpening, domain.StageNone, "primary leg open, opening hedge"); err != nil {
		slog.Warn("lifecycle: checkpoint lost, opening hedge anyway", "pair_id", p.ID, "err", err)
	}

	hedgeFill, err := m.openLeg(ctx, p.Hedge)
	if err != nil {
		slog.Warn("lifecycle: hedge open failed", "pair_id", p.ID, "exchange", p.Hedge.Exchange, "err", err)
		p.Hedge.State = domain.LegFailed{Stage: domain.StageHedgeOpenFailed, Reason: err.Error()}
		return m.compensate(ctx, p, true, domain.StageHedgeOpenFailed, err)
	}
	p.Hedge.State = domain.LegOpen{Entry: hedgeFill}

	return m.activate(ctx, p, "both legs open")
}

// activate moves an OPENING pair with both legs filled to ACTIVE.
func (m *Manager) activate(ctx context.Context, p domain.PositionPair, message string) (domain.PositionPair, error) {
	if err := p.Transition(domain.StatusActive); err != nil {
		return p, fmt.Errorf("lifecycle: %w", err)
	}
	now := m.clock.Now()
	p.OpenedAt = &now

	primary, _ := p.Primary.Entry()
	hedge, _ := p.Hedge.Entry()
	if spread, err := domain.PriceSpreadPercent(primary.EntryPrice, hedge.EntryPrice); err == nil {
		p.EntrySpread = spread
	}

	if err := m.persist(ctx, p, domain.StatusOpening, domain.StageNone, message); err != nil {
		return p, fmt.Errorf("lifecycle: %w", err)
	}
	m.placeStops(ctx, p)
	return p, nil
}

// compensate closes the only leg that opened after its partner failed to.
// The pair ends in ERROR when the close succeeds and PARTIAL when it does not.
func (m *Manager) compensate(ctx context.Context, p domain.PositionPair, primary bool, stage domain.Stage, cause error) (domain.PositionPair, error) {
	leg := p.LegBy(primary)
	entry, _ := leg.Entry()
	leg.State = domain.LegClosing{Entry: entry}
	if err := m.persist(ctx, p, p.Status, stage, "compensating close: "+cause.Error()); err != nil {
		slog.Warn("lifecycle: checkpoint lost, compensating anyway", "pair_id", p.ID, "err", err)
	}

	slog.Warn("lifecycle: compensating close", "pair_id", p.ID, "exchange", leg.Exchange, "side", leg.Side)
	res, err := m.closeLeg(ctx, *leg, m.cfg.CloseRetries, nil)
	if err != nil {
		leg.State = domain.LegFailed{Entry: &entry, Stage: closeStage(primary), Reason: err.Error()}
		msg := fmt.Sprintf("%v; compensating close failed: %v", cause, err)
		return m.fail(ctx, p, stage, msg, true, errors.Join(cause, err))
	}
	leg.State = m.closedState(entry, res)
	return m.fail(ctx, p, stage, cause.Error(), false, cause)
}

func (m *Manager) openLeg(ctx context.Context, leg domain.Leg) (domain.Fill, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	placed, err := m.gateway.PlaceOrder(callCtx, domain.OrderRequest{
		Exchange: leg.Exchange,
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Quantity: leg.Quantity,
		Leverage: leg.Leverage,
		ClientID: uuid.New().String(),
	})
	if err != nil {
		return domain.Fill{}, exchangeError(leg.Exchange, "place_order", err)
	}
	if !placed.FillPrice.IsPositive() {
		return domain.Fill{}, &domain.ExchangeError{
			Exchange: leg.Exchange, Op: "place_order",
			Message: fmt.Sprintf("order %s reported fill price %s", placed.OrderID, placed.FillPrice),
		}
	}

	qty := placed.FilledQty
	if !qty.IsPositive() {
		qty = leg.Quantity
	}
	return domain.Fill{
		OrderID:    placed.OrderID,
		EntryPrice: placed.FillPrice,
		Quantity:   qty,
		OpenedAt:   m.clock.Now(),
	}, nil
}

// placeStops rests the synchronized SL/TP levels on both venues. Best effort:
// failures are logged and never change the pair.
func (m *Manager) placeStops(ctx context.Context, p domain.PositionPair) {
	placer, ok := m.gateway.(ports.StopOrderPlacer)
	if !ok {
		return
	}
	levels, err := m.StopLevels(p)
	if err != nil {
		slog.Warn("lifecycle: stop levels unavailable", "pair_id", p.ID, "err", err)
		return
	}

	primary, _ := p.Primary.Entry()
	hedge, _ := p.Hedge.Entry()
	orders := []domain.StopOrder{
		{
			Exchange: p.Primary.Exchange, Symbol: p.Primary.Symbol, Side: p.Primary.Side,
			Quantity: primary.Quantity, StopLoss: levels.PrimaryStopLoss, TakeProfit: levels.PrimaryTakeProfit,
		},
		{
			Exchange: p.Hedge.Exchange, Symbol: p.Hedge.Symbol, Side: p.Hedge.Side,
			Quantity: hedge.Quantity, StopLoss: levels.HedgeStopLoss, TakeProfit: levels.HedgeTakeProfit,
		},
	}
	for _, o := range orders {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		err := placer.PlaceStopOrders(callCtx, o)
		cancel()
		if err != nil {
			slog.Warn("lifecycle: stop orders not placed", "pair_id", p.ID, "exchange", o.Exchange, "err", err)
			continue
		}
		slog.Info("lifecycle: stop orders placed", "pair_id", p.ID, "exchange", o.Exchange,
			"stop_loss", o.StopLoss.StringFixed(4), "take_profit", o.TakeProfit.StringFixed(4))
	}
}

func closeStage(primary bool) domain.Stage {
	if primary {
		return domain.StagePrimaryCloseFailed
	}
	return domain.StageHedgeCloseFailed
}
