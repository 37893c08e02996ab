package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Checked  int
	Resolved []domain.PositionPair // pairs moved to ACTIVE or a terminal status
	Failed   []string              // pair IDs left untouched because a venue query failed
}

// Reconcile re-queries both venues for every pair left in OPENING or CLOSING
// by a previous process and drives it to a consistent status. The persisted
// state is not trusted for these pairs; the venues are.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileResult, error) {
	pairs, err := m.store.List(ctx, domain.StatusOpening, domain.StatusClosing)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("lifecycle.Reconcile: list: %w", err)
	}

	var res ReconcileResult
	for _, p := range pairs {
		res.Checked++
		got, err := m.reconcilePair(ctx, p.ID)
		switch stage := domain.StageOf(err); {
		case err == nil:
			res.Resolved = append(res.Resolved, got)
		case stage == domain.StageReconcileFailed || stage == domain.StageNone:
			slog.Warn("lifecycle: reconcile failed", "pair_id", p.ID, "err", err)
			res.Failed = append(res.Failed, p.ID)
		default:
			slog.Warn("lifecycle: reconciled into failure", "pair_id", p.ID, "status", got.Status, "stage", stage)
			res.Resolved = append(res.Resolved, got)
		}
	}
	slog.Info("lifecycle: reconcile done", "checked", res.Checked, "resolved", len(res.Resolved), "failed", len(res.Failed))
	return res, nil
}

func (m *Manager) reconcilePair(ctx context.Context, id string) (domain.PositionPair, error) {
	unlock := m.lockPair(id)
	defer unlock()

	p, err := m.store.Load(ctx, id)
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("lifecycle.reconcile: %w", err)
	}
	if p.Status != domain.StatusOpening && p.Status != domain.StatusClosing {
		return p, nil
	}
	ctx = context.WithoutCancel(ctx)

	primary, hedge, err := m.queryLegs(ctx, p)
	if err != nil {
		if perr := m.persist(ctx, p, p.Status, domain.StageReconcileFailed, err.Error()); perr != nil {
			err = errors.Join(err, perr)
		}
		return p, &domain.StageError{Stage: domain.StageReconcileFailed, Err: err}
	}

	if p.Status == domain.StatusOpening {
		return m.reconcileOpening(ctx, p, primary, hedge)
	}
	return m.reconcileClosing(ctx, p, primary, hedge)
}

func (m *Manager) reconcileOpening(ctx context.Context, p domain.PositionPair, primary, hedge domain.VenuePosition) (domain.PositionPair, error) {
	now := m.clock.Now()
	switch {
	case primary.Open && hedge.Open:
		adoptVenue(&p.Primary, primary, now)
		adoptVenue(&p.Hedge, hedge, now)
		return m.activate(ctx, p, "reconciled: both legs open on venue")

	case primary.Open:
		adoptVenue(&p.Primary, primary, now)
		markMissing(&p.Hedge, domain.StageHedgeOpenFailed)
		return m.compensate(ctx, p, true, domain.StageHedgeOpenFailed, errors.New("hedge leg not open on venue after restart"))

	case hedge.Open:
		adoptVenue(&p.Hedge, hedge, now)
		markMissing(&p.Primary, domain.StagePrimaryOpenFailed)
		return m.compensate(ctx, p, false, domain.StagePrimaryOpenFailed, errors.New("primary leg not open on venue after restart"))

	default:
		markMissing(&p.Primary, domain.StagePrimaryOpenFailed)
		markMissing(&p.Hedge, domain.StageHedgeOpenFailed)
		return m.fail(ctx, p, domain.StagePrimaryOpenFailed, "no position on either venue after restart", false, nil)
	}
}

func (m *Manager) reconcileClosing(ctx context.Context, p domain.PositionPair, primary, hedge domain.VenuePosition) (domain.PositionPair, error) {
	for _, lv := range []struct {
		leg   *domain.Leg
		venue domain.VenuePosition
	}{{&p.Primary, primary}, {&p.Hedge, hedge}} {
		if lv.leg.Status() == domain.LegStatusClosed {
			continue
		}
		entry, _ := lv.leg.Entry()
		if lv.venue.Open {
			lv.leg.State = domain.LegClosing{Entry: entry}
			continue
		}
		// Flattened while we were down: the exit fill is unknown, estimate it.
		exit := m.estimateExit(ctx, *lv.leg, entry)
		lv.leg.State = domain.LegClosed{
			Entry:       entry,
			ExitPrice:   exit,
			RealizedPnl: domain.LegPnL(lv.leg.Side, entry.EntryPrice, exit, entry.Quantity),
			Fees:        decimal.Zero,
			ClosedAt:    m.clock.Now(),
		}
	}
	if err := m.persist(ctx, p, domain.StatusClosing, domain.StageNone, "reconciled venue state"); err != nil {
		return p, fmt.Errorf("lifecycle.reconcile: %w", err)
	}

	hedgeErr, primaryErr := m.closeOpenLegs(ctx, &p, 0)
	return m.settleClose(ctx, p, hedgeErr, primaryErr)
}

// queryLegs asks both venues for the pair's positions concurrently.
func (m *Manager) queryLegs(ctx context.Context, p domain.PositionPair) (primary, hedge domain.VenuePosition, err error) {
	g, gctx := errgroup.WithContext(ctx)
	query := func(leg domain.Leg, out *domain.VenuePosition) {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, m.cfg.CallTimeout)
			defer cancel()
			pos, err := m.gateway.QueryPosition(callCtx, leg.Exchange, leg.Symbol, leg.Side)
			if err != nil {
				return exchangeError(leg.Exchange, "query_position", err)
			}
			*out = pos
			return nil
		})
	}
	query(p.Primary, &primary)
	query(p.Hedge, &hedge)
	err = g.Wait()
	return primary, hedge, err
}

func (m *Manager) estimateExit(ctx context.Context, leg domain.Leg, entry domain.Fill) decimal.Decimal {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	price, err := m.gateway.GetLivePrice(callCtx, leg.Exchange, leg.Symbol)
	if err != nil || !price.IsPositive() {
		slog.Warn("lifecycle: exit price unknown, using entry", "exchange", leg.Exchange, "symbol", leg.Symbol, "err", err)
		return entry.EntryPrice
	}
	return price
}

// adoptVenue marks a leg open, taking entry data from the venue when the
// fill was never recorded.
func adoptVenue(leg *domain.Leg, v domain.VenuePosition, now time.Time) {
	if entry, ok := leg.Entry(); ok {
		leg.State = domain.LegOpen{Entry: entry}
		return
	}
	qty := v.Quantity
	if !qty.IsPositive() {
		qty = leg.Quantity
	}
	leg.State = domain.LegOpen{Entry: domain.Fill{EntryPrice: v.EntryPrice, Quantity: qty, OpenedAt: now}}
}

func markMissing(leg *domain.Leg, stage domain.Stage) {
	if leg.Status() == domain.LegStatusFailed {
		return
	}
	leg.State = domain.LegFailed{Stage: stage, Reason: "no position on venue after restart"}
}
