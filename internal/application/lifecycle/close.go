package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Close closes both legs of an ACTIVE pair for reason.
//
// Calling Close on a pair that is already CLOSING or terminal is a no-op that
// returns the stored pair: no exchange order is sent twice. Both legs closed
// ends COMPLETED, exactly one closed ends PARTIAL, none closed ends ERROR.
// A failed leg is retried CloseRetries times and then left for remediation.
func (m *Manager) Close(ctx context.Context, id string, reason domain.CloseReason) (domain.PositionPair, error) {
	unlock := m.lockPair(id)
	defer unlock()

	p, err := m.store.Load(ctx, id)
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("lifecycle.Close: %w", err)
	}
	switch p.Status {
	case domain.StatusClosing, domain.StatusCompleted, domain.StatusPartial, domain.StatusError:
		slog.Debug("lifecycle: close ignored", "pair_id", id, "status", p.Status)
		return p, nil
	case domain.StatusActive:
	default:
		return p, fmt.Errorf("lifecycle.Close %s: status %s: %w", id, p.Status, domain.ErrInvalidTransition)
	}

	if err := p.Transition(domain.StatusClosing); err != nil {
		return p, fmt.Errorf("lifecycle.Close: %w", err)
	}
	p.CloseReason = reason
	for _, leg := range []*domain.Leg{&p.Primary, &p.Hedge} {
		entry, _ := leg.Entry()
		leg.State = domain.LegClosing{Entry: entry}
	}
	if err := m.persist(ctx, p, domain.StatusActive, domain.StageNone, "closing: "+string(reason)); err != nil {
		return p, fmt.Errorf("lifecycle.Close: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	hedgeErr, primaryErr := m.closeOpenLegs(ctx, &p, m.cfg.CloseRetries)
	return m.settleClose(ctx, p, hedgeErr, primaryErr)
}

// closeOpenLegs closes every leg in LegClosing. The hedge close is submitted
// first and the primary right behind it, without waiting for the hedge to
// confirm.
func (m *Manager) closeOpenLegs(ctx context.Context, p *domain.PositionPair, retries int) (hedgeErr, primaryErr error) {
	var g errgroup.Group
	submit := func(leg *domain.Leg, primary bool, errp *error) {
		if leg.Status() != domain.LegStatusClosing {
			return
		}
		entry, _ := leg.Entry()
		snapshot := *leg
		submitted := make(chan struct{})
		g.Go(func() error {
			res, err := m.closeLeg(ctx, snapshot, retries, func() { close(submitted) })
			if err != nil {
				*errp = err
				leg.State = domain.LegFailed{Entry: &entry, Stage: closeStage(primary), Reason: err.Error()}
				return nil
			}
			leg.State = m.closedState(entry, res)
			return nil
		})
		<-submitted
	}
	submit(&p.Hedge, false, &hedgeErr)
	submit(&p.Primary, true, &primaryErr)
	_ = g.Wait()
	return hedgeErr, primaryErr
}

// settleClose picks the terminal status of a CLOSING pair from its legs.
func (m *Manager) settleClose(ctx context.Context, p domain.PositionPair, hedgeErr, primaryErr error) (domain.PositionPair, error) {
	primaryClosed := p.Primary.Status() == domain.LegStatusClosed
	hedgeClosed := p.Hedge.Status() == domain.LegStatusClosed

	switch {
	case primaryClosed && hedgeClosed:
		if err := p.Transition(domain.StatusCompleted); err != nil {
			return p, fmt.Errorf("lifecycle: %w", err)
		}
		m.finalize(&p)
		if err := m.persist(ctx, p, domain.StatusClosing, domain.StageNone, "both legs closed"); err != nil {
			return p, fmt.Errorf("lifecycle: %w", err)
		}
		slog.Info("lifecycle: pair completed",
			"pair_id", p.ID, "symbol", p.Symbol, "reason", p.CloseReason, "pnl", p.RealizedPnl.StringFixed(4))
		return p, nil

	case hedgeClosed:
		return m.fail(ctx, p, domain.StagePrimaryCloseFailed, errText(primaryErr, p.Primary), true, primaryErr)

	case primaryClosed:
		return m.fail(ctx, p, domain.StageHedgeCloseFailed, errText(hedgeErr, p.Hedge), true, hedgeErr)

	default:
		// Neither leg closed: the pair is still hedged, not one-sided.
		msg := fmt.Sprintf("hedge: %s; primary: %s", errText(hedgeErr, p.Hedge), errText(primaryErr, p.Primary))
		return m.fail(ctx, p, domain.StageHedgeCloseFailed, msg, false, errors.Join(hedgeErr, primaryErr))
	}
}

// closeLeg flattens one leg, trying 1+retries times with a timeout each.
// onSubmit, when set, runs right before the first close is sent.
func (m *Manager) closeLeg(ctx context.Context, leg domain.Leg, retries int, onSubmit func()) (domain.ClosedPosition, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt == 0 && onSubmit != nil {
			onSubmit()
		}
		if attempt > 0 {
			slog.Warn("lifecycle: retrying close",
				"exchange", leg.Exchange, "symbol", leg.Symbol, "attempt", attempt+1, "err", lastErr)
			m.sleep(ctx, attempt)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		res, err := m.gateway.ClosePosition(callCtx, leg.Exchange, leg.Symbol, leg.Side)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = exchangeError(leg.Exchange, "close_position", err)
	}
	return domain.ClosedPosition{}, lastErr
}

func (m *Manager) closedState(entry domain.Fill, res domain.ClosedPosition) domain.LegClosed {
	return domain.LegClosed{
		Entry:       entry,
		ExitPrice:   res.FillPrice,
		RealizedPnl: res.RealizedPnl,
		Fees:        res.Fees,
		ClosedAt:    m.clock.Now(),
	}
}

// sleep waits linearly longer on each retry, respecting ctx.
func (m *Manager) sleep(ctx context.Context, attempt int) {
	select {
	case <-time.After(time.Duration(attempt) * m.cfg.RetryWait):
	case <-ctx.Done():
	}
}

// errText returns the failure text of a leg: err when set, else the reason
// recorded on the leg.
func errText(err error, leg domain.Leg) string {
	if err != nil {
		return err.Error()
	}
	if f, ok := leg.State.(domain.LegFailed); ok {
		return f.Reason
	}
	return "leg not closed"
}
