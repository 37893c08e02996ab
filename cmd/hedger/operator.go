package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/hedger/internal/adapters/notify"
	"github.com/alejandrodnm/hedger/internal/domain"
)

func (a *app) report(ctx context.Context) error {
	pairs, err := a.manager.List(ctx)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	events := make(map[string][]domain.PairEvent, len(pairs))
	for _, p := range pairs {
		ev, err := a.store.Events(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("report: events %s: %w", p.ID, err)
		}
		events[p.ID] = ev
	}
	cb, err := a.store.LoadCircuitBreaker(ctx)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	a.notifier.PrintReport(notify.ReportInput{
		Pairs:          pairs,
		Events:         events,
		CircuitBreaker: cb,
		Now:            a.clock.Now(),
	})
	return nil
}

func (a *app) closePair(ctx context.Context, id string) error {
	if err := a.loadBreaker(ctx); err != nil {
		return err
	}
	p, err := a.engine.ClosePair(ctx, id)
	if err != nil {
		return fmt.Errorf("close %s: %w", id, err)
	}
	slog.Info("pair closed", "pair_id", p.ID, "status", p.Status, "pnl", p.RealizedPnl.StringFixed(4))
	return nil
}

func (a *app) abortPair(ctx context.Context, id string) error {
	p, err := a.engine.Abort(ctx, id)
	if err != nil {
		return fmt.Errorf("abort %s: %w", id, err)
	}
	slog.Info("pair aborted", "pair_id", p.ID, "status", p.Status)
	return nil
}

func (a *app) reconcile(ctx context.Context) error {
	if err := a.loadBreaker(ctx); err != nil {
		return err
	}
	res, err := a.engine.Reconcile(ctx)
	if err != nil {
		return err
	}
	for _, p := range res.Resolved {
		fmt.Printf("%s  %-10s %-9s %s\n", p.ID, p.Symbol, p.Status, p.ErrorStage)
	}
	for _, id := range res.Failed {
		fmt.Printf("%s  still pending (venue query failed)\n", id)
	}
	fmt.Printf("checked %d, resolved %d, failed %d\n", res.Checked, len(res.Resolved), len(res.Failed))
	return nil
}

func (a *app) resetBreaker(ctx context.Context) error {
	if err := a.loadBreaker(ctx); err != nil {
		return err
	}
	return a.engine.ResetCircuitBreaker(ctx)
}

// loadBreaker restores the persisted breaker so one-shot commands extend it
// instead of overwriting it.
func (a *app) loadBreaker(ctx context.Context) error {
	cb, err := a.store.LoadCircuitBreaker(ctx)
	if err != nil {
		return fmt.Errorf("load circuit breaker: %w", err)
	}
	a.engine.RestoreCircuitBreaker(cb)
	return nil
}
