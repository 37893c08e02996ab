package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/hedger/internal/application/lifecycle"
	"github.com/alejandrodnm/hedger/internal/application/monitor"
	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/alejandrodnm/hedger/internal/ports"
	"github.com/shopspring/decimal"
)

const (
	defaultBreakerLosses   = 3
	defaultBreakerCooldown = 30 * time.Minute
	defaultHoldingHours    = 8.0
	quantityPlaces         = 8
)

// ErrRejected marks a candidate that did not pass the acceptance gates.
var ErrRejected = errors.New("candidate rejected")

// PairManager is the part of the lifecycle manager the engine drives.
type PairManager interface {
	Plan(ctx context.Context, p domain.PositionPair) (domain.PositionPair, error)
	Open(ctx context.Context, id string) (domain.PositionPair, error)
	Close(ctx context.Context, id string, reason domain.CloseReason) (domain.PositionPair, error)
	Abort(ctx context.Context, id string) (domain.PositionPair, error)
	Get(ctx context.Context, id string) (domain.PositionPair, error)
	List(ctx context.Context, statuses ...domain.PairStatus) ([]domain.PositionPair, error)
	Reconcile(ctx context.Context) (lifecycle.ReconcileResult, error)
	StopLevels(p domain.PositionPair) (domain.StopLevels, error)
}

// BreakerConfig holds the circuit breaker limits.
type BreakerConfig struct {
	MaxLosses   int
	Cooldown    time.Duration
	MaxDrawdown decimal.Decimal // negative amount, zero disables
}

// Config holds the sizing, exit and gating parameters of new pairs.
type Config struct {
	NotionalPerLeg decimal.Decimal
	Leverage       decimal.Decimal

	ExpectedHoldingHours float64
	TradingFeesPct       float64 // round trip, both legs

	TargetSpread   decimal.NullDecimal // percent level the spread converges to
	StopLossSpread decimal.NullDecimal // widening from entry, in percent
	MaxHolding     time.Duration

	Filter  FilterConfig
	Breaker BreakerConfig
	Monitor monitor.Config
}

// Engine turns candidates into hedged pairs: it gates them, opens the
// accepted ones, watches every ACTIVE pair and keeps the circuit breaker fed
// with finished pairs.
type Engine struct {
	manager  PairManager
	feed     ports.OpportunityFeed
	breakers ports.BreakerStore
	clock    ports.Clock
	cfg      Config
	filter   *Filter
	monitor  *monitor.Monitor

	mu      sync.Mutex
	breaker domain.CircuitBreaker
	settled map[string]bool
}

// New creates an Engine. feed may be nil when the engine only serves
// operator actions.
func New(
	manager PairManager,
	prices monitor.PriceSource,
	feed ports.OpportunityFeed,
	breakers ports.BreakerStore,
	clock ports.Clock,
	cfg Config,
) *Engine {
	if cfg.ExpectedHoldingHours <= 0 {
		cfg.ExpectedHoldingHours = defaultHoldingHours
	}
	if cfg.Breaker.MaxLosses <= 0 {
		cfg.Breaker.MaxLosses = defaultBreakerLosses
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = defaultBreakerCooldown
	}

	e := &Engine{
		manager:  manager,
		feed:     feed,
		breakers: breakers,
		clock:    clock,
		cfg:      cfg,
		filter:   NewFilter(cfg.Filter),
		settled:  make(map[string]bool),
		breaker: domain.CircuitBreaker{
			MaxLosses:        cfg.Breaker.MaxLosses,
			CooldownDuration: cfg.Breaker.Cooldown,
			MaxDrawdown:      cfg.Breaker.MaxDrawdown,
		},
	}
	e.monitor = monitor.New(prices, e, clock, cfg.Monitor)
	return e
}

// RestoreCircuitBreaker loads a previously saved circuit breaker state,
// keeping the configured limits.
func (e *Engine) RestoreCircuitBreaker(cb domain.CircuitBreaker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb.MaxLosses = e.breaker.MaxLosses
	cb.CooldownDuration = e.breaker.CooldownDuration
	cb.MaxDrawdown = e.breaker.MaxDrawdown
	e.breaker = cb
}

// CircuitBreaker returns a snapshot of the breaker.
func (e *Engine) CircuitBreaker() domain.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker
}

// ResetCircuitBreaker clears a tripped breaker and persists it.
func (e *Engine) ResetCircuitBreaker(ctx context.Context) error {
	e.mu.Lock()
	e.breaker.Reset()
	cb := e.breaker
	e.mu.Unlock()
	slog.Info("engine: circuit breaker reset")
	return e.saveBreaker(ctx, cb)
}

// Run restores state, reconciles pairs left mid-flight, resumes monitoring
// and consumes the feed. It returns once ctx is done and every monitor exited.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Resume(ctx); err != nil {
		return fmt.Errorf("engine.Run: %w", err)
	}

	if e.feed != nil {
		candidates, err := e.feed.Candidates(ctx)
		if err != nil {
			return fmt.Errorf("engine.Run: feed: %w", err)
		}
		for c := range candidates {
			p, err := e.HandleCandidate(ctx, c)
			switch {
			case errors.Is(err, ErrRejected):
				slog.Debug("engine: candidate rejected", "symbol", c.Symbol, "err", err)
			case err != nil:
				slog.Warn("engine: candidate failed", "symbol", c.Symbol, "pair_id", p.ID,
					"status", p.Status, "stage", domain.StageOf(err), "err", err)
			}
		}
		slog.Info("engine: feed exhausted, monitoring open pairs", "active", e.monitor.Active())
	}

	<-ctx.Done()
	e.monitor.Wait()
	slog.Info("engine: stopped")
	return nil
}

// Resume loads the breaker, reconciles OPENING/CLOSING pairs and starts a
// monitor for every ACTIVE pair.
func (e *Engine) Resume(ctx context.Context) error {
	if e.breakers != nil {
		cb, err := e.breakers.LoadCircuitBreaker(ctx)
		if err != nil {
			return fmt.Errorf("load circuit breaker: %w", err)
		}
		e.RestoreCircuitBreaker(cb)
	}

	if _, err := e.Reconcile(ctx); err != nil {
		return err
	}

	planned, err := e.manager.List(ctx, domain.StatusPlanned)
	if err != nil {
		return fmt.Errorf("list planned: %w", err)
	}
	for _, p := range planned {
		slog.Warn("engine: planned pair was never opened, abort it or open it manually", "pair_id", p.ID, "symbol", p.Symbol)
	}

	active, err := e.manager.List(ctx, domain.StatusActive)
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}
	for _, p := range active {
		e.monitor.Watch(ctx, p)
	}
	return nil
}

// Reconcile resolves OPENING/CLOSING pairs against the venues and feeds the
// breaker with the ones that ended.
func (e *Engine) Reconcile(ctx context.Context) (lifecycle.ReconcileResult, error) {
	res, err := e.manager.Reconcile(ctx)
	if err != nil {
		return res, fmt.Errorf("engine.Reconcile: %w", err)
	}
	for _, p := range res.Resolved {
		e.settle(ctx, p)
	}
	if res.Checked > 0 {
		slog.Info("engine: reconciled pairs", "checked", res.Checked,
			"resolved", len(res.Resolved), "failed", len(res.Failed))
	}
	for _, id := range res.Failed {
		slog.Warn("engine: pair left unreconciled, retry on next start", "pair_id", id)
	}
	return res, nil
}

// HandleCandidate gates c and, when accepted, plans, opens and watches a
// new pair. Rejections wrap ErrRejected.
func (e *Engine) HandleCandidate(ctx context.Context, c domain.Candidate) (domain.PositionPair, error) {
	now := e.clock.Now()
	e.mu.Lock()
	open := e.breaker.IsOpen(now)
	reason := e.breaker.TriggeredReason
	e.mu.Unlock()
	if !open {
		return domain.PositionPair{}, fmt.Errorf("engine.HandleCandidate %s: circuit breaker: %s: %w", c.Symbol, reason, ErrRejected)
	}

	ev, err := Evaluate(c, e.cfg.ExpectedHoldingHours, e.cfg.TradingFeesPct)
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("engine.HandleCandidate: %w", err)
	}

	live, err := e.manager.List(ctx, domain.StatusPlanned, domain.StatusOpening, domain.StatusActive, domain.StatusClosing)
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("engine.HandleCandidate %s: list live pairs: %w", c.Symbol, err)
	}
	if ok, why := e.filter.Check(ev, live); !ok {
		return domain.PositionPair{}, fmt.Errorf("engine.HandleCandidate %s: %s: %w", c.Symbol, why, ErrRejected)
	}

	slog.Info("engine: candidate accepted", "symbol", c.Symbol,
		"primary", ev.Spread.PrimaryExchange, "hedge", ev.Spread.HedgeExchange,
		"spread_pct_h", ev.Spread.SpreadPerHourPercent().StringFixed(5),
		"net_return_pct", fmt.Sprintf("%.3f", ev.NetReturnPct),
		"entry_spread_pct", ev.EntrySpreadPct.StringFixed(4))

	p, err := e.manager.Plan(ctx, e.buildPair(ev))
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("engine.HandleCandidate %s: %w", c.Symbol, err)
	}

	p, err = e.manager.Open(ctx, p.ID)
	if err != nil {
		e.settle(ctx, p)
		return p, fmt.Errorf("engine.HandleCandidate %s: %w", c.Symbol, err)
	}
	e.monitor.Watch(ctx, p)
	return p, nil
}

// buildPair sizes a PLANNED pair from an accepted evaluation: primary long,
// hedge short, same quantity on both legs.
func (e *Engine) buildPair(ev Evaluation) domain.PositionPair {
	qty := decimal.Zero
	if ev.PrimaryPrice.IsPositive() {
		qty = e.cfg.NotionalPerLeg.DivRound(ev.PrimaryPrice, quantityPlaces)
	}
	p := domain.NewPositionPair("", ev.Symbol,
		domain.Leg{
			Exchange: ev.Spread.PrimaryExchange,
			Symbol:   ev.Symbol,
			Side:     domain.SideLong,
			Leverage: e.cfg.Leverage,
			Quantity: qty,
		},
		domain.Leg{
			Exchange: ev.Spread.HedgeExchange,
			Symbol:   ev.Symbol,
			Side:     domain.SideShort,
			Leverage: e.cfg.Leverage,
			Quantity: qty,
		},
		time.Time{})
	p.EntrySpread = ev.EntrySpreadPct
	p.EntryFundingSpread = ev.Spread.SpreadPerHour
	// A target at or above the entry spread would fire on the first tick.
	if e.cfg.TargetSpread.Valid && ev.EntrySpreadPct.GreaterThan(e.cfg.TargetSpread.Decimal) {
		p.TargetSpread = e.cfg.TargetSpread
	}
	p.StopLossSpread = e.cfg.StopLossSpread
	p.MaxHolding = e.cfg.MaxHolding
	return p
}

// Close implements monitor.Closer: it closes through the manager and feeds
// the breaker when this call finished the pair.
func (e *Engine) Close(ctx context.Context, id string, reason domain.CloseReason) (domain.PositionPair, error) {
	before, err := e.manager.Get(ctx, id)
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("engine.Close: %w", err)
	}
	p, err := e.manager.Close(ctx, id, reason)
	if !before.Status.IsTerminal() {
		e.settle(ctx, p)
	}
	return p, err
}

// StopLevels implements monitor.Closer.
func (e *Engine) StopLevels(p domain.PositionPair) (domain.StopLevels, error) {
	return e.manager.StopLevels(p)
}

// ClosePair is the operator close: the pair's monitor is stopped and the
// pair closed with reason OPERATOR.
func (e *Engine) ClosePair(ctx context.Context, id string) (domain.PositionPair, error) {
	e.monitor.Stop(id)
	return e.Close(ctx, id, domain.CloseOperator)
}

// Abort cancels a PLANNED pair.
func (e *Engine) Abort(ctx context.Context, id string) (domain.PositionPair, error) {
	return e.manager.Abort(ctx, id)
}

// Watching returns the number of monitored pairs.
func (e *Engine) Watching() int {
	return e.monitor.Active()
}

// settle records a terminal pair in the breaker once. Pairs that never had
// a fill carry no P&L and are skipped.
func (e *Engine) settle(ctx context.Context, p domain.PositionPair) {
	if p.ID == "" || !p.Status.IsTerminal() {
		return
	}
	_, primaryFilled := p.Primary.Entry()
	_, hedgeFilled := p.Hedge.Entry()

	e.mu.Lock()
	if e.settled[p.ID] || (!primaryFilled && !hedgeFilled) {
		e.settled[p.ID] = true
		e.mu.Unlock()
		return
	}
	e.settled[p.ID] = true
	wasOpen := e.breaker.IsOpen(e.clock.Now())
	e.breaker.Record(p.RealizedPnl, e.clock.Now())
	cb := e.breaker
	e.mu.Unlock()

	slog.Info("engine: pair settled", "pair_id", p.ID, "status", p.Status,
		"pnl", p.RealizedPnl.StringFixed(4), "total_pnl", cb.TotalPnL.StringFixed(4))
	if wasOpen && !cb.IsOpen(e.clock.Now()) {
		slog.Warn("engine: circuit breaker tripped", "reason", cb.TriggeredReason,
			"cooldown_until", cb.CooldownUntil, "total_pnl", cb.TotalPnL.StringFixed(4))
	}
	if err := e.saveBreaker(ctx, cb); err != nil {
		slog.Warn("engine: failed to persist circuit breaker", "err", err)
	}
}

func (e *Engine) saveBreaker(ctx context.Context, cb domain.CircuitBreaker) error {
	if e.breakers == nil {
		return nil
	}
	if err := e.breakers.SaveCircuitBreaker(context.WithoutCancel(ctx), cb); err != nil {
		return fmt.Errorf("engine.saveBreaker: %w", err)
	}
	return nil
}
