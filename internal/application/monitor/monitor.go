package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/alejandrodnm/hedger/internal/ports"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval    = 30 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// PriceSource returns live mark prices.
type PriceSource interface {
	GetLivePrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// Closer closes pairs and derives their protective levels.
type Closer interface {
	Close(ctx context.Context, id string, reason domain.CloseReason) (domain.PositionPair, error)
	StopLevels(p domain.PositionPair) (domain.StopLevels, error)
}

// Config holds monitor timing.
type Config struct {
	Interval    time.Duration
	CallTimeout time.Duration
}

// Monitor runs one goroutine per ACTIVE pair, evaluating live prices against
// the pair's exit thresholds and asking the Closer to close when one is hit.
// Pairs share nothing: a slow close on one pair never delays another.
type Monitor struct {
	prices PriceSource
	closer Closer
	clock  ports.Clock
	cfg    Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Monitor.
func New(prices PriceSource, closer Closer, clock ports.Clock, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Monitor{
		prices:  prices,
		closer:  closer,
		clock:   clock,
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
	}
}

// Watch starts monitoring p until it is closed or ctx is done. It returns
// false when p is not ACTIVE or already watched.
func (m *Monitor) Watch(ctx context.Context, p domain.PositionPair) bool {
	if p.Status != domain.StatusActive {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[p.ID]; ok {
		return false
	}
	pctx, cancel := context.WithCancel(ctx)
	m.running[p.ID] = cancel
	m.wg.Add(1)
	go m.run(pctx, p)
	slog.Info("monitor: watching pair", "pair_id", p.ID, "symbol", p.Symbol)
	return true
}

// Stop ends monitoring of one pair.
func (m *Monitor) Stop(id string) {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active returns the number of pairs being watched.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Wait blocks until every monitoring goroutine has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, p domain.PositionPair) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.running[p.ID]; ok {
			cancel()
			delete(m.running, p.ID)
		}
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	suspended := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c, err := m.Check(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !suspended {
				slog.Warn("monitor: price feed unavailable, evaluation suspended",
					"pair_id", p.ID, "stage", domain.StageOf(err), "err", err)
				suspended = true
			}
			continue
		}
		if suspended {
			slog.Info("monitor: price feed recovered", "pair_id", p.ID)
			suspended = false
		}

		slog.Debug("monitor: evaluated", "pair_id", p.ID,
			"spread_pct", c.CurrentSpread.StringFixed(4),
			"progress", fmt.Sprintf("%.1f%%", c.Progress),
			"held", c.Elapsed.Round(time.Second))
		if !c.ShouldClose() {
			continue
		}

		slog.Info("monitor: close signalled", "pair_id", p.ID, "reason", c.Reason,
			"spread_pct", c.CurrentSpread.StringFixed(4))
		closed, err := m.closer.Close(ctx, p.ID, c.Reason)
		if err != nil {
			slog.Warn("monitor: close did not complete", "pair_id", p.ID, "status", closed.Status, "err", err)
		}
		return
	}
}

// Check evaluates p once against live prices. A price failure is returned as
// a MONITORING_FAILED stage error and never changes the pair.
//
// The target/stop-loss/holding checks take priority; the liquidation guard
// fires only when none of them did and a leg's price crossed its safe
// stop-loss.
func (m *Monitor) Check(ctx context.Context, p domain.PositionPair) (domain.Convergence, error) {
	primaryPrice, hedgePrice, err := m.livePrices(ctx, p)
	if err != nil {
		return domain.Convergence{}, &domain.StageError{Stage: domain.StageMonitoringFailed, Err: err}
	}

	c, err := domain.EvaluateConvergence(p, primaryPrice, hedgePrice, m.clock.Now())
	if err != nil {
		return domain.Convergence{}, &domain.StageError{Stage: domain.StageMonitoringFailed, Err: err}
	}
	if c.ShouldClose() {
		return c, nil
	}

	levels, err := m.closer.StopLevels(p)
	if err != nil {
		slog.Debug("monitor: no stop levels", "pair_id", p.ID, "err", err)
		return c, nil
	}
	if domain.StopCrossed(p.Primary.Side, primaryPrice, levels.PrimaryStopLoss) ||
		domain.StopCrossed(p.Hedge.Side, hedgePrice, levels.HedgeStopLoss) {
		c.Reason = domain.CloseLiquidationGuard
	}
	return c, nil
}

func (m *Monitor) livePrices(ctx context.Context, p domain.PositionPair) (primary, hedge decimal.Decimal, err error) {
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(leg domain.Leg, out *decimal.Decimal) {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, m.cfg.CallTimeout)
			defer cancel()
			price, err := m.prices.GetLivePrice(callCtx, leg.Exchange, leg.Symbol)
			if err != nil {
				return fmt.Errorf("%s %s price: %w", leg.Exchange, leg.Symbol, err)
			}
			*out = price
			return nil
		})
	}
	fetch(p.Primary, &primary)
	fetch(p.Hedge, &hedge)
	err = g.Wait()
	return primary, hedge, err
}
