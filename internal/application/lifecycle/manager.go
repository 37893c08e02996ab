package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/alejandrodnm/hedger/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultRetryWait   = 250 * time.Millisecond
)

var defaultMaintenanceMargin = decimal.RequireFromString("0.005")

// Config holds the execution parameters of the manager.
type Config struct {
	// CallTimeout bounds every single exchange call. A timeout is handled
	// exactly like an exchange error.
	CallTimeout time.Duration
	// CloseRetries is the number of extra attempts per leg close.
	CloseRetries int
	RetryWait    time.Duration
	// SafetyMargin is the fraction of the entry-to-liquidation distance kept
	// between the safe stop-loss and the liquidation price.
	SafetyMargin decimal.Decimal
	// MaintenanceMargin per exchange; missing entries use 0.5%.
	MaintenanceMargin map[string]decimal.Decimal
}

// Manager drives position pairs through the lifecycle state machine. It is the
// only writer of pairs; every change is persisted before it is reported.
type Manager struct {
	gateway  ports.ExchangeGateway
	store    ports.PositionStore
	clock    ports.Clock
	notifier ports.Notifier
	cfg      Config
	risk     domain.RiskCalculator

	mu    sync.Mutex
	locks map[string]*pairLock
}

// pairLock is dropped from Manager.locks when no caller holds or waits on it.
type pairLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Manager. notifier may be nil.
func New(gateway ports.ExchangeGateway, store ports.PositionStore, clock ports.Clock, notifier ports.Notifier, cfg Config) *Manager {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.CloseRetries < 0 {
		cfg.CloseRetries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	return &Manager{
		gateway:  gateway,
		store:    store,
		clock:    clock,
		notifier: notifier,
		cfg:      cfg,
		risk:     domain.NewRiskCalculator(cfg.SafetyMargin),
		locks:    make(map[string]*pairLock),
	}
}

// Plan validates and persists a new PLANNED pair. An empty ID is assigned.
func (m *Manager) Plan(ctx context.Context, p domain.PositionPair) (domain.PositionPair, error) {
	if err := validatePlan(p); err != nil {
		return domain.PositionPair{}, fmt.Errorf("lifecycle.Plan: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.clock.Now()
	}
	planned := domain.NewPositionPair(p.ID, p.Symbol, p.Primary, p.Hedge, p.CreatedAt)
	planned.EntrySpread = p.EntrySpread
	planned.EntryFundingSpread = p.EntryFundingSpread
	planned.TargetSpread = p.TargetSpread
	planned.StopLossSpread = p.StopLossSpread
	planned.MaxHolding = p.MaxHolding

	if err := m.persist(ctx, planned, "", domain.StageNone, "planned"); err != nil {
		return domain.PositionPair{}, fmt.Errorf("lifecycle.Plan: %w", err)
	}
	return planned, nil
}

// Abort cancels a PLANNED pair. Once an order was submitted nothing can be
// cancelled and ErrNotCancellable is returned.
func (m *Manager) Abort(ctx context.Context, id string) (domain.PositionPair, error) {
	unlock := m.lockPair(id)
	defer unlock()

	p, err := m.store.Load(ctx, id)
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("lifecycle.Abort: %w", err)
	}
	if p.Status != domain.StatusPlanned {
		return p, fmt.Errorf("lifecycle.Abort %s: status %s: %w", id, p.Status, domain.ErrNotCancellable)
	}

	msg := "aborted by operator before any order was sent"
	if err := p.Fail(domain.StageOperatorAborted, msg, false); err != nil {
		return p, fmt.Errorf("lifecycle.Abort: %w", err)
	}
	now := m.clock.Now()
	p.ClosedAt = &now
	if err := m.persist(ctx, p, domain.StatusPlanned, domain.StageOperatorAborted, msg); err != nil {
		return p, fmt.Errorf("lifecycle.Abort: %w", err)
	}
	return p, nil
}

// Get returns the stored pair.
func (m *Manager) Get(ctx context.Context, id string) (domain.PositionPair, error) {
	return m.store.Load(ctx, id)
}

// List returns stored pairs in the given statuses (all when none given).
func (m *Manager) List(ctx context.Context, statuses ...domain.PairStatus) ([]domain.PositionPair, error) {
	return m.store.List(ctx, statuses...)
}

// StopLevels returns the synchronized stop-loss/take-profit prices of a pair
// whose legs have both been filled.
func (m *Manager) StopLevels(p domain.PositionPair) (domain.StopLevels, error) {
	primary, okP := p.Primary.Risk(m.maintenanceMargin(p.Primary.Exchange))
	hedge, okH := p.Hedge.Risk(m.maintenanceMargin(p.Hedge.Exchange))
	if !okP || !okH {
		return domain.StopLevels{}, fmt.Errorf("lifecycle.StopLevels %s: legs not filled: %w",
			p.ID, domain.ErrInvalidHedgeConfiguration)
	}
	return m.risk.SynchronizedStopLevels(primary, hedge)
}

func (m *Manager) maintenanceMargin(exchange string) decimal.Decimal {
	if mmr, ok := m.cfg.MaintenanceMargin[exchange]; ok {
		return mmr
	}
	return defaultMaintenanceMargin
}

// lockPair serializes all work on one pair. Pairs never share a lock.
func (m *Manager) lockPair(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &pairLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// persist saves p with an audit event and notifies. from == p.Status records
// progress inside a status.
func (m *Manager) persist(ctx context.Context, p domain.PositionPair, from domain.PairStatus, stage domain.Stage, message string) error {
	ev := domain.PairEvent{
		PairID:  p.ID,
		From:    from,
		To:      p.Status,
		Stage:   stage,
		Message: message,
		At:      m.clock.Now(),
	}
	if err := m.store.Save(ctx, p, ev); err != nil {
		slog.Error("lifecycle: persist failed", "pair_id", p.ID, "status", p.Status, "err", err)
		return fmt.Errorf("persist %s: %w", p.ID, err)
	}

	if from != p.Status {
		slog.Info("lifecycle: transition",
			"pair_id", p.ID, "symbol", p.Symbol, "from", from, "to", p.Status, "stage", stage)
	} else {
		slog.Debug("lifecycle: pair updated", "pair_id", p.ID, "status", p.Status, "note", message)
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyTransition(ctx, p, ev); err != nil {
			slog.Warn("lifecycle: notify failed", "pair_id", p.ID, "err", err)
		}
	}
	return nil
}

// fail moves p to ERROR (PARTIAL when partial), finalizes P&L and persists.
// The returned error carries stage and wraps cause.
func (m *Manager) fail(ctx context.Context, p domain.PositionPair, stage domain.Stage, message string, partial bool, cause error) (domain.PositionPair, error) {
	if cause == nil {
		cause = errors.New(message)
	}
	from := p.Status
	if err := p.Fail(stage, message, partial); err != nil {
		return p, fmt.Errorf("lifecycle: %w", err)
	}
	m.finalize(&p)
	if err := m.persist(ctx, p, from, stage, message); err != nil {
		return p, errors.Join(&domain.StageError{Stage: stage, Err: cause}, err)
	}
	if partial {
		slog.Error("lifecycle: pair needs manual remediation",
			"pair_id", p.ID, "symbol", p.Symbol, "stage", stage, "err", message)
	}
	return p, &domain.StageError{Stage: stage, Err: cause}
}

func (m *Manager) finalize(p *domain.PositionPair) {
	now := m.clock.Now()
	p.ClosedAt = &now
	p.RealizedPnl = p.ComputePnL()
}

func validatePlan(p domain.PositionPair) error {
	if p.Symbol == "" {
		return fmt.Errorf("empty symbol: %w", domain.ErrInvalidHedgeConfiguration)
	}
	if p.Primary.Side != p.Hedge.Side.Opposite() || (p.Primary.Side != domain.SideLong && p.Primary.Side != domain.SideShort) {
		return fmt.Errorf("sides %q/%q: %w", p.Primary.Side, p.Hedge.Side, domain.ErrInvalidHedgeConfiguration)
	}
	if p.Primary.Exchange == "" || p.Primary.Exchange == p.Hedge.Exchange {
		return fmt.Errorf("exchanges %q/%q: %w", p.Primary.Exchange, p.Hedge.Exchange, domain.ErrInvalidHedgeConfiguration)
	}
	for _, leg := range []domain.Leg{p.Primary, p.Hedge} {
		if !leg.Leverage.IsPositive() {
			return fmt.Errorf("%s leverage %s: %w", leg.Exchange, leg.Leverage, domain.ErrInvalidLeverage)
		}
		if !leg.Quantity.IsPositive() {
			return fmt.Errorf("%s quantity %s: %w", leg.Exchange, leg.Quantity, domain.ErrInvalidQuantity)
		}
	}
	return nil
}

// exchangeError normalizes any gateway failure, timeouts included, to
// *domain.ExchangeError.
func exchangeError(exchange, op string, err error) error {
	var exErr *domain.ExchangeError
	if errors.As(err, &exErr) {
		return exErr
	}
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timeout: " + msg
	}
	return &domain.ExchangeError{Exchange: exchange, Op: op, Message: msg}
}
