package storage

// sqlite.go: position pair persistence.
//
// Tables:
//   - `position_pairs`: ONE row per pair (UPSERT). Both legs are flattened
//     with a p_ (primary) or h_ (hedge) prefix; each leg's state decides which
//     columns are meaningful.
//   - `pair_events`: audit log, one row per Save. INSERT only.
//   - `circuit_breaker`: always 1 row.
//
// Amounts and prices are TEXT (exact decimal); times are RFC3339Nano UTC.
// Each Save writes pair + event in one transaction.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var schema = `
CREATE TABLE IF NOT EXISTS position_pairs (
    id                   TEXT PRIMARY KEY,
    symbol               TEXT NOT NULL,
    status               TEXT NOT NULL,
    entry_spread         TEXT NOT NULL DEFAULT '0',
    entry_funding_spread TEXT NOT NULL DEFAULT '0',
    target_spread        TEXT,
    stop_loss_spread     TEXT,
    max_holding_s        INTEGER NOT NULL DEFAULT 0,
    created_at           TEXT NOT NULL,
    opened_at            TEXT,
    closed_at            TEXT,
    close_reason         TEXT NOT NULL DEFAULT '',
    realized_pnl         TEXT NOT NULL DEFAULT '0',
    error_stage          TEXT NOT NULL DEFAULT '',
    error_message        TEXT NOT NULL DEFAULT '',
    updated_at           TEXT NOT NULL,
    seq                  INTEGER NOT NULL,
` + legColumnsDDL("p_") + `,
` + legColumnsDDL("h_") + `
);

CREATE INDEX IF NOT EXISTS idx_pairs_status ON position_pairs(status);

CREATE TABLE IF NOT EXISTS pair_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    pair_id     TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status   TEXT NOT NULL,
    stage       TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_pair ON pair_events(pair_id, id);

CREATE TABLE IF NOT EXISTS circuit_breaker (
    id                  INTEGER PRIMARY KEY DEFAULT 1,
    consecutive_losses  INTEGER NOT NULL DEFAULT 0,
    max_losses          INTEGER NOT NULL DEFAULT 0,
    cooldown_until      TEXT,
    cooldown_duration_s INTEGER NOT NULL DEFAULT 0,
    total_pnl           TEXT NOT NULL DEFAULT '0',
    max_drawdown        TEXT NOT NULL DEFAULT '0',
    triggered           INTEGER NOT NULL DEFAULT 0,
    triggered_reason    TEXT NOT NULL DEFAULT ''
);

-- Exactly one breaker row
INSERT OR IGNORE INTO circuit_breaker (id) VALUES (1);
`

// legFields are the columns of one leg, unprefixed.
var legFields = []string{
	"exchange", "side", "leverage", "quantity", "state",
	"order_id", "entry_price", "filled_qty", "leg_opened_at",
	"exit_price", "leg_pnl", "fees", "leg_closed_at",
	"fail_stage", "fail_reason", "has_entry",
}

func legColumnsDDL(prefix string) string {
	defs := map[string]string{
		"exchange": "TEXT NOT NULL", "side": "TEXT NOT NULL",
		"leverage": "TEXT NOT NULL", "quantity": "TEXT NOT NULL",
		"state": "TEXT NOT NULL", "order_id": "TEXT NOT NULL DEFAULT ''",
		"entry_price": "TEXT", "filled_qty": "TEXT", "leg_opened_at": "TEXT",
		"exit_price": "TEXT", "leg_pnl": "TEXT", "fees": "TEXT", "leg_closed_at": "TEXT",
		"fail_stage": "TEXT NOT NULL DEFAULT ''", "fail_reason": "TEXT NOT NULL DEFAULT ''",
		"has_entry": "INTEGER NOT NULL DEFAULT 0",
	}
	cols := make([]string, len(legFields))
	for i, f := range legFields {
		cols[i] = fmt.Sprintf("    %s%s %s", prefix, f, defs[f])
	}
	return strings.Join(cols, ",\n")
}

var pairFields = []string{
	"id", "symbol", "status", "entry_spread", "entry_funding_spread",
	"target_spread", "stop_loss_spread", "max_holding_s", "created_at",
	"opened_at", "closed_at", "close_reason", "realized_pnl",
	"error_stage", "error_message",
}

func selectColumns() string {
	cols := append([]string(nil), pairFields...)
	for _, prefix := range []string{"p_", "h_"} {
		for _, f := range legFields {
			cols = append(cols, prefix+f)
		}
	}
	return strings.Join(cols, ", ")
}

// SQLiteStorage implements ports.PositionStore and ports.BreakerStore on
// SQLite (pure Go, no CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Save upserts the pair and appends ev to the log in one transaction.
func (s *SQLiteStorage) Save(ctx context.Context, p domain.PositionPair, ev domain.PairEvent) error {
	if p.ID == "" {
		return fmt.Errorf("storage.Save: empty pair id")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Save %s: begin tx: %w", p.ID, err)
	}
	defer tx.Rollback()

	args := []any{
		p.ID, p.Symbol, string(p.Status), p.EntrySpread, p.EntryFundingSpread,
		p.TargetSpread, p.StopLossSpread, int64(p.MaxHolding / time.Second), formatTime(p.CreatedAt),
		formatTimePtr(p.OpenedAt), formatTimePtr(p.ClosedAt), string(p.CloseReason), p.RealizedPnl,
		string(p.ErrorStage), p.ErrorMessage,
	}
	args = append(args, legArgs(p.Primary)...)
	args = append(args, legArgs(p.Hedge)...)
	args = append(args, formatTime(at))

	cols := selectColumns()
	n := strings.Count(cols, ",") + 1
	updates := make([]string, 0, n)
	for _, c := range strings.Split(cols, ", ") {
		if c == "id" || c == "created_at" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	updates = append(updates, "updated_at = excluded.updated_at")

	query := fmt.Sprintf(`
		INSERT INTO position_pairs (%s, updated_at, seq)
		VALUES (%s?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM position_pairs))
		ON CONFLICT(id) DO UPDATE SET %s`,
		cols, strings.Repeat("?, ", n), strings.Join(updates, ",\n\t\t\t"))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage.Save %s: upsert pair: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pair_events (pair_id, from_status, to_status, stage, message, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, string(ev.From), string(ev.To), string(ev.Stage), ev.Message, formatTime(at),
	); err != nil {
		return fmt.Errorf("storage.Save %s: insert event: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Save %s: commit: %w", p.ID, err)
	}
	return nil
}

// Load returns the pair or domain.ErrPairNotFound.
func (s *SQLiteStorage) Load(ctx context.Context, id string) (domain.PositionPair, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM position_pairs WHERE id = ?`, selectColumns()), id)
	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PositionPair{}, fmt.Errorf("storage.Load %s: %w", id, domain.ErrPairNotFound)
	}
	if err != nil {
		return domain.PositionPair{}, fmt.Errorf("storage.Load %s: %w", id, err)
	}
	return p, nil
}

// List returns pairs in any of the given statuses (all when none given),
// oldest first.
func (s *SQLiteStorage) List(ctx context.Context, statuses ...domain.PairStatus) ([]domain.PositionPair, error) {
	query := fmt.Sprintf(`SELECT %s FROM position_pairs`, selectColumns())
	args := make([]any, len(statuses))
	if len(statuses) > 0 {
		for i, st := range statuses {
			args[i] = string(st)
		}
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + `)`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.List: query: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.List: scan row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Events returns the pair audit log in write order.
func (s *SQLiteStorage) Events(ctx context.Context, pairID string) ([]domain.PairEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair_id, from_status, to_status, stage, message, at
		FROM pair_events WHERE pair_id = ? ORDER BY id`, pairID)
	if err != nil {
		return nil, fmt.Errorf("storage.Events %s: query: %w", pairID, err)
	}
	defer rows.Close()

	var out []domain.PairEvent
	for rows.Next() {
		var ev domain.PairEvent
		var from, to, stage, at string
		if err := rows.Scan(&ev.PairID, &from, &to, &stage, &ev.Message, &at); err != nil {
			return nil, fmt.Errorf("storage.Events %s: scan row: %w", pairID, err)
		}
		ev.From = domain.PairStatus(from)
		ev.To = domain.PairStatus(to)
		ev.Stage = domain.Stage(stage)
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveCircuitBreaker persists the breaker state.
func (s *SQLiteStorage) SaveCircuitBreaker(ctx context.Context, cb domain.CircuitBreaker) error {
	var cooldownUntil *time.Time
	if !cb.CooldownUntil.IsZero() {
		cooldownUntil = &cb.CooldownUntil
	}
	triggeredInt := 0
	if cb.Triggered {
		triggeredInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE circuit_breaker SET
		  consecutive_losses=?, max_losses=?, cooldown_until=?,
		  cooldown_duration_s=?, total_pnl=?, max_drawdown=?,
		  triggered=?, triggered_reason=?
		WHERE id=1`,
		cb.ConsecutiveLosses, cb.MaxLosses, formatTimePtr(cooldownUntil),
		int64(cb.CooldownDuration/time.Second), cb.TotalPnL, cb.MaxDrawdown,
		triggeredInt, cb.TriggeredReason,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveCircuitBreaker: %w", err)
	}
	return nil
}

// LoadCircuitBreaker loads the persisted breaker state.
func (s *SQLiteStorage) LoadCircuitBreaker(ctx context.Context) (domain.CircuitBreaker, error) {
	var cb domain.CircuitBreaker
	var triggeredInt int
	var cooldownUntil sql.NullString
	var cooldownDurationS int64

	err := s.db.QueryRowContext(ctx, `
		SELECT consecutive_losses, max_losses, cooldown_until, cooldown_duration_s,
		       total_pnl, max_drawdown, triggered, triggered_reason
		FROM circuit_breaker WHERE id=1`).Scan(
		&cb.ConsecutiveLosses, &cb.MaxLosses, &cooldownUntil, &cooldownDurationS,
		&cb.TotalPnL, &cb.MaxDrawdown, &triggeredInt, &cb.TriggeredReason,
	)
	if err != nil {
		return cb, fmt.Errorf("storage.LoadCircuitBreaker: %w", err)
	}

	cb.Triggered = triggeredInt != 0
	cb.CooldownDuration = time.Duration(cooldownDurationS) * time.Second
	if cooldownUntil.Valid {
		cb.CooldownUntil = parseTime(cooldownUntil.String)
	}
	return cb, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

// legRow is one leg as flattened in the row.
type legRow struct {
	exchange, side, state string
	leverage, quantity    decimal.Decimal
	orderID               string
	entryPrice, filledQty decimal.NullDecimal
	openedAt              sql.NullString
	exitPrice, pnl, fees  decimal.NullDecimal
	closedAt              sql.NullString
	failStage, failReason string
	hasEntry              int
}

func (r *legRow) dest() []any {
	return []any{
		&r.exchange, &r.side, &r.leverage, &r.quantity, &r.state,
		&r.orderID, &r.entryPrice, &r.filledQty, &r.openedAt,
		&r.exitPrice, &r.pnl, &r.fees, &r.closedAt,
		&r.failStage, &r.failReason, &r.hasEntry,
	}
}

func legArgs(l domain.Leg) []any {
	var (
		orderID               string
		entryPrice, filledQty decimal.NullDecimal
		openedAt              any
		exitPrice, pnl, fees  decimal.NullDecimal
		closedAt              any
		failStage, failReason string
		hasEntry              int
	)
	if entry, ok := l.Entry(); ok {
		hasEntry = 1
		orderID = entry.OrderID
		entryPrice = decimal.NewNullDecimal(entry.EntryPrice)
		filledQty = decimal.NewNullDecimal(entry.Quantity)
		openedAt = formatTime(entry.OpenedAt)
	}
	switch s := l.State.(type) {
	case domain.LegClosed:
		exitPrice = decimal.NewNullDecimal(s.ExitPrice)
		pnl = decimal.NewNullDecimal(s.RealizedPnl)
		fees = decimal.NewNullDecimal(s.Fees)
		closedAt = formatTime(s.ClosedAt)
	case domain.LegFailed:
		failStage = string(s.Stage)
		failReason = s.Reason
	}
	return []any{
		l.Exchange, string(l.Side), l.Leverage, l.Quantity, string(l.Status()),
		orderID, entryPrice, filledQty, openedAt,
		exitPrice, pnl, fees, closedAt,
		failStage, failReason, hasEntry,
	}
}

func (r legRow) toLeg(symbol string) (domain.Leg, error) {
	leg := domain.Leg{
		Exchange: r.exchange,
		Symbol:   symbol,
		Side:     domain.Side(r.side),
		Leverage: r.leverage,
		Quantity: r.quantity,
	}
	entry := domain.Fill{
		OrderID:    r.orderID,
		EntryPrice: r.entryPrice.Decimal,
		Quantity:   r.filledQty.Decimal,
	}
	if r.openedAt.Valid {
		entry.OpenedAt = parseTime(r.openedAt.String)
	}

	switch domain.LegStatus(r.state) {
	case domain.LegStatusPlanned:
		leg.State = domain.LegPlanned{}
	case domain.LegStatusOpen:
		leg.State = domain.LegOpen{Entry: entry}
	case domain.LegStatusClosing:
		leg.State = domain.LegClosing{Entry: entry}
	case domain.LegStatusClosed:
		closed := domain.LegClosed{
			Entry:       entry,
			ExitPrice:   r.exitPrice.Decimal,
			RealizedPnl: r.pnl.Decimal,
			Fees:        r.fees.Decimal,
		}
		if r.closedAt.Valid {
			closed.ClosedAt = parseTime(r.closedAt.String)
		}
		leg.State = closed
	case domain.LegStatusFailed:
		failed := domain.LegFailed{Stage: domain.Stage(r.failStage), Reason: r.failReason}
		if r.hasEntry == 1 {
			e := entry
			failed.Entry = &e
		}
		leg.State = failed
	default:
		return domain.Leg{}, fmt.Errorf("unknown leg state %q", r.state)
	}
	return leg, nil
}

func scanPair(row scanner) (domain.PositionPair, error) {
	var (
		p                          domain.PositionPair
		status, closeReason, stage string
		maxHoldingS                int64
		createdAt                  string
		openedAt, closedAt         sql.NullString
		primary, hedge             legRow
	)
	dest := []any{
		&p.ID, &p.Symbol, &status, &p.EntrySpread, &p.EntryFundingSpread,
		&p.TargetSpread, &p.StopLossSpread, &maxHoldingS, &createdAt,
		&openedAt, &closedAt, &closeReason, &p.RealizedPnl,
		&stage, &p.ErrorMessage,
	}
	dest = append(dest, primary.dest()...)
	dest = append(dest, hedge.dest()...)
	if err := row.Scan(dest...); err != nil {
		return domain.PositionPair{}, err
	}

	p.Status = domain.PairStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	p.ErrorStage = domain.Stage(stage)
	p.MaxHolding = time.Duration(maxHoldingS) * time.Second
	p.CreatedAt = parseTime(createdAt)
	if openedAt.Valid {
		t := parseTime(openedAt.String)
		p.OpenedAt = &t
	}
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		p.ClosedAt = &t
	}

	var err error
	if p.Primary, err = primary.toLeg(p.Symbol); err != nil {
		return domain.PositionPair{}, fmt.Errorf("pair %s primary: %w", p.ID, err)
	}
	if p.Hedge, err = hedge.toLeg(p.Symbol); err != nil {
		return domain.PositionPair{}, fmt.Errorf("pair %s hedge: %w", p.ID, err)
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}
