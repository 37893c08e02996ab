package notify

import (
	"fmt"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// ReportInput is what PrintReport renders.
type ReportInput struct {
	Pairs          []domain.PositionPair
	Events         map[string][]domain.PairEvent // pairID → events
	CircuitBreaker domain.CircuitBreaker
	Now            time.Time
}

// PrintReport prints the pairs table, open exposure and breaker state.
func (c *Console) PrintReport(in ReportInput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n╔══════════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(c.out, "║                    HEDGED PAIRS REPORT                       ║\n")
	fmt.Fprintf(c.out, "╚══════════════════════════════════════════════════════════════╝\n\n")

	counts := make(map[domain.PairStatus]int)
	total := decimal.Zero
	for _, p := range in.Pairs {
		counts[p.Status]++
		if p.Status.IsTerminal() {
			total = total.Add(p.RealizedPnl)
		}
	}
	fmt.Fprintf(c.out, "  Pairs:        %d (active %d, completed %d, partial %d, error %d)\n",
		len(in.Pairs), counts[domain.StatusActive], counts[domain.StatusCompleted],
		counts[domain.StatusPartial], counts[domain.StatusError])
	fmt.Fprintf(c.out, "  Realized P&L: $%s\n\n", total.StringFixed(4))

	if len(in.Pairs) > 0 {
		table := tablewriter.NewWriter(c.out)
		table.Header("ID", "Symbol", "Primary", "Hedge", "Status", "Stage", "Entry%", "Held", "Reason", "PnL")
		for _, p := range in.Pairs {
			held := "-"
			if p.OpenedAt != nil {
				end := in.Now
				if p.ClosedAt != nil {
					end = *p.ClosedAt
				}
				held = end.Sub(*p.OpenedAt).Truncate(time.Minute).String()
			}
			table.Append(
				shortID(p.ID),
				p.Symbol,
				legLabel(p.Primary),
				legLabel(p.Hedge),
				string(p.Status),
				string(p.ErrorStage),
				p.EntrySpread.StringFixed(4),
				held,
				string(p.CloseReason),
				p.RealizedPnl.StringFixed(4),
			)
		}
		table.Render()
	}

	fmt.Fprintf(c.out, "\n── NEEDS ATTENTION ──\n")
	attention := 0
	for _, p := range in.Pairs {
		if p.Status != domain.StatusPartial && p.Status != domain.StatusOpening && p.Status != domain.StatusClosing {
			continue
		}
		attention++
		fmt.Fprintf(c.out, "  [%s] %s %s: %s %s\n", shortID(p.ID), p.Symbol, p.Status, p.ErrorStage, truncate(p.ErrorMessage, 60))
		for _, ev := range in.Events[p.ID] {
			fmt.Fprintf(c.out, "      %s %-9s → %-9s %s %s\n",
				ev.At.Format("01-02 15:04:05"), ev.From, ev.To, ev.Stage, truncate(ev.Message, 50))
		}
	}
	if attention == 0 {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── SUMMARY ──\n")
	fmt.Fprintf(c.out, "  Circuit breaker:    ")
	cb := in.CircuitBreaker
	switch {
	case cb.Triggered:
		fmt.Fprintf(c.out, "TRIGGERED (reason: %s)\n", cb.TriggeredReason)
	case in.Now.Before(cb.CooldownUntil):
		fmt.Fprintf(c.out, "COOLDOWN until %s\n", cb.CooldownUntil.Format(time.RFC3339))
	default:
		fmt.Fprintf(c.out, "OK\n")
	}
	fmt.Fprintf(c.out, "  Cumulative P&L:     $%s (%d consecutive losses)\n",
		cb.TotalPnL.StringFixed(4), cb.ConsecutiveLosses)
	fmt.Fprintln(c.out)
}

func legLabel(l domain.Leg) string {
	label := fmt.Sprintf("%s %s", l.Exchange, l.Side)
	if entry, ok := l.Entry(); ok {
		label += " @" + entry.EntryPrice.String()
	}
	return label
}
