package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/alejandrodnm/hedger/internal/domain"
)

// Console implements ports.Notifier.
type Console struct {
	mu       sync.Mutex
	out      io.Writer
	progress bool
}

// NewConsole writes to stdout. With progress set it also prints events that
// do not change status.
func NewConsole(progress bool) *Console {
	return &Console{out: os.Stdout, progress: progress}
}

// NewConsoleWriter writes to w.
func NewConsoleWriter(w io.Writer, progress bool) *Console {
	return &Console{out: w, progress: progress}
}

// NotifyTransition prints one line per status change.
func (c *Console) NotifyTransition(_ context.Context, p domain.PositionPair, ev domain.PairEvent) error {
	if ev.From == ev.To && !c.progress {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s ", ev.At.Format("15:04:05"), shortID(p.ID), p.Symbol)
	if ev.From == ev.To {
		fmt.Fprintf(&sb, "%s", ev.To)
	} else {
		from := string(ev.From)
		if from == "" {
			from = "·"
		}
		fmt.Fprintf(&sb, "%s → %s", from, ev.To)
	}
	fmt.Fprintf(&sb, " | %s %s / %s %s",
		p.Primary.Exchange, p.Primary.Side, p.Hedge.Exchange, p.Hedge.Side)

	switch ev.To {
	case domain.StatusActive:
		fmt.Fprintf(&sb, " | entry spread %s%%", p.EntrySpread.StringFixed(4))
	case domain.StatusCompleted:
		fmt.Fprintf(&sb, " | %s | pnl $%s", p.CloseReason, p.RealizedPnl.StringFixed(4))
	case domain.StatusPartial, domain.StatusError:
		fmt.Fprintf(&sb, " | %s", ev.Stage)
		if p.Status == domain.StatusPartial {
			fmt.Fprint(&sb, " | RISK: one-sided exposure")
		}
	}
	if ev.Message != "" {
		fmt.Fprintf(&sb, " | %s", truncate(ev.Message, 80))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, sb.String())
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
