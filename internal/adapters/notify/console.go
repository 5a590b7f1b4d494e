package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console implementa ports.Notifier.
type Console struct {
	out io.Writer
	now func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, now: time.Now}
}

// Notify imprime una tabla con dos filas por match (lado A y lado B).
func (c *Console) Notify(_ context.Context, statuses []domain.MatchStatus) error {
	now := c.now().Format("15:04:05")
	if len(statuses) == 0 {
		fmt.Fprintf(c.out, "[%s] no matches configured\n", now)
		return nil
	}

	active := 0
	for _, st := range statuses {
		if st.Match.Active {
			active++
		}
	}
	fmt.Fprintf(c.out, "\n[%s] %d matches, %d quoting\n", now, len(statuses), active)

	table := tablewriter.NewWriter(c.out)
	table.Header("Match", "Side", "Ticker", "State", "Bid", "Ceil", "Reason", "Pos", "Avg", "Net")

	for _, st := range statuses {
		resting := make(map[domain.Side]domain.LiveOrder, len(st.Orders))
		for _, o := range st.Orders {
			resting[o.Side] = o
		}
		for _, side := range domain.Sides {
			q := st.Quote(side)
			name, net := "", ""
			if side == domain.SideA {
				name = st.Match.Label()
				net = fmt.Sprintf("%+d", st.Position.Net())
			}
			table.Append(
				name,
				string(side),
				st.Match.Ticker(side),
				stateLabel(st.Match.Active, q.State),
				bidLabel(resting, side),
				ceilLabel(q.Ceiling),
				string(q.Reason),
				strconv.Itoa(st.Position.Count(side)),
				avgLabel(st.Position, side),
				net,
			)
		}
	}
	table.Render()

	for _, st := range statuses {
		if st.Warning != "" {
			fmt.Fprintf(c.out, "  ⚠ %s: %s\n", st.Match.Label(), st.Warning)
		}
		if st.Anomalies > 0 {
			fmt.Fprintf(c.out, "  ⚠ %s: %d unmatched fills\n", st.Match.Label(), st.Anomalies)
		}
	}
	return nil
}

func stateLabel(active bool, s domain.QuoteState) string {
	if !active {
		return "STOPPED"
	}
	return string(s)
}

func bidLabel(resting map[domain.Side]domain.LiveOrder, side domain.Side) string {
	o, ok := resting[side]
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%d¢ x%d", o.Price, o.Remaining())
}

func ceilLabel(c int) string {
	if c <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d¢", c)
}

func avgLabel(p domain.InventoryPosition, side domain.Side) string {
	n := p.Count(side)
	if n == 0 {
		return "-"
	}
	avg := decimal.NewFromInt(p.Cost(side)).Div(decimal.NewFromInt(int64(n)))
	return avg.StringFixed(2) + "¢"
}
