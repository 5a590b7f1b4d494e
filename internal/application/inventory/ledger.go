package inventory

import (
	"log/slog"
	"sync"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/shopspring/decimal"
)

// Ledger tracks running position and cost basis per match.
// It is a passive record: exposure limits are enforced by the quote engine.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*domain.InventoryPosition
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*domain.InventoryPosition)}
}

func (l *Ledger) entry(matchID string) *domain.InventoryPosition {
	p, ok := l.positions[matchID]
	if !ok {
		p = &domain.InventoryPosition{}
		l.positions[matchID] = p
	}
	return p
}

// ApplyFill adds count contracts bought at price (cents) to side.
func (l *Ledger) ApplyFill(matchID string, side domain.Side, price, count int) {
	if count <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.entry(matchID)
	cost := int64(price) * int64(count)
	if side == domain.SideB {
		p.CountB += count
		p.CostB += cost
	} else {
		p.CountA += count
		p.CostA += cost
	}
}

// Position returns a copy of the match position.
func (l *Ledger) Position(matchID string) domain.InventoryPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[matchID]; ok {
		return *p
	}
	return domain.InventoryPosition{}
}

// NetExposure returns count_a - count_b.
func (l *Ledger) NetExposure(matchID string) int {
	return l.Position(matchID).Net()
}

// AverageCost returns cost/count for side, zero when nothing is held.
func (l *Ledger) AverageCost(matchID string, side domain.Side) decimal.Decimal {
	return averageCost(l.Position(matchID), side)
}

func averageCost(p domain.InventoryPosition, side domain.Side) decimal.Decimal {
	count := p.Count(side)
	if count <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.Cost(side)).Div(decimal.NewFromInt(int64(count)))
}

// BreakevenCeiling is the highest price at which buying side still locks a
// non-negative payout against what is held on the opposite leg:
// 100 - ceil(avg cost opposite) - 1 - feeBuffer.
// ok is false when nothing is held on the opposite leg.
func (l *Ledger) BreakevenCeiling(matchID string, side domain.Side, feeBuffer int) (ceiling int, ok bool) {
	avg := l.AverageCost(matchID, side.Opposite())
	if !avg.IsPositive() {
		return 0, false
	}
	return domain.Payout - int(avg.Ceil().IntPart()) - 1 - feeBuffer, true
}

// Reconcile replaces the counts with the exchange-reported ones when they
// disagree. The average cost per contract is kept as last known, so total
// cost is rescaled to the new count. Returns true on divergence.
func (l *Ledger) Reconcile(matchID string, countA, countB int) bool {
	countA, countB = max(countA, 0), max(countB, 0)

	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.entry(matchID)
	if p.CountA == countA && p.CountB == countB {
		return false
	}
	slog.Warn("inventory: exchange position diverges from fills",
		"match", matchID,
		"ledgerA", p.CountA, "exchangeA", countA,
		"ledgerB", p.CountB, "exchangeB", countB,
	)
	p.CostA = rescale(averageCost(*p, domain.SideA), countA)
	p.CostB = rescale(averageCost(*p, domain.SideB), countB)
	p.CountA = countA
	p.CountB = countB
	return true
}

func rescale(avg decimal.Decimal, count int) int64 {
	return avg.Mul(decimal.NewFromInt(int64(count))).Round(0).IntPart()
}

// Remove drops the match position.
func (l *Ledger) Remove(matchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, matchID)
}
