package quote

import (
	"sync"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
)

// Config holds the timing and rebalancing parameters of the engine.
type Config struct {
	StickyReset  time.Duration // full re-evaluation period while holding the top
	OverbidDelay time.Duration // how long a competitor above ceiling is tolerated
	FeeBuffer    int           // cents subtracted from the breakeven ceiling
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StickyReset:  10 * time.Second,
		OverbidDelay: 10 * time.Second,
	}
}

// Inventory is the ledger view the engine needs.
type Inventory interface {
	Position(matchID string) domain.InventoryPosition
	BreakevenCeiling(matchID string, side domain.Side, feeBuffer int) (int, bool)
}

// Input is everything one evaluation looks at.
type Input struct {
	Now     time.Time
	Match   domain.Match
	TopA    domain.TopOfBook
	TopB    domain.TopOfBook
	Resting map[domain.Side]domain.LiveOrder
}

func (in Input) top(side domain.Side) domain.TopOfBook {
	if side == domain.SideB {
		return in.TopB
	}
	return in.TopA
}

// Engine is the quoting state machine of one match: two independent sides.
// Evaluate is called from a single goroutine per match; the lock only
// protects Snapshot readers.
type Engine struct {
	matchID string
	cfg     Config
	inv     Inventory

	mu    sync.Mutex
	sides map[domain.Side]*domain.SideQuote
}

// New creates an engine with both sides IDLE.
func New(matchID string, cfg Config, inv Inventory) *Engine {
	if cfg.StickyReset <= 0 {
		cfg.StickyReset = DefaultConfig().StickyReset
	}
	if cfg.OverbidDelay <= 0 {
		cfg.OverbidDelay = DefaultConfig().OverbidDelay
	}
	return &Engine{
		matchID: matchID,
		cfg:     cfg,
		inv:     inv,
		sides: map[domain.Side]*domain.SideQuote{
			domain.SideA: {State: domain.StateIdle},
			domain.SideB: {State: domain.StateIdle},
		},
	}
}

// SetConfig swaps the engine parameters. Timers are kept.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.StickyReset > 0 {
		e.cfg.StickyReset = cfg.StickyReset
	}
	if cfg.OverbidDelay > 0 {
		e.cfg.OverbidDelay = cfg.OverbidDelay
	}
	e.cfg.FeeBuffer = cfg.FeeBuffer
}

// Evaluate computes the target of each side and returns the intents that
// differ from what is resting.
func (e *Engine) Evaluate(in Input) []domain.OrderIntent {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.inv.Position(e.matchID)
	var intents []domain.OrderIntent
	for _, side := range domain.Sides {
		if it, ok := e.evaluateSide(in, side, pos); ok {
			intents = append(intents, it)
		}
	}
	return intents
}

func (e *Engine) evaluateSide(in Input, side domain.Side, pos domain.InventoryPosition) (domain.OrderIntent, bool) {
	q := e.sides[side]
	settings := in.Match.Settings
	resting, hasOrder := in.Resting[side]

	if q.StickySince.IsZero() {
		q.StickySince = in.Now
	}
	retest := in.Now.Sub(q.StickySince) >= e.cfg.StickyReset
	if retest {
		q.StickySince = in.Now
	}

	var (
		target  int
		reason  domain.QuoteReason
		ceiling = settings.Ceiling(side)
	)
	switch {
	case !in.Match.Active:
		q.OverbidSince = time.Time{}
	case settings.Expired(in.Now):
		reason = domain.ReasonEventStarted
		q.OverbidSince = time.Time{}
	case pos.AtLimit(side, settings.MaxInventory):
		reason = domain.ReasonOverexposed
		q.OverbidSince = time.Time{}
	default:
		rebalancing := false
		if pos.AtLimit(side.Opposite(), settings.MaxInventory) {
			// solo sube el ceiling; si el breakeven queda debajo de theo-edge
			// el lado sigue cotizando normal
			if be, ok := e.inv.BreakevenCeiling(e.matchID, side, e.cfg.FeeBuffer); ok && float64(be) > settings.Theo(side)-settings.Edge {
				ceiling = be
				rebalancing = true
			}
		}
		ceiling = min(ceiling, domain.MaxPrice)
		if ceiling < domain.MinPrice {
			reason = domain.ReasonNoRoom
			break
		}
		var ours *domain.LiveOrder
		if hasOrder {
			ours = &resting
		}
		target, reason = e.price(q, in.Now, in.top(side), ours, ceiling, retest)
		if target > 0 {
			switch {
			case rebalancing:
				reason = domain.ReasonRebalancing
			case reason == domain.ReasonNone && target == ceiling:
				reason = domain.ReasonAtCeiling
			}
		}
	}

	q.Ceiling = ceiling
	q.Target = target
	q.Reason = reason
	switch {
	case target > 0:
		q.State = domain.StateQuoting
	case hasOrder:
		q.State = domain.StateWithdrawing
	default:
		q.State = domain.StateIdle
	}

	intent := domain.OrderIntent{
		MatchID: e.matchID,
		Ticker:  in.Match.Ticker(side),
		Side:    side,
	}
	if target == 0 {
		if !hasOrder {
			return intent, false
		}
		intent.Action = domain.IntentCancel
		intent.Price = resting.Price
		return intent, true
	}

	// size so that a full fill cannot push |net| past the limit
	room := settings.MaxInventory - pos.Net()
	if side == domain.SideB {
		room = settings.MaxInventory + pos.Net()
	}
	intent.Price = target
	intent.Count = min(settings.Contracts, room)
	switch {
	case !hasOrder:
		intent.Action = domain.IntentPlace
	case resting.Price != target || resting.Remaining() > room:
		intent.Action = domain.IntentReprice
	default:
		return intent, false
	}
	return intent, true
}

// price applies the ceiling-seeking sticky policy to one side.
// A zero target means withdraw.
func (e *Engine) price(q *domain.SideQuote, now time.Time, top domain.TopOfBook, ours *domain.LiveOrder, ceiling int, retest bool) (int, domain.QuoteReason) {
	best, bestQty, second := top.BestYes, top.BestYesQty, top.SecondYes

	var target int
	switch {
	case ours != nil && best == ours.Price:
		// holding the top
		q.OverbidSince = time.Time{}
		switch {
		case bestQty > ours.Remaining() && ours.Price < ceiling:
			// someone joined our level
			target = ours.Price + 1
		case !retest:
			target = ours.Price
		default:
			target = second + 1
		}
	case best > ceiling:
		if q.OverbidSince.IsZero() {
			q.OverbidSince = now
		}
		if ours == nil || now.Sub(q.OverbidSince) >= e.cfg.OverbidDelay {
			return 0, domain.ReasonOverbid
		}
		return min(ours.Price, ceiling), domain.ReasonOverbid
	default:
		q.OverbidSince = time.Time{}
		target = best + 1
	}
	return max(domain.MinPrice, min(ceiling, target)), domain.ReasonNone
}

// Snapshot returns a copy of both side states.
func (e *Engine) Snapshot() (a, b domain.SideQuote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.sides[domain.SideA], *e.sides[domain.SideB]
}

// Reset puts both sides back to IDLE and clears their timers.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, side := range domain.Sides {
		e.sides[side] = &domain.SideQuote{State: domain.StateIdle}
	}
}
