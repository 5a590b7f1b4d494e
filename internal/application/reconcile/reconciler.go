package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/alejandrodnm/kalshimm/internal/ports"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultWarnAfter = 3

// FillSink receives every fill the reconciler accepts.
type FillSink interface {
	ApplyFill(matchID string, side domain.Side, price, count int)
}

// Config holds reconciler parameters.
type Config struct {
	WarnAfter int              // consecutive failed cycles before a warning is raised
	Now       func() time.Time // clock, time.Now by default
}

// Reconciler maps intents onto live orders and applies fills.
// Exchange work for one match is serialized; different matches run
// concurrently. Fills never wait for an exchange call.
type Reconciler struct {
	exec    ports.OrderExecutor
	ledger  FillSink
	journal ports.Journal // may be nil
	cfg     Config

	mu      sync.Mutex
	matches map[string]*matchOrders
}

type sideFill struct {
	side domain.Side
	fill domain.Fill
}

// pollMark is what fill polling already applied for one order.
type pollMark struct {
	ahead int       // contracts applied from polling the stream has not delivered yet
	at    time.Time // when the exchange reported them
}

type matchOrders struct {
	ops sync.Mutex // one exchange action at a time; ApplyFill never takes it

	// mu guards everything below and is never held across an exchange call.
	mu         sync.Mutex
	expiration time.Time
	orders     map[domain.Side]*domain.LiveOrder
	placing    map[domain.Side]bool // placement in flight
	early      []sideFill           // fills seen while a placement was in flight
	done       map[string]struct{}  // exchange IDs fully filled
	trades     map[string]struct{}  // applied trade IDs
	polled     map[string]*pollMark // by exchange ID
	failures   int
	warning    string
	anomalies  int
}

// New creates a Reconciler. journal may be nil.
func New(exec ports.OrderExecutor, ledger FillSink, journal ports.Journal, cfg Config) *Reconciler {
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = defaultWarnAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		exec:    exec,
		ledger:  ledger,
		journal: journal,
		cfg:     cfg,
		matches: make(map[string]*matchOrders),
	}
}

func (r *Reconciler) match(matchID string) *matchOrders {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[matchID]
	if !ok {
		m = &matchOrders{
			orders:  make(map[domain.Side]*domain.LiveOrder),
			placing: make(map[domain.Side]bool),
			done:    make(map[string]struct{}),
			trades:  make(map[string]struct{}),
			polled:  make(map[string]*pollMark),
		}
		r.matches[matchID] = m
	}
	return m
}

// SetExpiration sets the expiration sent with new orders of the match.
func (r *Reconciler) SetExpiration(matchID string, t time.Time) {
	m := r.match(matchID)
	m.mu.Lock()
	m.expiration = t
	m.mu.Unlock()
}

// Adopt registers orders already resting on the exchange (restored from the
// journal) so they are managed like our own.
func (r *Reconciler) Adopt(matchID string, orders []domain.LiveOrder) {
	m := r.match(matchID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range orders {
		o := orders[i]
		if o.Status.Terminal() {
			continue
		}
		m.orders[o.Side] = &o
	}
}

// Orders returns a copy of the resting orders of the match keyed by side.
func (r *Reconciler) Orders(matchID string) map[domain.Side]domain.LiveOrder {
	m := r.match(matchID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *matchOrders) snapshot() map[domain.Side]domain.LiveOrder {
	out := make(map[domain.Side]domain.LiveOrder, len(m.orders))
	for side, o := range m.orders {
		out[side] = *o
	}
	return out
}

// Warning returns the current warning of the match and the number of
// reconciliation anomalies seen so far.
func (r *Reconciler) Warning(matchID string) (string, int) {
	m := r.match(matchID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warning, m.anomalies
}

// Apply executes the intents of one evaluation cycle.
// Failed actions are left for the next cycle; the error is only informative.
func (r *Reconciler) Apply(ctx context.Context, intents []domain.OrderIntent) error {
	if len(intents) == 0 {
		return nil
	}
	matchID := intents[0].MatchID
	m := r.match(matchID)
	m.ops.Lock()
	defer m.ops.Unlock()

	var errs []error
	for _, it := range intents {
		if err := r.applyIntent(ctx, m, it); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	r.recordOutcome(m, matchID, errs)
	m.mu.Unlock()
	return errors.Join(errs...)
}

func (r *Reconciler) applyIntent(ctx context.Context, m *matchOrders, it domain.OrderIntent) error {
	m.mu.Lock()
	var current *domain.LiveOrder
	if o := m.orders[it.Side]; o != nil {
		c := *o
		current = &c
	}
	m.mu.Unlock()

	switch it.Action {
	case domain.IntentCancel:
		if current == nil {
			return nil
		}
		return r.cancel(ctx, m, *current)

	case domain.IntentPlace, domain.IntentReprice:
		if current != nil {
			if current.Price == it.Price && current.Remaining() <= it.Count {
				return nil
			}
			if err := r.cancel(ctx, m, *current); err != nil {
				return err
			}
		}
		return r.place(ctx, m, it)
	}
	return fmt.Errorf("reconcile: unknown action %q", it.Action)
}

func (r *Reconciler) place(ctx context.Context, m *matchOrders, it domain.OrderIntent) error {
	now := r.cfg.Now()
	order := domain.LiveOrder{
		ID:        uuid.New().String(),
		MatchID:   it.MatchID,
		Ticker:    it.Ticker,
		Side:      it.Side,
		Price:     it.Price,
		Count:     it.Count,
		Status:    domain.OrderPending,
		PlacedAt:  now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	expiration := m.expiration
	m.placing[it.Side] = true
	m.mu.Unlock()

	placed, err := r.exec.PlaceOrder(ctx, domain.PlaceOrderRequest{
		ClientOrderID: order.ID,
		Ticker:        it.Ticker,
		Price:         it.Price,
		Count:         it.Count,
		Expiration:    expiration,
	})

	m.mu.Lock()
	m.placing[it.Side] = false
	if err != nil {
		r.settleEarly(m, it.MatchID, it.Side, nil)
		m.mu.Unlock()
		slog.Warn("reconcile: place failed",
			"match", it.MatchID, "ticker", it.Ticker, "price", it.Price, "err", err)
		return fmt.Errorf("place %s @%d: %w", it.Ticker, it.Price, err)
	}

	order.ExchangeID = placed.OrderID
	order.Status = domain.OrderLive
	if placed.Status == domain.OrderCanceled {
		order.Status = domain.OrderCanceled
	}
	r.settleEarly(m, it.MatchID, it.Side, &order)
	if !order.Status.Terminal() {
		stored := order
		m.orders[it.Side] = &stored
	}
	m.mu.Unlock()

	slog.Info("reconcile: placed",
		"match", it.MatchID, "ticker", it.Ticker, "side", it.Side,
		"price", it.Price, "count", it.Count, "order", order.ExchangeID)
	r.save(ctx, order)
	return nil
}

// settleEarly credits fills that raced ahead of the placement response to
// the new order. Fills for any other order are anomalies. m.mu must be held.
func (r *Reconciler) settleEarly(m *matchOrders, matchID string, side domain.Side, o *domain.LiveOrder) {
	kept := m.early[:0]
	for _, ef := range m.early {
		if ef.side != side {
			kept = append(kept, ef)
			continue
		}
		if o != nil && ef.fill.OrderID == o.ExchangeID {
			r.credit(m, o, ef.fill.Count)
			continue
		}
		m.anomalies++
		slog.Warn("reconcile: fill without resting order",
			"match", matchID, "side", side, "order", ef.fill.OrderID, "count", ef.fill.Count)
	}
	m.early = kept
}

// credit adds count to the order and marks it done when complete.
func (r *Reconciler) credit(m *matchOrders, o *domain.LiveOrder, count int) {
	o.FilledCount += count
	o.UpdatedAt = r.cfg.Now()
	o.Status = domain.OrderPartial
	if o.FilledCount >= o.Count {
		o.Status = domain.OrderFilled
		m.done[o.ExchangeID] = struct{}{}
		delete(m.polled, o.ExchangeID)
	}
}

// cancel cancels o on the exchange and drops it from the match if it is
// still the resting order of its side.
func (r *Reconciler) cancel(ctx context.Context, m *matchOrders, o domain.LiveOrder) error {
	err := r.exec.CancelOrder(ctx, o.ExchangeID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		slog.Warn("reconcile: cancel failed",
			"match", o.MatchID, "ticker", o.Ticker, "order", o.ExchangeID, "err", err)
		return fmt.Errorf("cancel %s: %w", o.ExchangeID, err)
	}

	m.mu.Lock()
	final, ok := r.dropLocked(m, o)
	m.mu.Unlock()
	if ok {
		slog.Info("reconcile: canceled",
			"match", o.MatchID, "ticker", o.Ticker, "price", o.Price, "order", o.ExchangeID)
		r.save(ctx, final)
	}
	return nil
}

// dropLocked marks the stored copy of o canceled and removes it.
// Returns false if a fill already completed it. m.mu must be held.
func (r *Reconciler) dropLocked(m *matchOrders, o domain.LiveOrder) (domain.LiveOrder, bool) {
	cur := m.orders[o.Side]
	if cur == nil || cur.ExchangeID != o.ExchangeID {
		return domain.LiveOrder{}, false
	}
	cur.Status = domain.OrderCanceled
	cur.UpdatedAt = r.cfg.Now()
	delete(m.orders, o.Side)
	return *cur, true
}

func (r *Reconciler) recordOutcome(m *matchOrders, matchID string, errs []error) {
	if len(errs) == 0 {
		m.failures = 0
		m.warning = ""
		return
	}
	m.failures++
	if m.failures >= r.cfg.WarnAfter {
		m.warning = fmt.Sprintf("%d consecutive order failures: %v", m.failures, errs[len(errs)-1])
		slog.Warn("reconcile: match degraded", "match", matchID, "failures", m.failures)
	}
}

// CancelAll cancels every resting order of the match concurrently and
// returns the orders that ended canceled. It waits for any exchange action
// of the match already in flight.
func (r *Reconciler) CancelAll(ctx context.Context, matchID string) ([]domain.LiveOrder, error) {
	m := r.match(matchID)
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	orders := make([]domain.LiveOrder, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, *o)
	}
	m.mu.Unlock()

	errs := make([]error, len(orders))
	var g errgroup.Group
	for i, o := range orders {
		g.Go(func() error {
			err := r.exec.CancelOrder(ctx, o.ExchangeID)
			if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
				errs[i] = fmt.Errorf("cancel %s: %w", o.ExchangeID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var canceled []domain.LiveOrder
	m.mu.Lock()
	for i, o := range orders {
		if errs[i] != nil {
			continue
		}
		if final, ok := r.dropLocked(m, o); ok {
			canceled = append(canceled, final)
		}
	}
	m.mu.Unlock()

	for _, o := range canceled {
		r.save(ctx, o)
	}
	if err := errors.Join(errs...); err != nil {
		return canceled, fmt.Errorf("reconcile.CancelAll %s: %w", matchID, err)
	}
	return canceled, nil
}

// ApplyFill applies a fill for the match side. A fill that matches no known
// order still updates the ledger but is counted as an anomaly.
// Returns false when the fill was a duplicate.
func (r *Reconciler) ApplyFill(ctx context.Context, matchID string, side domain.Side, f domain.Fill) bool {
	m := r.match(matchID)
	m.mu.Lock()
	applied, changed := r.applyFill(m, matchID, side, f, false)
	m.mu.Unlock()
	r.persist(ctx, matchID, side, applied, changed)
	return applied.Count > 0
}

// applyFill dedups f and applies it to the order and ledger. It returns the
// fill as applied (zero Count when dropped) and the order it changed, if
// any. m.mu must be held.
func (r *Reconciler) applyFill(m *matchOrders, matchID string, side domain.Side, f domain.Fill, polled bool) (domain.Fill, *domain.LiveOrder) {
	if f.Count <= 0 {
		return domain.Fill{}, nil
	}
	if f.TradeID != "" {
		if _, seen := m.trades[f.TradeID]; seen {
			return domain.Fill{}, nil
		}
		m.trades[f.TradeID] = struct{}{}
	}
	if _, done := m.done[f.OrderID]; done {
		slog.Debug("reconcile: fill for completed order dropped", "match", matchID, "order", f.OrderID)
		return domain.Fill{}, nil
	}

	if polled {
		mark := m.polled[f.OrderID]
		if mark == nil {
			mark = &pollMark{}
			m.polled[f.OrderID] = mark
		}
		mark.ahead += f.Count
		mark.at = f.Time
	} else if mark := m.polled[f.OrderID]; mark != nil && mark.ahead > 0 && !f.Time.After(mark.at) {
		// ya contado por el polling
		covered := min(mark.ahead, f.Count)
		mark.ahead -= covered
		f.Count -= covered
		if f.Count == 0 {
			slog.Debug("reconcile: fill already applied by polling", "match", matchID, "order", f.OrderID)
			return domain.Fill{}, nil
		}
	}

	var changed *domain.LiveOrder
	o := m.orders[side]
	switch {
	case o != nil && o.ExchangeID == f.OrderID:
		r.credit(m, o, f.Count)
		if o.Status == domain.OrderFilled {
			delete(m.orders, side)
		}
		c := *o
		changed = &c
	case m.placing[side]:
		// la respuesta del place todavía no llegó
		m.early = append(m.early, sideFill{side: side, fill: f})
	default:
		m.anomalies++
		slog.Warn("reconcile: fill without resting order",
			"match", matchID, "side", side, "order", f.OrderID, "price", f.Price, "count", f.Count)
	}

	r.ledger.ApplyFill(matchID, side, f.Price, f.Count)
	slog.Info("reconcile: fill",
		"match", matchID, "side", side, "price", f.Price, "count", f.Count, "order", f.OrderID)
	return f, changed
}

func (r *Reconciler) persist(ctx context.Context, matchID string, side domain.Side, f domain.Fill, changed *domain.LiveOrder) {
	if changed != nil {
		r.save(ctx, *changed)
	}
	if f.Count <= 0 || r.journal == nil {
		return
	}
	if err := r.journal.SaveFill(ctx, domain.JournalFill{MatchID: matchID, Side: side, Fill: f}); err != nil {
		slog.Warn("reconcile: journal fill failed", "match", matchID, "err", err)
	}
}

// PollFills asks the exchange for the state of every resting order of the
// match and applies fills the stream did not deliver.
func (r *Reconciler) PollFills(ctx context.Context, matchID string) error {
	m := r.match(matchID)
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	orders := m.snapshot()
	m.mu.Unlock()

	var errs []error
	for side, o := range orders {
		report, err := r.exec.GetOrder(ctx, o.ExchangeID)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				m.mu.Lock()
				if cur := m.orders[side]; cur != nil && cur.ExchangeID == o.ExchangeID {
					delete(m.orders, side)
				}
				m.mu.Unlock()
				continue
			}
			errs = append(errs, fmt.Errorf("poll %s: %w", o.ExchangeID, err))
			continue
		}

		m.mu.Lock()
		cur := m.orders[side]
		if cur == nil || cur.ExchangeID != o.ExchangeID {
			// completed by the stream meanwhile
			m.mu.Unlock()
			continue
		}
		var (
			applied domain.Fill
			changed *domain.LiveOrder
		)
		if missed := report.FillCount - cur.FilledCount; missed > 0 {
			applied, changed = r.applyFill(m, matchID, side, domain.Fill{
				TradeID: fmt.Sprintf("poll:%s:%d", o.ExchangeID, report.FillCount),
				OrderID: o.ExchangeID,
				Ticker:  o.Ticker,
				Price:   o.Price,
				Count:   missed,
				Time:    r.cfg.Now(),
			}, true)
		}
		if cur := m.orders[side]; cur != nil && cur.ExchangeID == o.ExchangeID && report.Status == domain.OrderCanceled {
			cur.Status = domain.OrderCanceled
			c := *cur
			changed = &c
			delete(m.orders, side)
		}
		m.mu.Unlock()
		r.persist(ctx, matchID, side, applied, changed)
	}
	return errors.Join(errs...)
}

// Forget drops all state of the match.
func (r *Reconciler) Forget(matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.matches, matchID)
}

func (r *Reconciler) save(ctx context.Context, o domain.LiveOrder) {
	if r.journal == nil {
		return
	}
	if err := r.journal.SaveOrder(ctx, o); err != nil {
		slog.Warn("reconcile: journal order failed", "order", o.ID, "err", err)
	}
}
