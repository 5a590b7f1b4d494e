package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/application/inventory"
	"github.com/alejandrodnm/kalshimm/internal/application/quote"
	"github.com/alejandrodnm/kalshimm/internal/application/reconcile"
	"github.com/alejandrodnm/kalshimm/internal/application/stream"
	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/alejandrodnm/kalshimm/internal/ports"
)

const (
	defaultCheckInterval = 2 * time.Second
	defaultInventorySync = 30 * time.Second
)

// Stream es la parte de la sesión que usa el coordinador.
type Stream interface {
	Subscribe(tickers ...string) error
	Unsubscribe(tickers ...string) error
	Connected() bool
}

// Books es la vista de lectura del BookStore.
type Books interface {
	Top(ticker string) (domain.TopOfBook, bool)
}

// Config holds coordinator parameters.
type Config struct {
	Quote         quote.Config
	CheckInterval time.Duration // periodic tick
	InventorySync time.Duration // exchange position sync, <0 disables
	Now           func() time.Time
}

type tickerRef struct {
	matchID string
	side    domain.Side
}

// matchRunner owns the evaluation goroutine of one match.
type matchRunner struct {
	life sync.Mutex // serializes start/stop; never held by the worker

	mu      sync.Mutex
	match   domain.Match
	updated time.Time

	engine *quote.Engine
	wake   chan struct{}
	stop   chan struct{} // closed by StopMatch; in-flight exchange calls finish first
	done   chan struct{}
}

func (r *matchRunner) snapshot() domain.Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.match
}

func (r *matchRunner) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Coordinator es el dueño de todos los matches del proceso.
// Rutea eventos del stream al match dueño de cada ticker, corre un worker
// por match y el tick periódico.
type Coordinator struct {
	exec    ports.OrderExecutor
	books   Books
	ledger  *inventory.Ledger
	recon   *reconcile.Reconciler
	journal ports.Journal // may be nil
	cfg     Config

	mu       sync.RWMutex
	stream   Stream
	matches  map[string]*matchRunner
	byTicker map[string]tickerRef

	lastSync time.Time
}

// New crea un Coordinator. journal puede ser nil.
func New(exec ports.OrderExecutor, books Books, ledger *inventory.Ledger, recon *reconcile.Reconciler, journal ports.Journal, cfg Config) *Coordinator {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.InventorySync == 0 {
		cfg.InventorySync = defaultInventorySync
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		exec:     exec,
		books:    books,
		ledger:   ledger,
		recon:    recon,
		journal:  journal,
		cfg:      cfg,
		matches:  make(map[string]*matchRunner),
		byTicker: make(map[string]tickerRef),
	}
}

// SetStream conecta la sesión. Se llama una vez, antes de arrancar matches;
// la sesión recibe al coordinador como Handler.
func (c *Coordinator) SetStream(s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = s
}

func (c *Coordinator) connected() bool {
	c.mu.RLock()
	s := c.stream
	c.mu.RUnlock()
	return s != nil && s.Connected()
}

func (c *Coordinator) runner(id string) (*matchRunner, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMatchNotFound, id)
	}
	return r, nil
}

// AddMatch registra un match inactivo.
func (c *Coordinator) AddMatch(m domain.Match) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("engine.AddMatch: %w", err)
	}
	m.Active = false

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.matches[m.ID]; ok {
		return fmt.Errorf("engine.AddMatch: %w: %s", domain.ErrMatchExists, m.ID)
	}
	for _, t := range []string{m.TickerA, m.TickerB} {
		if ref, ok := c.byTicker[t]; ok {
			return fmt.Errorf("engine.AddMatch: %w: %s (match %s)", domain.ErrTickerInUse, t, ref.matchID)
		}
	}

	c.matches[m.ID] = &matchRunner{
		match:   m,
		updated: c.cfg.Now(),
		engine:  quote.New(m.ID, c.cfg.Quote, c.ledger),
		wake:    make(chan struct{}, 1),
	}
	c.byTicker[m.TickerA] = tickerRef{matchID: m.ID, side: domain.SideA}
	c.byTicker[m.TickerB] = tickerRef{matchID: m.ID, side: domain.SideB}
	slog.Info("engine: match added", "match", m.ID, "a", m.TickerA, "b", m.TickerB)
	return nil
}

// Restore reconstruye el ledger del match desde el journal y adopta sus
// órdenes abiertas. Se llama antes de StartMatch, que las cancela.
func (c *Coordinator) Restore(ctx context.Context, id string) error {
	if _, err := c.runner(id); err != nil {
		return fmt.Errorf("engine.Restore: %w", err)
	}
	if c.journal == nil {
		return nil
	}
	fills, err := c.journal.Fills(ctx, id)
	if err != nil {
		return fmt.Errorf("engine.Restore: fills: %w", err)
	}
	for _, f := range fills {
		c.ledger.ApplyFill(id, f.Side, f.Price, f.Count)
	}
	open, err := c.journal.OpenOrders(ctx, id)
	if err != nil {
		return fmt.Errorf("engine.Restore: open orders: %w", err)
	}
	c.recon.Adopt(id, open)

	pos := c.ledger.Position(id)
	slog.Info("engine: match restored", "match", id,
		"fills", len(fills), "open_orders", len(open), "countA", pos.CountA, "countB", pos.CountB)
	return nil
}

// StartMatch valida el match, limpia órdenes sueltas en sus tickers, se
// suscribe y arranca su worker. Arrancar un match activo es un no-op.
func (c *Coordinator) StartMatch(ctx context.Context, id string) error {
	r, err := c.runner(id)
	if err != nil {
		return fmt.Errorf("engine.StartMatch: %w", err)
	}

	r.life.Lock()
	defer r.life.Unlock()

	m := r.snapshot()
	if m.Active {
		return nil
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("engine.StartMatch: %w", err)
	}
	if m.Settings.Expired(c.cfg.Now()) {
		return fmt.Errorf("engine.StartMatch: %w: event already started", domain.ErrInvalidMatch)
	}

	if err := c.sweep(ctx, m); err != nil {
		return fmt.Errorf("engine.StartMatch: %w", err)
	}

	c.recon.SetExpiration(id, m.Settings.EventTime)
	r.engine.Reset()

	stop, done := make(chan struct{}), make(chan struct{})
	r.mu.Lock()
	r.match.Active = true
	r.updated = c.cfg.Now()
	r.stop, r.done = stop, done
	r.mu.Unlock()
	go c.work(context.WithoutCancel(ctx), r, stop, done)

	c.mu.RLock()
	s := c.stream
	c.mu.RUnlock()
	if s != nil {
		if err := s.Subscribe(m.TickerA, m.TickerB); err != nil {
			// el set queda registrado y se restaura al reconectar
			slog.Warn("engine: subscribe failed", "match", id, "err", err)
		}
	}
	r.notify()
	slog.Info("engine: match started", "match", id, "label", m.Label())
	return nil
}

// sweep cancela lo que quedó de una ejecución anterior: primero las órdenes
// adoptadas del journal, luego cualquier orden en reposo en los tickers.
func (c *Coordinator) sweep(ctx context.Context, m domain.Match) error {
	if _, err := c.recon.CancelAll(ctx, m.ID); err != nil {
		return fmt.Errorf("sweep adopted: %w", err)
	}
	var errs []error
	for _, t := range []string{m.TickerA, m.TickerB} {
		ids, err := c.exec.RestingOrders(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("resting %s: %w", t, err))
			continue
		}
		for _, oid := range ids {
			err := c.exec.CancelOrder(ctx, oid)
			if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
				errs = append(errs, fmt.Errorf("cancel stray %s: %w", oid, err))
				continue
			}
			slog.Info("engine: stray order canceled", "match", m.ID, "ticker", t, "order", oid)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}

// StopMatch detiene el worker, se desuscribe de ambos tickers y cancela las
// órdenes del match. Al volver no queda nada en el libro.
func (c *Coordinator) StopMatch(ctx context.Context, id string) error {
	r, err := c.runner(id)
	if err != nil {
		return fmt.Errorf("engine.StopMatch: %w", err)
	}

	r.life.Lock()
	defer r.life.Unlock()

	r.mu.Lock()
	m := r.match
	wasActive := m.Active
	r.match.Active = false
	r.updated = c.cfg.Now()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	// un place en vuelo termina y queda registrado antes del CancelAll
	if stop != nil {
		close(stop)
		<-done
	}

	if wasActive {
		c.mu.RLock()
		s := c.stream
		c.mu.RUnlock()
		if s != nil {
			if err := s.Unsubscribe(m.TickerA, m.TickerB); err != nil {
				slog.Warn("engine: unsubscribe failed", "match", id, "err", err)
			}
		}
	}

	canceled, err := c.recon.CancelAll(ctx, id)
	r.engine.Reset()
	if err != nil {
		return fmt.Errorf("engine.StopMatch: %w", err)
	}
	if wasActive {
		slog.Info("engine: match stopped", "match", id, "canceled", len(canceled))
	}
	return nil
}

// StopAll detiene todos los matches activos (kill switch).
func (c *Coordinator) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range c.ids() {
		if err := c.StopMatch(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateSettings reemplaza theo, edge y límites. Aplica en la siguiente
// evaluación; los timers del engine se mantienen.
func (c *Coordinator) UpdateSettings(id string, s domain.MatchSettings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("engine.UpdateSettings: %w", err)
	}
	r, err := c.runner(id)
	if err != nil {
		return fmt.Errorf("engine.UpdateSettings: %w", err)
	}

	r.mu.Lock()
	r.match.Settings = s
	r.updated = c.cfg.Now()
	active := r.match.Active
	r.mu.Unlock()

	c.recon.SetExpiration(id, s.EventTime)
	if active {
		r.notify()
	}
	slog.Info("engine: settings updated", "match", id,
		"theoA", s.TheoA, "theoB", s.TheoB, "edge", s.Edge, "max", s.MaxInventory)
	return nil
}

// RemoveMatch detiene el match y borra todo su estado.
func (c *Coordinator) RemoveMatch(ctx context.Context, id string) error {
	if err := c.StopMatch(ctx, id); err != nil {
		return fmt.Errorf("engine.RemoveMatch: %w", err)
	}

	c.mu.Lock()
	r, ok := c.matches[id]
	if ok {
		delete(c.matches, id)
		delete(c.byTicker, r.match.TickerA)
		delete(c.byTicker, r.match.TickerB)
	}
	c.mu.Unlock()

	c.ledger.Remove(id)
	c.recon.Forget(id)
	slog.Info("engine: match removed", "match", id)
	return nil
}

// Status devuelve el estado de un match.
func (c *Coordinator) Status(id string) (domain.MatchStatus, error) {
	r, err := c.runner(id)
	if err != nil {
		return domain.MatchStatus{}, fmt.Errorf("engine.Status: %w", err)
	}
	return c.status(r), nil
}

// Statuses devuelve el estado de todos los matches ordenados por ID.
func (c *Coordinator) Statuses() []domain.MatchStatus {
	ids := c.ids()
	out := make([]domain.MatchStatus, 0, len(ids))
	for _, id := range ids {
		if r, err := c.runner(id); err == nil {
			out = append(out, c.status(r))
		}
	}
	return out
}

func (c *Coordinator) status(r *matchRunner) domain.MatchStatus {
	r.mu.Lock()
	m, updated := r.match, r.updated
	r.mu.Unlock()

	a, b := r.engine.Snapshot()
	warning, anomalies := c.recon.Warning(m.ID)

	orders := c.recon.Orders(m.ID)
	list := make([]domain.LiveOrder, 0, len(orders))
	for _, side := range domain.Sides {
		if o, ok := orders[side]; ok {
			list = append(list, o)
		}
	}
	return domain.MatchStatus{
		Match:     m,
		QuoteA:    a,
		QuoteB:    b,
		Position:  c.ledger.Position(m.ID),
		Orders:    list,
		Warning:   warning,
		Anomalies: anomalies,
		UpdatedAt: updated,
	}
}

func (c *Coordinator) ids() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.matches))
	for id := range c.matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) active() []*matchRunner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*matchRunner
	for _, r := range c.matches {
		if r.snapshot().Active {
			out = append(out, r)
		}
	}
	return out
}

// work es el worker de un match: una evaluación a la vez.
// ctx no se cancela nunca: cortar un PlaceOrder a medias puede dejar una
// orden viva en el exchange que el reconciler no conoce.
func (c *Coordinator) work(ctx context.Context, r *matchRunner, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-r.wake:
			c.evaluate(ctx, r)
		}
	}
}

func (c *Coordinator) evaluate(ctx context.Context, r *matchRunner) {
	if !c.connected() {
		return
	}
	m := r.snapshot()
	if !m.Active {
		return
	}
	topA, okA := c.books.Top(m.TickerA)
	topB, okB := c.books.Top(m.TickerB)
	if !okA || !okB {
		// esperando snapshot
		return
	}

	intents := r.engine.Evaluate(quote.Input{
		Now:     c.cfg.Now(),
		Match:   m,
		TopA:    topA,
		TopB:    topB,
		Resting: c.recon.Orders(m.ID),
	})
	if len(intents) == 0 {
		return
	}
	if err := c.recon.Apply(ctx, intents); err != nil {
		slog.Debug("engine: reconcile incomplete", "match", m.ID, "err", err)
	}
}

// --- stream.Handler ---

// OnBook despierta al worker del match dueño del ticker.
func (c *Coordinator) OnBook(ev stream.BookEvent) {
	c.mu.RLock()
	ref, ok := c.byTicker[ev.Ticker]
	r := c.matches[ref.matchID]
	c.mu.RUnlock()
	if !ok || r == nil {
		return
	}
	r.notify()
}

// OnFill aplica el fill al match dueño del ticker aunque esté detenido:
// el dinero es real.
func (c *Coordinator) OnFill(f domain.Fill) {
	c.mu.RLock()
	ref, ok := c.byTicker[f.Ticker]
	r := c.matches[ref.matchID]
	c.mu.RUnlock()
	if !ok || r == nil {
		slog.Warn("engine: fill for unknown ticker", "ticker", f.Ticker, "order", f.OrderID, "count", f.Count)
		return
	}
	if c.recon.ApplyFill(context.Background(), ref.matchID, ref.side, f) {
		r.notify()
	}
}

// OnState reevalúa todo al reconectar.
func (c *Coordinator) OnState(s stream.State) {
	slog.Info("engine: stream state", "state", s)
	if s != stream.StateConnected {
		return
	}
	for _, r := range c.active() {
		r.notify()
	}
}

// --- periodic tick ---

// Run ejecuta el tick periódico hasta que ctx se cancela.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick es una pasada del tick periódico: expira matches cuyo evento empezó,
// hace polling de fills mientras el stream está caído, sincroniza
// inventario y despierta a los workers para el sticky reset.
func (c *Coordinator) Tick(ctx context.Context) {
	now := c.cfg.Now()
	connected := c.connected()

	for _, r := range c.active() {
		m := r.snapshot()
		if m.Settings.Expired(now) {
			slog.Info("engine: event started, stopping match", "match", m.ID)
			if err := c.StopMatch(ctx, m.ID); err != nil {
				slog.Warn("engine: stop at event time failed", "match", m.ID, "err", err)
			}
			continue
		}
		if !connected {
			if err := c.recon.PollFills(ctx, m.ID); err != nil {
				slog.Warn("engine: fill polling failed", "match", m.ID, "err", err)
			}
		}
		r.notify()
	}

	if c.cfg.InventorySync > 0 && now.Sub(c.lastSync) >= c.cfg.InventorySync {
		c.lastSync = now
		c.syncInventory(ctx)
	}
}

// syncInventory trae la posición del exchange para cada match activo.
// El conteo del exchange gana; ver inventory.Ledger.Reconcile.
func (c *Coordinator) syncInventory(ctx context.Context) {
	for _, r := range c.active() {
		m := r.snapshot()
		countA, err := c.exec.Position(ctx, m.TickerA)
		if err != nil {
			slog.Warn("engine: position sync failed", "match", m.ID, "ticker", m.TickerA, "err", err)
			continue
		}
		countB, err := c.exec.Position(ctx, m.TickerB)
		if err != nil {
			slog.Warn("engine: position sync failed", "match", m.ID, "ticker", m.TickerB, "err", err)
			continue
		}
		if c.ledger.Reconcile(m.ID, countA, countB) {
			r.notify()
		}
	}
}
