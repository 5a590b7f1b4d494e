package dryrun

// executor.go: OrderExecutor simulado para -dry-run.
//
// Acepta cada orden, la deja "resting" para siempre y nunca la llena.
// El stream sigue siendo el real, así que las decisiones de cotización
// se ven en vivo sin arriesgar dinero.

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/google/uuid"
)

type virtualOrder struct {
	id       string
	ticker   string
	price    int
	count    int
	canceled bool
}

// Executor implementa ports.OrderExecutor sin tocar el exchange.
type Executor struct {
	mu     sync.Mutex
	orders map[string]*virtualOrder
}

// NewExecutor crea un Executor vacío.
func NewExecutor() *Executor {
	return &Executor{orders: make(map[string]*virtualOrder)}
}

// PlaceOrder registra la orden y devuelve un ID local.
func (e *Executor) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	if !domain.ValidPrice(req.Price) || req.Count <= 0 {
		return domain.PlacedOrder{}, domain.ErrOrderRejected
	}
	o := &virtualOrder{
		id:     "dry-" + uuid.NewString(),
		ticker: req.Ticker,
		price:  req.Price,
		count:  req.Count,
	}
	e.mu.Lock()
	e.orders[o.id] = o
	e.mu.Unlock()

	slog.Info("dryrun: order placed", "ticker", req.Ticker, "price", req.Price, "count", req.Count, "order", o.id)
	return domain.PlacedOrder{OrderID: o.id, Status: domain.OrderLive}, nil
}

// CancelOrder marca la orden como cancelada.
func (e *Executor) CancelOrder(_ context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.canceled {
		return domain.ErrOrderNotFound
	}
	o.canceled = true
	slog.Info("dryrun: order canceled", "ticker", o.ticker, "price", o.price, "order", orderID)
	return nil
}

// GetOrder devuelve el estado simulado; nunca hay fills.
func (e *Executor) GetOrder(_ context.Context, orderID string) (domain.OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.OrderReport{}, domain.ErrOrderNotFound
	}
	rep := domain.OrderReport{OrderID: o.id, Status: domain.OrderLive, RemainingCount: o.count}
	if o.canceled {
		rep.Status = domain.OrderCanceled
		rep.RemainingCount = 0
	}
	return rep, nil
}

// RestingOrders devuelve las órdenes simuladas vivas en ticker.
func (e *Executor) RestingOrders(_ context.Context, ticker string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, o := range e.orders {
		if o.ticker == ticker && !o.canceled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Position es siempre 0: nada se ejecuta.
func (e *Executor) Position(_ context.Context, _ string) (int, error) {
	return 0, nil
}
