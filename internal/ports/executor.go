package ports

import (
	"context"

	"github.com/alejandrodnm/kalshimm/internal/domain"
)

// OrderExecutor places, cancels, and monitors our orders on the exchange.
type OrderExecutor interface {
	// PlaceOrder submits a limit buy of YES contracts.
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error)

	// CancelOrder cancels a specific order by its exchange order ID.
	// Returns domain.ErrOrderNotFound if the exchange no longer has it.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder returns the exchange view of one order (fill polling).
	GetOrder(ctx context.Context, orderID string) (domain.OrderReport, error)

	// RestingOrders returns the IDs of our resting orders on ticker.
	RestingOrders(ctx context.Context, ticker string) ([]string, error)

	// Position returns the YES contracts held on ticker.
	// This is the ground truth used to reconcile the ledger.
	Position(ctx context.Context, ticker string) (int, error)
}
