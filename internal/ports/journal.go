package ports

import (
	"context"

	"github.com/alejandrodnm/kalshimm/internal/domain"
)

// Journal persists order transitions and fills so inventory survives restarts.
type Journal interface {
	// SaveOrder inserts or replaces the current state of an order.
	SaveOrder(ctx context.Context, order domain.LiveOrder) error

	// SaveFill appends a fill. Saving the same trade twice is a no-op.
	SaveFill(ctx context.Context, fill domain.JournalFill) error

	// Fills returns every fill recorded for the match, oldest first.
	Fills(ctx context.Context, matchID string) ([]domain.JournalFill, error)

	// OpenOrders returns orders not in a terminal status.
	OpenOrders(ctx context.Context, matchID string) ([]domain.LiveOrder, error)
}
