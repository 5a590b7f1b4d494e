package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/adapters/storage"
	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJournal(t *testing.T) *storage.Journal {
	t.Helper()
	j, err := storage.NewJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func makeOrder(id string, status domain.OrderStatus) domain.LiveOrder {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.LiveOrder{
		ID:         id,
		ExchangeID: "ex-" + id,
		MatchID:    "m1",
		Ticker:     "KXA",
		Side:       domain.SideA,
		Price:      44,
		Count:      5,
		Status:     status,
		PlacedAt:   now,
		UpdatedAt:  now,
	}
}

func TestJournal_SaveOrderUpserts(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	o := makeOrder("o1", domain.OrderLive)
	require.NoError(t, j.SaveOrder(ctx, o))

	o.FilledCount = 2
	o.Status = domain.OrderPartial
	require.NoError(t, j.SaveOrder(ctx, o))

	open, err := j.OpenOrders(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ex-o1", open[0].ExchangeID)
	assert.Equal(t, 2, open[0].FilledCount)
	assert.Equal(t, domain.OrderPartial, open[0].Status)
	assert.Equal(t, domain.SideA, open[0].Side)
	assert.True(t, o.PlacedAt.Equal(open[0].PlacedAt))
}

func TestJournal_OpenOrdersSkipsTerminal(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	require.NoError(t, j.SaveOrder(ctx, makeOrder("live", domain.OrderLive)))
	require.NoError(t, j.SaveOrder(ctx, makeOrder("filled", domain.OrderFilled)))
	require.NoError(t, j.SaveOrder(ctx, makeOrder("gone", domain.OrderCanceled)))

	other := makeOrder("other", domain.OrderLive)
	other.MatchID = "m2"
	require.NoError(t, j.SaveOrder(ctx, other))

	open, err := j.OpenOrders(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "live", open[0].ID)
}

func TestJournal_FillsAreUniqueAndOrdered(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	fill := func(trade string, side domain.Side, price, count int, at time.Time) domain.JournalFill {
		return domain.JournalFill{
			MatchID: "m1",
			Side:    side,
			Fill:    domain.Fill{TradeID: trade, OrderID: "ex-o1", Ticker: "KXA", Price: price, Count: count, Time: at},
		}
	}

	require.NoError(t, j.SaveFill(ctx, fill("t2", domain.SideB, 50, 3, base.Add(time.Second))))
	require.NoError(t, j.SaveFill(ctx, fill("t1", domain.SideA, 44, 5, base)))
	require.NoError(t, j.SaveFill(ctx, fill("t1", domain.SideA, 44, 5, base))) // duplicado

	fills, err := j.Fills(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "t1", fills[0].TradeID)
	assert.Equal(t, domain.SideA, fills[0].Side)
	assert.Equal(t, 44, fills[0].Price)
	assert.Equal(t, "t2", fills[1].TradeID)
	assert.Equal(t, domain.SideB, fills[1].Side)

	none, err := j.Fills(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournal_FillWithoutTradeID(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	at := time.Now().UTC()

	f := domain.JournalFill{MatchID: "m1", Side: domain.SideA, Fill: domain.Fill{OrderID: "ex-o1", Ticker: "KXA", Price: 40, Count: 1, Time: at}}
	require.NoError(t, j.SaveFill(ctx, f))
	f.Time = at.Add(time.Millisecond)
	require.NoError(t, j.SaveFill(ctx, f))

	fills, err := j.Fills(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, fills, 2)
}
