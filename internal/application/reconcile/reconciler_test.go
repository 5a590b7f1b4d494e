package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/application/inventory"
	"github.com/alejandrodnm/kalshimm/internal/application/reconcile"
	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu         sync.Mutex
	seq        int
	placed     []domain.PlaceOrderRequest
	canceled   []string
	placeErr   error
	cancelErr  map[string]error
	reports    map[string]domain.OrderReport
	inFlight   int
	maxFlight  int
	placeDelay time.Duration

	// gate holds PlaceOrder until closed; entered signals the wait started.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{cancelErr: map[string]error{}, reports: map[string]domain.OrderReport{}}
}

func (f *fakeExecutor) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	f.mu.Lock()
	f.inFlight++
	f.maxFlight = max(f.maxFlight, f.inFlight)
	delay := f.placeDelay
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	time.Sleep(delay)
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.placeErr != nil {
		return domain.PlacedOrder{}, f.placeErr
	}
	f.seq++
	f.placed = append(f.placed, req)
	return domain.PlacedOrder{OrderID: fmt.Sprintf("ex-%d", f.seq), Status: domain.OrderLive}, nil
}

func (f *fakeExecutor) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cancelErr[id]; err != nil {
		return err
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeExecutor) GetOrder(_ context.Context, id string) (domain.OrderReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[id]
	if !ok {
		return domain.OrderReport{}, domain.ErrOrderNotFound
	}
	return r, nil
}

func (f *fakeExecutor) RestingOrders(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeExecutor) Position(context.Context, string) (int, error) { return 0, nil }

func place(side domain.Side, price, count int) domain.OrderIntent {
	ticker := "KXA"
	if side == domain.SideB {
		ticker = "KXB"
	}
	return domain.OrderIntent{MatchID: "m1", Ticker: ticker, Side: side, Action: domain.IntentPlace, Price: price, Count: count}
}

func newReconciler(exec *fakeExecutor) (*reconcile.Reconciler, *inventory.Ledger) {
	l := inventory.NewLedger()
	return reconcile.New(exec, l, nil, reconcile.Config{}), l
}

func TestReconciler_PlaceThenReprice(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)

	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	orders := r.Orders("m1")
	require.Contains(t, orders, domain.SideA)
	assert.Equal(t, "ex-1", orders[domain.SideA].ExchangeID)
	assert.Equal(t, domain.OrderLive, orders[domain.SideA].Status)
	assert.NotEmpty(t, exec.placed[0].ClientOrderID)

	reprice := place(domain.SideA, 42, 5)
	reprice.Action = domain.IntentReprice
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{reprice}))

	assert.Equal(t, []string{"ex-1"}, exec.canceled)
	assert.Equal(t, 42, r.Orders("m1")[domain.SideA].Price)
	assert.Equal(t, "ex-2", r.Orders("m1")[domain.SideA].ExchangeID)
}

func TestReconciler_SamePriceIsNoop(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)

	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	assert.Len(t, exec.placed, 1)
	assert.Empty(t, exec.canceled)
}

func TestReconciler_CancelIntent(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)

	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideB, 30, 5)}))
	cancel := place(domain.SideB, 30, 0)
	cancel.Action = domain.IntentCancel
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{cancel}))

	assert.Empty(t, r.Orders("m1"))
	assert.Equal(t, []string{"ex-1"}, exec.canceled)

	// nothing left to cancel
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{cancel}))
	assert.Len(t, exec.canceled, 1)
}

func TestReconciler_CancelNotFoundCountsAsGone(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)

	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	exec.cancelErr["ex-1"] = fmt.Errorf("kalshi: %w", domain.ErrOrderNotFound)

	cancel := place(domain.SideA, 41, 0)
	cancel.Action = domain.IntentCancel
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{cancel}))
	assert.Empty(t, r.Orders("m1"))
}

func TestReconciler_FailedCancelKeepsOrderAndSkipsPlace(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)

	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	exec.cancelErr["ex-1"] = domain.ErrRateLimited

	err := r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 42, 5)})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 41, r.Orders("m1")[domain.SideA].Price)
	assert.Len(t, exec.placed, 1)
}

func TestReconciler_RepeatedFailuresRaiseWarning(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.placeErr = domain.ErrOrderRejected
	r, _ := newReconciler(exec)

	for i := 0; i < 2; i++ {
		assert.Error(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
		w, _ := r.Warning("m1")
		assert.Empty(t, w)
	}
	assert.Error(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	w, _ := r.Warning("m1")
	assert.Contains(t, w, "3 consecutive order failures")

	exec.placeErr = nil
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	w, _ = r.Warning("m1")
	assert.Empty(t, w)
}

func TestReconciler_ApplyFill_PartialThenFull(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, l := newReconciler(exec)
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))

	ok := r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t1", OrderID: "ex-1", Price: 41, Count: 2})
	assert.True(t, ok)
	o := r.Orders("m1")[domain.SideA]
	assert.Equal(t, domain.OrderPartial, o.Status)
	assert.Equal(t, 2, o.FilledCount)
	assert.Equal(t, 3, o.Remaining())

	// duplicate trade is ignored
	assert.False(t, r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t1", OrderID: "ex-1", Price: 41, Count: 2}))

	assert.True(t, r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t2", OrderID: "ex-1", Price: 41, Count: 3}))
	assert.Empty(t, r.Orders("m1"), "filled order is removed")

	p := l.Position("m1")
	assert.Equal(t, 5, p.CountA)
	assert.Equal(t, int64(205), p.CostA)
	_, anomalies := r.Warning("m1")
	assert.Zero(t, anomalies)
}

func TestReconciler_ApplyFill_UnknownOrderStillUpdatesLedger(t *testing.T) {
	ctx := context.Background()
	r, l := newReconciler(newFakeExecutor())

	assert.True(t, r.ApplyFill(ctx, "m1", domain.SideB, domain.Fill{TradeID: "t9", OrderID: "ghost", Price: 55, Count: 4}))

	assert.Equal(t, 4, l.Position("m1").CountB)
	_, anomalies := r.Warning("m1")
	assert.Equal(t, 1, anomalies)
}

func TestReconciler_CancelAll(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5), place(domain.SideB, 30, 5)}))

	canceled, err := r.CancelAll(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, canceled, 2)
	for _, o := range canceled {
		assert.Equal(t, domain.OrderCanceled, o.Status)
	}
	assert.ElementsMatch(t, []string{"ex-1", "ex-2"}, exec.canceled)
	assert.Empty(t, r.Orders("m1"))
}

func TestReconciler_CancelAll_PartialFailure(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5), place(domain.SideB, 30, 5)}))
	exec.cancelErr["ex-2"] = errors.New("boom")

	canceled, err := r.CancelAll(ctx, "m1")
	assert.Error(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, "ex-1", canceled[0].ExchangeID)
	assert.Contains(t, r.Orders("m1"), domain.SideB)
}

func TestReconciler_PollFills_AppliesMissedFills(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, l := newReconciler(exec)
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))

	exec.reports["ex-1"] = domain.OrderReport{OrderID: "ex-1", Status: domain.OrderLive, FillCount: 3, RemainingCount: 2}
	require.NoError(t, r.PollFills(ctx, "m1"))
	assert.Equal(t, 3, l.Position("m1").CountA)

	// same report again applies nothing
	require.NoError(t, r.PollFills(ctx, "m1"))
	assert.Equal(t, 3, l.Position("m1").CountA)

	exec.reports["ex-1"] = domain.OrderReport{OrderID: "ex-1", Status: domain.OrderCanceled, FillCount: 3}
	require.NoError(t, r.PollFills(ctx, "m1"))
	assert.Empty(t, r.Orders("m1"))
}

func TestReconciler_SerializesPerMatch(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.placeDelay = 5 * time.Millisecond
	r, _ := newReconciler(exec)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 30+i, 5)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, exec.maxFlight, "no concurrent placements for one match")
	assert.Len(t, r.Orders("m1"), 1)
}

func TestReconciler_DifferentMatchesRunConcurrently(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.placeDelay = 20 * time.Millisecond
	r, _ := newReconciler(exec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			it := place(domain.SideA, 40, 5)
			it.MatchID = fmt.Sprintf("m%d", i)
			_ = r.Apply(ctx, []domain.OrderIntent{it})
		}(i)
	}
	wg.Wait()
	assert.Greater(t, exec.maxFlight, 1)
}

func TestReconciler_ExpirationForwarded(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	r, _ := newReconciler(exec)
	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	r.SetExpiration("m1", at)

	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))
	assert.Equal(t, at, exec.placed[0].Expiration)
}

func TestReconciler_FillDuringPlacementDoesNotWait(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	exec.gate = make(chan struct{})
	exec.entered = make(chan struct{}, 1)
	r, l := newReconciler(exec)

	applied := make(chan error, 1)
	go func() { applied <- r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}) }()
	<-exec.entered

	// both fills return while PlaceOrder is still waiting on the exchange
	filled := make(chan struct{})
	go func() {
		defer close(filled)
		r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t1", OrderID: "ex-1", Price: 41, Count: 2})
		r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t2", OrderID: "stale", Price: 40, Count: 1})
	}()
	select {
	case <-filled:
	case <-time.After(time.Second):
		t.Fatal("fill blocked behind the placement")
	}
	assert.Equal(t, 3, l.Position("m1").CountA)

	close(exec.gate)
	require.NoError(t, <-applied)

	o := r.Orders("m1")[domain.SideA]
	assert.Equal(t, "ex-1", o.ExchangeID)
	assert.Equal(t, 2, o.FilledCount)
	assert.Equal(t, domain.OrderPartial, o.Status)
	_, anomalies := r.Warning("m1")
	assert.Equal(t, 1, anomalies, "only the fill for another order is an anomaly")
}

func TestReconciler_StreamFillAfterPollIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExecutor()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := inventory.NewLedger()
	r := reconcile.New(exec, l, nil, reconcile.Config{Now: func() time.Time { return now }})
	require.NoError(t, r.Apply(ctx, []domain.OrderIntent{place(domain.SideA, 41, 5)}))

	require.True(t, r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t1", OrderID: "ex-1", Price: 41, Count: 1, Time: now.Add(-time.Minute)}))

	// the stream dropped 3 contracts; the poll recovers them
	exec.reports["ex-1"] = domain.OrderReport{OrderID: "ex-1", Status: domain.OrderLive, FillCount: 4, RemainingCount: 1}
	require.NoError(t, r.PollFills(ctx, "m1"))
	assert.Equal(t, 4, l.Position("m1").CountA)

	// the same trades replayed late by the stream, under their own ids
	assert.False(t, r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t2", OrderID: "ex-1", Price: 41, Count: 2, Time: now.Add(-time.Second)}))
	assert.Equal(t, 4, l.Position("m1").CountA)
	assert.Equal(t, 4, r.Orders("m1")[domain.SideA].FilledCount)

	// a trade newer than the poll is real
	assert.True(t, r.ApplyFill(ctx, "m1", domain.SideA, domain.Fill{TradeID: "t4", OrderID: "ex-1", Price: 41, Count: 1, Time: now.Add(time.Second)}))
	assert.Equal(t, 5, l.Position("m1").CountA)
	assert.Empty(t, r.Orders("m1"), "filled order is removed")
	_, anomalies := r.Warning("m1")
	assert.Zero(t, anomalies)
}
