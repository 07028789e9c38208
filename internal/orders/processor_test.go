package orders

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim-api/internal/simulator"
	"github.com/tradesim/tradesim-api/internal/types"
)

const (
	figiSber    = "BBG004730N88"
	testAccount = "acc-1"
)

func newTestProcessor(t *testing.T) (*Processor, *simulator.Simulator) {
	t.Helper()
	sim := simulator.New(42)
	require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.02, 0))
	return NewProcessor(sim), sim
}

func marketBuy(qty int64) types.OrderRequest {
	return types.OrderRequest{
		AccountID: testAccount,
		FIGI:      figiSber,
		Direction: types.DirectionBuy,
		OrderType: types.OrderTypeMarket,
		Quantity:  qty,
	}
}

func limitBuy(qty int64, limit float64) types.OrderRequest {
	return types.OrderRequest{
		AccountID:  testAccount,
		FIGI:       figiSber,
		Direction:  types.DirectionBuy,
		OrderType:  types.OrderTypeLimit,
		Quantity:   qty,
		LimitPrice: limit,
	}
}

func TestProcessOrder_MarketBuyFillsAtAsk(t *testing.T) {
	proc, sim := newTestProcessor(t)
	quote, _ := sim.GetQuote(figiSber)

	result := proc.ProcessOrder(marketBuy(10))
	assert.Equal(t, types.StatusFilled, result.Status)
	assert.Equal(t, quote.Ask, result.ExecutedPrice)
	assert.Equal(t, int64(10), result.ExecutedQuantity)
}

func TestProcessOrder_MarketSellFillsAtBid(t *testing.T) {
	proc, sim := newTestProcessor(t)
	quote, _ := sim.GetQuote(figiSber)

	result := proc.ProcessOrder(types.OrderRequest{
		AccountID: testAccount,
		FIGI:      figiSber,
		Direction: types.DirectionSell,
		OrderType: types.OrderTypeMarket,
		Quantity:  5,
	})
	assert.Equal(t, types.StatusFilled, result.Status)
	assert.Equal(t, quote.Bid, result.ExecutedPrice)
	assert.Equal(t, int64(5), result.ExecutedQuantity)
}

// A market order with a known instrument and positive quantity must
// resolve inside the call; PENDING is impossible.
func TestProcessOrder_MarketOrderNeverPends(t *testing.T) {
	proc, _ := newTestProcessor(t)

	for i := 0; i < 100; i++ {
		result := proc.ProcessOrder(marketBuy(1))
		require.NotEqual(t, types.StatusPending, result.Status)
		require.Equal(t, types.StatusFilled, result.Status)
	}
	assert.Empty(t, proc.GetPendingOrders(""))
}

func TestProcessOrder_Rejections(t *testing.T) {
	proc, _ := newTestProcessor(t)

	tests := []struct {
		name string
		req  types.OrderRequest
	}{
		{"zero quantity", marketBuy(0)},
		{"negative quantity", marketBuy(-5)},
		{"unknown instrument", types.OrderRequest{
			AccountID: testAccount,
			FIGI:      "BBG000000000",
			Direction: types.DirectionBuy,
			OrderType: types.OrderTypeMarket,
			Quantity:  1,
		}},
		{"limit without price", limitBuy(1, 0)},
		{"bad direction", types.OrderRequest{
			AccountID: testAccount,
			FIGI:      figiSber,
			Direction: "HOLD",
			OrderType: types.OrderTypeMarket,
			Quantity:  1,
		}},
		{"bad order type", types.OrderRequest{
			AccountID: testAccount,
			FIGI:      figiSber,
			Direction: types.DirectionBuy,
			OrderType: "STOP",
			Quantity:  1,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := proc.ProcessOrder(tt.req)
			assert.Equal(t, types.StatusRejected, result.Status)
			assert.NotEmpty(t, result.Message)
		})
	}
}

// A marketable limit buy executes at the ask, not at its own limit price.
func TestProcessOrder_MarketableLimitFillsAtMarket(t *testing.T) {
	proc, sim := newTestProcessor(t)
	quote, _ := sim.GetQuote(figiSber)

	result := proc.ProcessOrder(limitBuy(10, 320.0))
	assert.Equal(t, types.StatusFilled, result.Status)
	assert.Equal(t, quote.Ask, result.ExecutedPrice)
	assert.NotEqual(t, 320.0, result.ExecutedPrice)
}

func TestProcessOrder_NonMarketableLimitPends(t *testing.T) {
	proc, _ := newTestProcessor(t)

	result := proc.ProcessOrder(limitBuy(10, 1.0))
	assert.Equal(t, types.StatusPending, result.Status)

	pending := proc.GetPendingOrders(testAccount)
	require.Len(t, pending, 1)
	assert.Equal(t, result.Order.OrderID, pending[0].OrderID)
}

func TestReprocessPending_FillsWhenQuoteCrosses(t *testing.T) {
	proc, sim := newTestProcessor(t)

	result := proc.ProcessOrder(limitBuy(10, 250.0))
	require.Equal(t, types.StatusPending, result.Status)

	// Nothing crosses while the ask stays above the limit.
	assert.Zero(t, proc.ReprocessPending())

	// Drop the market below the limit and reprocess: the order fills at
	// the new ask, not at its limit price.
	require.NoError(t, sim.InitInstrument(figiSber, 240.0, 0.02, 0))
	quote, _ := sim.GetQuote(figiSber)
	require.LessOrEqual(t, quote.Ask, 250.0)

	assert.Equal(t, 1, proc.ReprocessPending())

	order, ok := proc.GetOrder(testAccount, result.Order.OrderID)
	require.True(t, ok)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.Equal(t, quote.Ask, order.ExecutedPrice)
	assert.Equal(t, int64(10), order.ExecutedQuantity)
}

func TestReprocessPending_SellFillsAtBid(t *testing.T) {
	proc, sim := newTestProcessor(t)

	result := proc.ProcessOrder(types.OrderRequest{
		AccountID:  testAccount,
		FIGI:       figiSber,
		Direction:  types.DirectionSell,
		OrderType:  types.OrderTypeLimit,
		Quantity:   3,
		LimitPrice: 300.0,
	})
	require.Equal(t, types.StatusPending, result.Status)

	require.NoError(t, sim.InitInstrument(figiSber, 310.0, 0.02, 0))
	require.Equal(t, 1, proc.ReprocessPending())

	order, _ := proc.GetOrder(testAccount, result.Order.OrderID)
	quote, _ := sim.GetQuote(figiSber)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.Equal(t, quote.Bid, order.ExecutedPrice)
}

// Pending orders fill in insertion order when several cross at once.
func TestReprocessPending_FIFOByInsertionSequence(t *testing.T) {
	proc, sim := newTestProcessor(t)

	var ids []string
	for i := 0; i < 5; i++ {
		result := proc.ProcessOrder(limitBuy(1, 250.0))
		require.Equal(t, types.StatusPending, result.Status)
		ids = append(ids, result.Order.OrderID)
	}

	var fillOrder []string
	proc.OnFill(func(o types.Order) {
		fillOrder = append(fillOrder, o.OrderID)
	})

	require.NoError(t, sim.InitInstrument(figiSber, 240.0, 0.02, 0))
	require.Equal(t, 5, proc.ReprocessPending())
	assert.Equal(t, ids, fillOrder)
}

func TestCancelOrder(t *testing.T) {
	proc, sim := newTestProcessor(t)

	pending := proc.ProcessOrder(limitBuy(10, 1.0))
	filled := proc.ProcessOrder(marketBuy(1))

	assert.False(t, proc.CancelOrder(testAccount, "no-such-order"))
	assert.False(t, proc.CancelOrder("other-account", pending.Order.OrderID))
	assert.False(t, proc.CancelOrder(testAccount, filled.Order.OrderID), "terminal order must not cancel")

	assert.True(t, proc.CancelOrder(testAccount, pending.Order.OrderID))
	assert.False(t, proc.CancelOrder(testAccount, pending.Order.OrderID), "second cancel is a no-op")

	// A cancelled order never fills, even if the market later crosses.
	require.NoError(t, sim.InitInstrument(figiSber, 0.5, 0.02, 0))
	assert.Zero(t, proc.ReprocessPending())

	order, _ := proc.GetOrder(testAccount, pending.Order.OrderID)
	assert.Equal(t, types.StatusCancelled, order.Status)
}

func TestOnFill_InvokedOncePerFill(t *testing.T) {
	proc, _ := newTestProcessor(t)

	var mu sync.Mutex
	fills := map[string]int{}
	proc.OnFill(func(o types.Order) {
		mu.Lock()
		fills[o.OrderID]++
		mu.Unlock()
	})

	result := proc.ProcessOrder(marketBuy(2))
	require.Equal(t, types.StatusFilled, result.Status)

	// Reprocessing must not re-fire the hook for terminal orders.
	proc.ReprocessPending()

	assert.Equal(t, map[string]int{result.Order.OrderID: 1}, fills)
}

func TestProcessOrderScenario_SpreadOverride(t *testing.T) {
	proc, sim := newTestProcessor(t)
	quote, _ := sim.GetQuote(figiSber)

	// Wide-spread scenario: the scenario ask sits above the quote ask,
	// so a limit that would normally cross no longer does.
	sc := simulator.Scenario{Name: "wide", SpreadPercent: 0.1}
	limit := quote.Ask + 0.01
	result := proc.ProcessOrderScenario(limitBuy(1, limit), sc)
	assert.Equal(t, types.StatusPending, result.Status)

	// The same request without the scenario fills immediately.
	result = proc.ProcessOrder(limitBuy(1, limit))
	assert.Equal(t, types.StatusFilled, result.Status)
}

func TestGetOrders_ScopedToAccountInOrder(t *testing.T) {
	proc, _ := newTestProcessor(t)

	first := proc.ProcessOrder(marketBuy(1))
	other := proc.ProcessOrder(types.OrderRequest{
		AccountID: "acc-2",
		FIGI:      figiSber,
		Direction: types.DirectionBuy,
		OrderType: types.OrderTypeMarket,
		Quantity:  1,
	})
	second := proc.ProcessOrder(limitBuy(1, 1.0))

	got := proc.GetOrders(testAccount)
	require.Len(t, got, 2)
	assert.Equal(t, first.Order.OrderID, got[0].OrderID)
	assert.Equal(t, second.Order.OrderID, got[1].OrderID)

	_, ok := proc.GetOrder(testAccount, other.Order.OrderID)
	assert.False(t, ok)
}

// ProcessOrder, ReprocessPending and CancelOrder race without deadlock or
// lost updates.
func TestConcurrentProcessAndReprocess(t *testing.T) {
	proc, _ := newTestProcessor(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				res := proc.ProcessOrder(limitBuy(1, 1.0))
				if j%3 == 0 {
					proc.CancelOrder(testAccount, res.Order.OrderID)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				proc.ReprocessPending()
			}
		}()
	}
	wg.Wait()

	// Every surviving pending order is still consistent.
	for _, o := range proc.GetPendingOrders("") {
		assert.Equal(t, types.StatusPending, o.Status)
		assert.Positive(t, o.Seq)
	}
}

// Registering the fill hook must be safe while orders are already
// flowing, and fills after registration must reach it.
func TestOnFill_RegisteredWhileOrdersFlow(t *testing.T) {
	proc, _ := newTestProcessor(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			proc.ProcessOrder(marketBuy(1))
		}
	}()

	var mu sync.Mutex
	fills := 0
	proc.OnFill(func(types.Order) {
		mu.Lock()
		fills++
		mu.Unlock()
	})
	<-done

	result := proc.ProcessOrder(marketBuy(1))
	require.Equal(t, types.StatusFilled, result.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, fills, 1)
}
