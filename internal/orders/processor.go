package orders

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradesim/tradesim-api/internal/simulator"
	"github.com/tradesim/tradesim-api/internal/types"
)

// Processor evaluates orders against the simulator's current quotes and
// owns the set of pending limit orders.
//
// Locking: the processor mutex guards only the order collection. It is
// never held across a simulator call or a fill-hook invocation, so the
// ticker goroutine and request goroutines cannot form a lock cycle.
type Processor struct {
	sim *simulator.Simulator

	mu     sync.Mutex
	orders map[string]*types.Order
	seq    uint64

	onFill func(types.Order)
}

// NewProcessor creates a Processor reading quotes from sim.
func NewProcessor(sim *simulator.Simulator) *Processor {
	return &Processor{
		sim:    sim,
		orders: make(map[string]*types.Order),
	}
}

// OnFill registers a hook invoked once per order that transitions to
// FILLED, after the processor lock has been released. The broker facade
// uses it to settle cash and positions.
func (p *Processor) OnFill(fn func(types.Order)) {
	p.mu.Lock()
	p.onFill = fn
	p.mu.Unlock()
}

// fillHook reads the hook under the same lock OnFill writes it, so
// registration is safe even while orders flow.
func (p *Processor) fillHook() func(types.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onFill
}

// ProcessOrder evaluates a single order request.
//
// Business-rule failures (bad quantity, unknown instrument, missing limit
// price) come back as a REJECTED result, never as an error. MARKET orders
// always resolve within this call; only non-marketable LIMIT orders are
// stored as PENDING.
func (p *Processor) ProcessOrder(req types.OrderRequest) types.OrderResult {
	return p.process(req, nil)
}

// ProcessOrderScenario evaluates a single order request with the
// scenario's spread substituted into the crossing test. The quote state
// itself is not modified.
func (p *Processor) ProcessOrderScenario(req types.OrderRequest, sc simulator.Scenario) types.OrderResult {
	return p.process(req, &sc)
}

func (p *Processor) process(req types.OrderRequest, sc *simulator.Scenario) types.OrderResult {
	if res, ok := p.validate(req); !ok {
		return res
	}

	quote, ok := p.sim.GetQuote(req.FIGI)
	if !ok {
		return rejected(req, fmt.Sprintf("unknown instrument %s", req.FIGI))
	}
	bid, ask := quote.Bid, quote.Ask
	if sc != nil && sc.SpreadPercent > 0 {
		bid = quote.LastPrice * (1 - sc.SpreadPercent/2)
		ask = quote.LastPrice * (1 + sc.SpreadPercent/2)
	}

	now := time.Now()
	order := types.Order{
		OrderID:    uuid.New().String(),
		AccountID:  req.AccountID,
		FIGI:       req.FIGI,
		Direction:  req.Direction,
		OrderType:  req.OrderType,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	price, fills := crosses(req.Direction, req.OrderType, req.LimitPrice, bid, ask)
	switch {
	case fills:
		order.Status = types.StatusFilled
		order.ExecutedPrice = price
		order.ExecutedQuantity = req.Quantity
		order.Message = "order filled"
	case req.OrderType == types.OrderTypeMarket:
		// Unreachable with a known instrument, kept as a guard: a market
		// order must never be left pending.
		return rejected(req, "market order could not be executed")
	default:
		order.Status = types.StatusPending
		order.Message = "order accepted, pending execution"
	}

	p.mu.Lock()
	p.seq++
	order.Seq = p.seq
	stored := order
	p.orders[order.OrderID] = &stored
	p.mu.Unlock()

	log.Debug().
		Str("order_id", order.OrderID).
		Str("figi", order.FIGI).
		Str("status", string(order.Status)).
		Float64("executed_price", order.ExecutedPrice).
		Msg("order processed")

	if order.Status == types.StatusFilled {
		if fn := p.fillHook(); fn != nil {
			fn(order)
		}
	}

	return types.OrderResult{
		Order:            order,
		Status:           order.Status,
		ExecutedPrice:    order.ExecutedPrice,
		ExecutedQuantity: order.ExecutedQuantity,
		Message:          order.Message,
	}
}

// validate applies the business-rule checks that reject a request before
// any order is created.
func (p *Processor) validate(req types.OrderRequest) (types.OrderResult, bool) {
	if req.Quantity <= 0 {
		return rejected(req, "quantity must be positive"), false
	}
	switch req.Direction {
	case types.DirectionBuy, types.DirectionSell:
	default:
		return rejected(req, fmt.Sprintf("invalid direction %q", req.Direction)), false
	}
	switch req.OrderType {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return rejected(req, "limit price must be positive for limit orders"), false
		}
	default:
		return rejected(req, fmt.Sprintf("invalid order type %q", req.OrderType)), false
	}
	return types.OrderResult{}, true
}

// crosses applies the fill rule. A fill always executes at the market
// side of the book (ask for BUY, bid for SELL); the limit price is a
// worst-acceptable bound, not the execution price.
func crosses(dir types.OrderDirection, typ types.OrderType, limit, bid, ask float64) (float64, bool) {
	if dir == types.DirectionBuy {
		if typ == types.OrderTypeMarket || limit >= ask {
			return ask, true
		}
		return 0, false
	}
	if typ == types.OrderTypeMarket || limit <= bid {
		return bid, true
	}
	return 0, false
}

// ReprocessPending re-applies the crossing test to every pending order in
// insertion-sequence order against the latest quotes. Returns the number
// of orders filled. Safe to call concurrently with ProcessOrder and
// CancelOrder.
func (p *Processor) ReprocessPending() int {
	// Snapshot the pending set without touching the simulator.
	p.mu.Lock()
	pending := make([]types.Order, 0)
	for _, o := range p.orders {
		if o.Status == types.StatusPending {
			pending = append(pending, *o)
		}
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	// Read quotes with no processor lock held.
	quotes := make(map[string]types.Quote)
	for _, o := range pending {
		if _, ok := quotes[o.FIGI]; ok {
			continue
		}
		if q, ok := p.sim.GetQuote(o.FIGI); ok {
			quotes[o.FIGI] = q
		}
	}

	// Apply transitions, re-checking state: an order may have been
	// cancelled between the snapshot and now.
	var filledOrders []types.Order
	p.mu.Lock()
	for _, snap := range pending {
		o, ok := p.orders[snap.OrderID]
		if !ok || o.Status != types.StatusPending {
			continue
		}
		q, ok := quotes[o.FIGI]
		if !ok {
			continue
		}
		price, fills := crosses(o.Direction, o.OrderType, o.LimitPrice, q.Bid, q.Ask)
		if !fills {
			continue
		}
		o.Status = types.StatusFilled
		o.ExecutedPrice = price
		o.ExecutedQuantity = o.Quantity
		o.Message = "order filled"
		o.UpdatedAt = time.Now()
		filledOrders = append(filledOrders, *o)
	}
	p.mu.Unlock()

	fn := p.fillHook()
	for _, o := range filledOrders {
		log.Debug().
			Str("order_id", o.OrderID).
			Str("figi", o.FIGI).
			Float64("executed_price", o.ExecutedPrice).
			Msg("pending order filled on reprocess")
		if fn != nil {
			fn(o)
		}
	}

	return len(filledOrders)
}

// CancelOrder moves a pending order to CANCELLED. It returns false, with
// no side effects, when the order is unknown, owned by another account or
// already terminal.
func (p *Processor) CancelOrder(accountID, orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.AccountID != accountID || o.Status != types.StatusPending {
		return false
	}
	o.Status = types.StatusCancelled
	o.Message = "order cancelled"
	o.UpdatedAt = time.Now()
	return true
}

// GetOrder returns a copy of an order owned by the account.
func (p *Processor) GetOrder(accountID, orderID string) (types.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.AccountID != accountID {
		return types.Order{}, false
	}
	return *o, true
}

// GetOrders returns copies of all orders for the account, oldest first.
func (p *Processor) GetOrders(accountID string) []types.Order {
	p.mu.Lock()
	out := make([]types.Order, 0)
	for _, o := range p.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// GetPendingOrders returns copies of pending orders in FIFO order. An
// empty accountID selects every account.
func (p *Processor) GetPendingOrders(accountID string) []types.Order {
	p.mu.Lock()
	out := make([]types.Order, 0)
	for _, o := range p.orders {
		if o.Status != types.StatusPending {
			continue
		}
		if accountID != "" && o.AccountID != accountID {
			continue
		}
		out = append(out, *o)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func rejected(req types.OrderRequest, msg string) types.OrderResult {
	now := time.Now()
	order := types.Order{
		OrderID:    uuid.New().String(),
		AccountID:  req.AccountID,
		FIGI:       req.FIGI,
		Direction:  req.Direction,
		OrderType:  req.OrderType,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		Status:     types.StatusRejected,
		Message:    msg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return types.OrderResult{
		Order:   order,
		Status:  types.StatusRejected,
		Message: msg,
	}
}
