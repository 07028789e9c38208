package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tradesim/tradesim-api/internal/orders"
	"github.com/tradesim/tradesim-api/internal/simulator"
	"github.com/tradesim/tradesim-api/internal/ticker"
	"github.com/tradesim/tradesim-api/internal/types"
)

var (
	ErrAccountExists        = errors.New("account already exists")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientPosition = errors.New("insufficient position")
)

// CredentialRegistrar registers API credentials for a new account so the
// auth layer can issue tokens for it.
type CredentialRegistrar interface {
	RegisterAPICredentials(apiKey, apiSecret string)
}

// account is the in-memory ledger entry. Cash and positions move only on
// settlement of a FILLED transition, under the ledger lock.
type account struct {
	accountID string
	token     string
	cash      float64
	currency  string
	positions map[string]int64
}

// Service is the broker facade. It composes the simulator, the order
// processor and the background ticker with per-account bookkeeping, and
// exposes the order-gateway port consumed by the HTTP layer.
type Service struct {
	sim   *simulator.Simulator
	proc  *orders.Processor
	tick  *ticker.Ticker
	db    *Database
	creds CredentialRegistrar

	ledgerMu sync.Mutex
	accounts map[string]*account
}

// NewService wires the facade. It registers itself as the processor's
// fill hook so pending orders filled by the ticker settle the same way
// synchronous fills do. creds may be nil when token issuance is handled
// elsewhere (tests).
func NewService(sim *simulator.Simulator, proc *orders.Processor, tick *ticker.Ticker, gormDB *gorm.DB, creds CredentialRegistrar) *Service {
	s := &Service{
		sim:      sim,
		proc:     proc,
		tick:     tick,
		db:       NewDatabase(gormDB),
		creds:    creds,
		accounts: make(map[string]*account),
	}
	proc.OnFill(s.settle)
	return s
}

// RegisterAccount creates a ledger entry and persists the account record.
func (s *Service) RegisterAccount(accountID, token string, initialCash float64) error {
	if accountID == "" || initialCash < 0 {
		return simulator.ErrInvalidArgument
	}

	s.ledgerMu.Lock()
	if _, exists := s.accounts[accountID]; exists {
		s.ledgerMu.Unlock()
		return ErrAccountExists
	}
	s.accounts[accountID] = &account{
		accountID: accountID,
		token:     token,
		cash:      initialCash,
		currency:  "RUB",
		positions: make(map[string]int64),
	}
	s.ledgerMu.Unlock()

	if s.creds != nil {
		s.creds.RegisterAPICredentials(accountID, token)
	}

	if err := s.db.CreateAccount(&types.Account{
		AccountID: accountID,
		Cash:      initialCash,
		Currency:  "RUB",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}); err != nil {
		return err
	}

	log.Info().
		Str("account_id", accountID).
		Float64("initial_cash", initialCash).
		Msg("account registered")
	return nil
}

// InitInstrument registers an instrument with the simulator and tracks it
// on the ticker.
func (s *Service) InitInstrument(figi string, basePrice, volatility, spreadPercent float64) error {
	if err := s.sim.InitInstrument(figi, basePrice, volatility, spreadPercent); err != nil {
		return err
	}
	s.tick.AddInstrument(figi)
	return nil
}

// InitInstrumentScenario registers an instrument from a scenario preset
// and tracks it on the ticker.
func (s *Service) InitInstrumentScenario(figi string, sc simulator.Scenario) error {
	if err := s.sim.InitInstrumentScenario(figi, sc); err != nil {
		return err
	}
	s.tick.AddInstrument(figi)
	return nil
}

// PlaceOrder validates the account can afford the order, delegates to the
// order processor and persists the resulting order record. Insufficient
// cash (BUY) or insufficient held quantity (SELL) rejects the request
// before any order exists.
func (s *Service) PlaceOrder(req types.OrderRequest) (types.OrderResult, error) {
	if msg, ok := s.precheck(req); !ok {
		log.Debug().
			Str("account_id", req.AccountID).
			Str("figi", req.FIGI).
			Str("reason", msg).
			Msg("order rejected at ledger precheck")
		return types.OrderResult{Status: types.StatusRejected, Message: msg}, nil
	}

	result := s.proc.ProcessOrder(req)

	if err := s.db.CreateOrder(&result.Order); err != nil {
		return result, err
	}
	return result, nil
}

// precheck runs the ledger-level affordability test. It returns a
// rejection message and false when the order must not be created.
//
// Funds and positions are checked, not reserved: a pending limit order
// holds no escrow, so concurrent orders from one account can overspend
// between placement and settlement.
func (s *Service) precheck(req types.OrderRequest) (string, bool) {
	// Worst-case cost needs the current ask; read it before taking the
	// ledger lock so the two locks are never nested.
	var ask float64
	if req.Direction == types.DirectionBuy {
		quote, ok := s.sim.GetQuote(req.FIGI)
		if !ok {
			return fmt.Sprintf("unknown instrument %s", req.FIGI), false
		}
		ask = quote.Ask
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	acc, ok := s.accounts[req.AccountID]
	if !ok {
		return fmt.Sprintf("unknown account %s", req.AccountID), false
	}

	if req.Quantity <= 0 {
		// Let the processor produce the canonical rejection message.
		return "", true
	}

	switch req.Direction {
	case types.DirectionBuy:
		price := ask
		if req.OrderType == types.OrderTypeLimit && req.LimitPrice > 0 {
			price = req.LimitPrice
		}
		required := price * float64(req.Quantity)
		if acc.cash < required {
			return fmt.Sprintf("%s: need %.2f, have %.2f", ErrInsufficientFunds, required, acc.cash), false
		}
	case types.DirectionSell:
		if acc.positions[req.FIGI] < req.Quantity {
			return fmt.Sprintf("%s: need %d, have %d", ErrInsufficientPosition, req.Quantity, acc.positions[req.FIGI]), false
		}
	}
	return "", true
}

// settle applies a FILLED order to the account ledger: BUY debits cash
// and credits the position, SELL the reverse. Runs as the processor's
// fill hook, with no processor lock held.
func (s *Service) settle(order types.Order) {
	cost := order.ExecutedPrice * float64(order.ExecutedQuantity)

	s.ledgerMu.Lock()
	acc, ok := s.accounts[order.AccountID]
	if ok {
		if order.Direction == types.DirectionBuy {
			acc.cash -= cost
			acc.positions[order.FIGI] += order.ExecutedQuantity
		} else {
			acc.cash += cost
			acc.positions[order.FIGI] -= order.ExecutedQuantity
			if acc.positions[order.FIGI] == 0 {
				delete(acc.positions, order.FIGI)
			}
		}
	}
	var cash float64
	if ok {
		cash = acc.cash
	}
	s.ledgerMu.Unlock()

	if !ok {
		log.Warn().
			Str("order_id", order.OrderID).
			Str("account_id", order.AccountID).
			Msg("fill for unknown account, settlement skipped")
		return
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("account_id", order.AccountID).
		Str("figi", order.FIGI).
		Str("direction", string(order.Direction)).
		Float64("executed_price", order.ExecutedPrice).
		Int64("executed_quantity", order.ExecutedQuantity).
		Float64("cash", cash).
		Msg("order settled")

	// Keep the persisted records in step with the ledger. For fills that
	// happen inside PlaceOrder the order row does not exist yet and this
	// update is a no-op; PlaceOrder writes the final state right after.
	if err := s.db.UpdateOrderExecution(order.OrderID, order.Status, order.ExecutedPrice, order.ExecutedQuantity); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist order execution")
	}
	if err := s.db.UpdateAccountCash(order.AccountID, cash); err != nil {
		log.Error().Err(err).Str("account_id", order.AccountID).Msg("failed to persist account balance")
	}
}

// CancelOrder cancels a pending order. Returns false when the order is
// unknown or already terminal.
func (s *Service) CancelOrder(accountID, orderID string) bool {
	if !s.proc.CancelOrder(accountID, orderID) {
		return false
	}
	if err := s.db.UpdateOrderStatus(orderID, types.StatusCancelled); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to persist order cancellation")
	}
	return true
}

// GetOrder returns one of the account's orders.
func (s *Service) GetOrder(accountID, orderID string) (types.Order, bool) {
	return s.proc.GetOrder(accountID, orderID)
}

// GetOrders returns all of the account's orders, oldest first.
func (s *Service) GetOrders(accountID string) []types.Order {
	return s.proc.GetOrders(accountID)
}

// GetPendingOrders returns the account's pending orders in FIFO order.
func (s *Service) GetPendingOrders(accountID string) []types.Order {
	return s.proc.GetPendingOrders(accountID)
}

// GetQuote returns the current quote snapshot for a FIGI.
func (s *Service) GetQuote(figi string) (types.Quote, bool) {
	return s.sim.GetQuote(figi)
}

// GetPortfolio returns a snapshot of the account's cash and positions.
func (s *Service) GetPortfolio(accountID string) (types.Portfolio, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return types.Portfolio{}, ErrAccountNotFound
	}

	positions := make([]types.Position, 0, len(acc.positions))
	for figi, qty := range acc.positions {
		positions = append(positions, types.Position{FIGI: figi, Quantity: qty})
	}
	return types.Portfolio{
		AccountID: acc.accountID,
		Cash:      acc.cash,
		Currency:  acc.currency,
		Positions: positions,
	}, nil
}

// StartSimulation starts the background ticker.
func (s *Service) StartSimulation() {
	s.tick.Start()
}

// StopSimulation stops the background ticker and waits for its worker to
// exit.
func (s *Service) StopSimulation() {
	s.tick.Stop()
}

// IsSimulationRunning reports the ticker state.
func (s *Service) IsSimulationRunning() bool {
	return s.tick.IsRunning()
}
