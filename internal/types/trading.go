package types

import (
	"time"

	"gorm.io/gorm"
)

// OrderDirection is the side of an order.
type OrderDirection string

const (
	DirectionBuy  OrderDirection = "BUY"
	DirectionSell OrderDirection = "SELL"
)

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the order state machine. PENDING is the only non-terminal
// state; FILLED, REJECTED and CANCELLED are terminal.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// OrderRequest is the transient input for placing an order.
type OrderRequest struct {
	AccountID  string         `json:"account_id"`
	FIGI       string         `json:"figi"`
	Direction  OrderDirection `json:"direction"`  // BUY or SELL
	OrderType  OrderType      `json:"order_type"` // MARKET or LIMIT
	Quantity   int64          `json:"quantity"`
	LimitPrice float64        `json:"limit_price,omitempty"` // required for LIMIT
}

// Order is an order tracked by the engine and persisted at the boundary.
type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string         `gorm:"uniqueIndex" json:"order_id"`
	AccountID        string         `gorm:"index" json:"account_id"`
	FIGI             string         `json:"figi"`
	Direction        OrderDirection `json:"direction"`
	OrderType        OrderType      `json:"order_type"`
	Quantity         int64          `json:"quantity"`
	LimitPrice       float64        `json:"limit_price,omitempty"`
	Status           OrderStatus    `json:"status"`
	ExecutedPrice    float64        `json:"executed_price,omitempty"`
	ExecutedQuantity int64          `json:"executed_quantity,omitempty"`
	Message          string         `json:"message,omitempty"`
	Seq              uint64         `json:"-"` // insertion order, FIFO tie-break
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// OrderResult is the outcome of a single order evaluation.
type OrderResult struct {
	Order            Order       `json:"order"`
	Status           OrderStatus `json:"status"`
	ExecutedPrice    float64     `json:"executed_price,omitempty"`
	ExecutedQuantity int64       `json:"executed_quantity,omitempty"`
	Message          string      `json:"message,omitempty"`
}

// Quote is a point-in-time snapshot of an instrument's market data.
type Quote struct {
	FIGI      string  `json:"figi"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	LastPrice float64 `json:"last_price"`
}

// Account is the persisted record for a registered trading account.
type Account struct {
	gorm.Model `json:"-"`
	AccountID  string    `gorm:"uniqueIndex" json:"account_id"`
	Cash       float64   `json:"cash"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Position is one instrument holding inside a portfolio.
type Position struct {
	FIGI     string `json:"figi"`
	Quantity int64  `json:"quantity"`
}

// Portfolio is the externally visible account state.
type Portfolio struct {
	AccountID string     `json:"account_id"`
	Cash      float64    `json:"cash"`
	Currency  string     `json:"currency"`
	Positions []Position `json:"positions"`
}
