package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLimit  OrderType = "SL"
	OrderTypeStopMarket OrderType = "SL-M"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusExecuting OrderStatus = "executing"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderRequest is what a client asks the engine to place.
type OrderRequest struct {
	Account      string
	Token        uint32
	Exchange     string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Quantity     int64
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Product      string
	// Nonce distinguishes intentional repeats of an otherwise identical order.
	Nonce string
}

// OrderChanges carries the fields a modify may touch. Nil fields are left alone.
type OrderChanges struct {
	Quantity     *int64
	Price        *decimal.Decimal
	TriggerPrice *decimal.Decimal
	Type         *OrderType
}

// OrderTask tracks one submitted order through the execution engine.
type OrderTask struct {
	ID             string
	IdempotencyKey string
	Request        OrderRequest
	Status         OrderStatus
	BrokerOrderID  string
	Error          string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BrokerOrder is the upstream acknowledgement of a placed order.
type BrokerOrder struct {
	OrderID   string
	Status    string
	Timestamp time.Time
}
