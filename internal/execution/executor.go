package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the terminal state of a submitted order
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order is a request to trade. IdempotencyKey lets the submitting agent
// retry without double-filling; the executor rejects a key it has seen.
type Order struct {
	IdempotencyKey string
	Symbol         string
	Side           OrderSide
	Quantity       decimal.Decimal
	Price          decimal.Decimal // mark price at decision time
}

// Execution is the result of a submitted order
type Execution struct {
	ID          string
	Status      OrderStatus
	FilledPrice decimal.Decimal
	FilledQty   decimal.Decimal
	RealizedPnL decimal.Decimal // non-zero when the fill closed exposure
	Timestamp   time.Time
}

// Executor submits orders to a venue. At-most-one task invocation is in
// flight per agent; idempotency of the order itself is the executor's and
// the agent's concern, not the scheduler's.
type Executor interface {
	Submit(ctx context.Context, order Order) (*Execution, error)
}

// NewOrderID returns a fresh execution identifier
func NewOrderID() string {
	return uuid.NewString()
}
