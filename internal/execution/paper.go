package execution

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"helios/pkg/errors"
	"helios/pkg/logger"
)

// PnLRecorder receives realized profit/loss from fills that close exposure.
// Satisfied by the safety state.
type PnLRecorder interface {
	RecordPnL(ctx context.Context, delta decimal.Decimal)
}

// position is net signed exposure in one symbol (positive = long)
type position struct {
	qty      decimal.Decimal
	avgPrice decimal.Decimal
}

// PaperExecutor fills every order at its mark price and keeps a net position
// per symbol. Fills that reduce exposure realize PnL against the average
// entry price and report it to the recorder.
type PaperExecutor struct {
	mu        sync.Mutex
	positions map[string]*position
	seenKeys  map[string]struct{}

	recorder PnLRecorder
	log      *logger.Logger
}

// NewPaperExecutor creates a paper-trading executor. recorder may be nil.
func NewPaperExecutor(recorder PnLRecorder, log *logger.Logger) *PaperExecutor {
	return &PaperExecutor{
		positions: make(map[string]*position),
		seenKeys:  make(map[string]struct{}),
		recorder:  recorder,
		log:       log.With("component", "paper_executor"),
	}
}

// Submit fills the order at its mark price
func (e *PaperExecutor) Submit(ctx context.Context, order Order) (*Execution, error) {
	if order.Quantity.IsZero() || order.Quantity.IsNegative() {
		return nil, errors.Wrapf(errors.ErrOrderRejected, "quantity must be positive: %s", order.Quantity)
	}
	if order.Price.IsZero() || order.Price.IsNegative() {
		return nil, errors.Wrapf(errors.ErrOrderRejected, "price must be positive: %s", order.Price)
	}
	if order.Side != OrderSideBuy && order.Side != OrderSideSell {
		return nil, errors.Wrapf(errors.ErrOrderRejected, "unknown side: %s", order.Side)
	}

	e.mu.Lock()
	if order.IdempotencyKey != "" {
		if _, seen := e.seenKeys[order.IdempotencyKey]; seen {
			e.mu.Unlock()
			return nil, errors.Wrapf(errors.ErrOrderRejected, "duplicate idempotency key: %s", order.IdempotencyKey)
		}
		e.seenKeys[order.IdempotencyKey] = struct{}{}
	}

	realized := e.fill(order)
	e.mu.Unlock()

	if !realized.IsZero() && e.recorder != nil {
		e.recorder.RecordPnL(ctx, realized)
	}

	exec := &Execution{
		ID:          NewOrderID(),
		Status:      OrderStatusFilled,
		FilledPrice: order.Price,
		FilledQty:   order.Quantity,
		RealizedPnL: realized,
		Timestamp:   time.Now(),
	}

	e.log.Infow("Paper fill",
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"price", order.Price,
		"realized_pnl", realized,
	)
	return exec, nil
}

// fill applies the order to the net position and returns realized PnL.
// Caller holds e.mu.
func (e *PaperExecutor) fill(order Order) decimal.Decimal {
	pos, ok := e.positions[order.Symbol]
	if !ok {
		pos = &position{qty: decimal.Zero, avgPrice: decimal.Zero}
		e.positions[order.Symbol] = pos
	}

	signed := order.Quantity
	if order.Side == OrderSideSell {
		signed = signed.Neg()
	}

	realized := decimal.Zero

	switch {
	case pos.qty.IsZero() || pos.qty.Sign() == signed.Sign():
		// Opening or adding: blend the average entry price
		total := pos.qty.Add(signed)
		notional := pos.avgPrice.Mul(pos.qty.Abs()).Add(order.Price.Mul(order.Quantity))
		pos.avgPrice = notional.Div(total.Abs())
		pos.qty = total

	default:
		// Reducing, closing, or flipping
		closable := decimal.Min(pos.qty.Abs(), order.Quantity)
		perUnit := order.Price.Sub(pos.avgPrice)
		if pos.qty.IsNegative() {
			perUnit = perUnit.Neg()
		}
		realized = perUnit.Mul(closable)

		remainder := pos.qty.Add(signed)
		if remainder.IsZero() {
			delete(e.positions, order.Symbol)
		} else if remainder.Sign() != pos.qty.Sign() {
			// Flipped through zero: the excess opens fresh at the fill price
			pos.qty = remainder
			pos.avgPrice = order.Price
		} else {
			pos.qty = remainder
		}
	}

	return realized
}

// Position returns the current net signed quantity and average entry price
// for a symbol
func (e *PaperExecutor) Position(symbol string) (qty decimal.Decimal, avgPrice decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	return pos.qty, pos.avgPrice
}
