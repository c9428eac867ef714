package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle events delivered on the trade-update stream. Only the
// terminal ones mutate cycle state; partial_fill is informational.
const (
	EventNew         = "new"
	EventFill        = "fill"
	EventPartialFill = "partial_fill"
	EventCanceled    = "canceled"
	EventExpired     = "expired"
	EventRejected    = "rejected"
)

var (
	// ErrOrderNotFound is returned when the broker has no such order.
	ErrOrderNotFound = errors.New("broker: order not found")
	// ErrPositionNotFound is returned when no position exists for a symbol.
	ErrPositionNotFound = errors.New("broker: position not found")
	// ErrInsufficientFunds is returned when an order is rejected for balance.
	ErrInsufficientFunds = errors.New("broker: insufficient funds")
)

// Quote is a best bid/ask update for one symbol.
type Quote struct {
	Symbol    string
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	Timestamp time.Time
}

// OrderSnapshot is the broker's view of an order at a point in time.
type OrderSnapshot struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           string // "buy" or "sell"
	Type           string // "limit" or "market"
	Status         string
	LimitPrice     *decimal.Decimal
	Qty            *decimal.Decimal
	Notional       *decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the order can still fill.
func (o *OrderSnapshot) Active() bool {
	switch o.Status {
	case "new", "accepted", "pending_new", "partially_filled":
		return true
	}
	return false
}

// TradeUpdate is one tagged event from the trade-update stream: the event
// name plus the full order snapshot it refers to.
type TradeUpdate struct {
	Event     string
	Order     OrderSnapshot
	Timestamp time.Time
}

// Position is the broker's current holding for a symbol.
type Position struct {
	Symbol       string
	Qty          decimal.Decimal
	AvailableQty decimal.Decimal
	AvgEntry     decimal.Decimal
}

// Broker is the trading API surface the engine and workers depend on. The
// REST client implements it against the exchange; FakeBroker implements it
// in-memory for tests.
type Broker interface {
	// PlaceLimitBuy submits a GTC limit buy sized in quote currency.
	PlaceLimitBuy(ctx context.Context, symbol string, notional, limitPrice decimal.Decimal, clientOrderID string) (*OrderSnapshot, error)
	// PlaceMarketSell submits a market sell for a base quantity.
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (*OrderSnapshot, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*OrderSnapshot, error)
	GetOpenOrders(ctx context.Context) ([]OrderSnapshot, error)
	// GetPosition returns ErrPositionNotFound when the symbol is flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
}
