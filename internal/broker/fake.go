package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FakeBroker is an in-memory Broker for tests. Orders rest as "accepted"
// until the test fills or cancels them.
type FakeBroker struct {
	mu sync.Mutex

	serial    int
	orders    map[string]*OrderSnapshot
	positions map[string]*Position

	// PlaceErr / CancelErr / PositionErr force the next call to fail.
	PlaceErr    error
	CancelErr   error
	PositionErr error

	Canceled []string
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		orders:    make(map[string]*OrderSnapshot),
		positions: make(map[string]*Position),
	}
}

func (f *FakeBroker) PlaceLimitBuy(_ context.Context, symbol string, notional, limitPrice decimal.Decimal, clientOrderID string) (*OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		err := f.PlaceErr
		f.PlaceErr = nil
		return nil, err
	}
	f.serial++
	snap := &OrderSnapshot{
		ID:            fmt.Sprintf("order-%d", f.serial),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          "buy",
		Type:          "limit",
		Status:        "accepted",
		LimitPrice:    &limitPrice,
		Notional:      &notional,
		FilledQty:     decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
	f.orders[snap.ID] = snap
	out := *snap
	return &out, nil
}

func (f *FakeBroker) PlaceMarketSell(_ context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (*OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		err := f.PlaceErr
		f.PlaceErr = nil
		return nil, err
	}
	f.serial++
	snap := &OrderSnapshot{
		ID:            fmt.Sprintf("order-%d", f.serial),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          "sell",
		Type:          "market",
		Status:        "accepted",
		Qty:           &qty,
		FilledQty:     decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
	f.orders[snap.ID] = snap
	out := *snap
	return &out, nil
}

func (f *FakeBroker) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		err := f.CancelErr
		f.CancelErr = nil
		return err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Active() {
		o.Status = "canceled"
	}
	f.Canceled = append(f.Canceled, orderID)
	return nil
}

func (f *FakeBroker) GetOrder(_ context.Context, orderID string) (*OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

func (f *FakeBroker) GetOpenOrders(_ context.Context) ([]OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []OrderSnapshot
	for _, o := range f.orders {
		if o.Active() {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (f *FakeBroker) GetPosition(_ context.Context, symbol string) (*Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PositionErr != nil {
		err := f.PositionErr
		f.PositionErr = nil
		return nil, err
	}
	p, ok := f.positions[symbol]
	if !ok {
		return nil, ErrPositionNotFound
	}
	out := *p
	return &out, nil
}

// Test helpers

// SetPosition installs or replaces the broker-side position for a symbol.
func (f *FakeBroker) SetPosition(symbol string, qty decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if qty.IsZero() {
		delete(f.positions, symbol)
		return
	}
	f.positions[symbol] = &Position{Symbol: symbol, Qty: qty, AvailableQty: qty}
}

// SeedOrder installs an order snapshot directly, for reconciliation tests.
func (f *FakeBroker) SeedOrder(snap OrderSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := snap
	f.orders[o.ID] = &o
}

// Fill marks an order fully filled and returns the resulting snapshot.
func (f *FakeBroker) Fill(orderID string, qty, avgPrice decimal.Decimal) OrderSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	o.Status = "filled"
	o.FilledQty = qty
	o.FilledAvgPrice = &avgPrice
	o.UpdatedAt = time.Now().UTC()
	return *o
}

// LastOrder returns the most recently placed order, or nil.
func (f *FakeBroker) LastOrder() *OrderSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("order-%d", f.serial)
	o, ok := f.orders[id]
	if !ok {
		return nil
	}
	out := *o
	return &out
}

// OrderCount returns how many orders have been placed or seeded.
func (f *FakeBroker) OrderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}
