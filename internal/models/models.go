package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is the lifecycle state of a DCA cycle.
type CycleStatus string

const (
	StatusWatching CycleStatus = "watching"
	StatusBuying   CycleStatus = "buying"
	StatusSelling  CycleStatus = "selling"
	StatusTrailing CycleStatus = "trailing"
	StatusComplete CycleStatus = "complete"
	StatusError    CycleStatus = "error"
)

// Terminal reports whether a cycle in this status is finished and immutable.
func (s CycleStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// TerminalStatuses is the set of statuses a cycle can never leave.
var TerminalStatuses = []CycleStatus{StatusComplete, StatusError}

// Asset is the per-symbol DCA configuration. One row per symbol; only
// LastSellPrice changes during a trading session.
type Asset struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Symbol  string `gorm:"uniqueIndex;not null"` // e.g. "BTC/USD"
	Enabled bool   `gorm:"not null"`

	BaseOrderAmount   decimal.Decimal `gorm:"type:decimal(20,10)"` // quote currency (USD)
	SafetyOrderAmount decimal.Decimal `gorm:"type:decimal(20,10)"`
	MaxSafetyOrders   int

	SafetyOrderDeviationPercent decimal.Decimal `gorm:"type:decimal(10,4)"`
	TakeProfitPercent           decimal.Decimal `gorm:"type:decimal(10,4)"`

	TTPEnabled          bool
	TTPDeviationPercent decimal.Decimal `gorm:"type:decimal(10,4)"`

	CooldownPeriodSeconds int

	// Price drop from the prior cycle's sell price that preempts the cooldown.
	BuyOrderPriceDeviationPercent decimal.Decimal `gorm:"type:decimal(10,4)"`

	LastSellPrice *decimal.Decimal `gorm:"type:decimal(20,10)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CooldownPeriod returns the cooldown as a duration.
func (a *Asset) CooldownPeriod() time.Duration {
	return time.Duration(a.CooldownPeriodSeconds) * time.Second
}

// Cycle is one end-to-end DCA run for an asset: base buy, optional safety
// buys, one take-profit sell. The partial unique index enforces a single
// non-terminal cycle per asset.
type Cycle struct {
	ID      uint        `gorm:"primaryKey;autoIncrement"`
	AssetID uint        `gorm:"index;not null;uniqueIndex:idx_cycles_one_active,where:status <> 'complete' AND status <> 'error'"`
	Status  CycleStatus `gorm:"type:varchar(16);index;not null"`

	Quantity             decimal.Decimal `gorm:"type:decimal(25,15)"`
	AveragePurchasePrice decimal.Decimal `gorm:"type:decimal(20,10)"`
	SafetyOrders         int

	LatestOrderID        *string `gorm:"index"`
	LatestOrderCreatedAt *time.Time

	LastOrderFillPrice   *decimal.Decimal `gorm:"type:decimal(20,10)"`
	HighestTrailingPrice *decimal.Decimal `gorm:"type:decimal(20,10)"`

	SellPrice   *decimal.Decimal `gorm:"type:decimal(20,10)"`
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPosition reports whether the cycle is holding any quantity.
func (c *Cycle) HasPosition() bool {
	return c.Quantity.IsPositive()
}

// TracksOrder reports whether the cycle references the given broker order.
func (c *Cycle) TracksOrder(orderID string) bool {
	return c.LatestOrderID != nil && *c.LatestOrderID == orderID
}
