package strategy

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"dcabot/internal/models"
)

// The decider is pure: it reads an asset config, the active cycle and one
// market snapshot, and returns at most one action. It never touches the
// database or the broker; the engine applies what it returns.

var (
	hundred = decimal.NewFromInt(100)
	// Smallest base quantity the exchange will accept on a sell.
	MinOrderQty = decimal.RequireFromString("0.000000002")
	// Aggressive limit pricing used in integration fixtures so buys fill fast.
	testingModePremium = decimal.RequireFromString("1.05")
)

// MarketSnapshot is one quote plus the evaluation time.
type MarketSnapshot struct {
	Symbol   string
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
	Now      time.Time
}

// BuyKind distinguishes the opening buy from averaging-down buys.
type BuyKind string

const (
	BuyBase   BuyKind = "base"
	BuySafety BuyKind = "safety"
)

// SellKind distinguishes a plain take-profit from a trailing exit.
type SellKind string

const (
	SellTakeProfit SellKind = "take_profit"
	SellTrailing   SellKind = "trailing_take_profit"
)

// Action is one decision outcome. Exactly one variant is returned per
// evaluation; nil means hold.
type Action interface{ isAction() }

// PlaceBuy requests a GTC limit buy sized in quote currency.
type PlaceBuy struct {
	Kind       BuyKind
	Symbol     string
	Notional   decimal.Decimal
	LimitPrice decimal.Decimal
}

// PlaceSell requests a market sell of the full cycle quantity.
type PlaceSell struct {
	Kind   SellKind
	Symbol string
	Qty    decimal.Decimal
}

// EnterTrailing moves the cycle into trailing mode at the given peak.
type EnterTrailing struct {
	Peak decimal.Decimal
}

// UpdateTrailingPeak records a new high while trailing.
type UpdateTrailingPeak struct {
	Peak decimal.Decimal
}

func (PlaceBuy) isAction()           {}
func (PlaceSell) isAction()          {}
func (EnterTrailing) isAction()      {}
func (UpdateTrailingPeak) isAction() {}

// Decider evaluates DCA decision rules.
type Decider struct {
	// TestingMode prices limit buys above the ask so they fill immediately.
	TestingMode bool
}

// limitPrice returns the buy limit price for the current ask.
func (d *Decider) limitPrice(ask decimal.Decimal) decimal.Decimal {
	if d.TestingMode {
		return ask.Mul(testingModePremium)
	}
	return ask
}

// DecideBaseOrder evaluates the opening buy for a flat watching cycle.
// priorTerminal is the asset's most recently completed or errored cycle,
// nil when the asset has never finished one.
//
// The buy is gated: after a completed cycle the asset waits out its cooldown
// unless the ask has already dropped far enough below the last sell price.
func (d *Decider) DecideBaseOrder(asset *models.Asset, cycle *models.Cycle, priorTerminal *models.Cycle, snap MarketSnapshot) Action {
	if cycle.Status != models.StatusWatching || cycle.HasPosition() || cycle.LatestOrderID != nil {
		return nil
	}
	if !asset.BaseOrderAmount.IsPositive() || !snap.AskPrice.IsPositive() {
		return nil
	}

	if priorTerminal != nil && priorTerminal.CompletedAt != nil {
		elapsed := snap.Now.Sub(*priorTerminal.CompletedAt)
		if elapsed < asset.CooldownPeriod() {
			if !d.earlyRestart(asset, priorTerminal, snap.AskPrice) {
				return nil
			}
			log.Debug().
				Str("symbol", asset.Symbol).
				Str("ask", snap.AskPrice.String()).
				Msg("Cooldown preempted by price drop")
		}
	}

	return PlaceBuy{
		Kind:       BuyBase,
		Symbol:     asset.Symbol,
		Notional:   asset.BaseOrderAmount,
		LimitPrice: d.limitPrice(snap.AskPrice),
	}
}

// earlyRestart reports whether the ask has dropped below the prior cycle's
// sell price by at least the configured deviation. Only a completed prior
// cycle qualifies: an errored one has no sell price to measure from, and
// falling back to an older price would preempt the cooldown against stale
// data.
func (d *Decider) earlyRestart(asset *models.Asset, prior *models.Cycle, ask decimal.Decimal) bool {
	if prior.Status != models.StatusComplete {
		return false
	}
	if prior.SellPrice == nil || !prior.SellPrice.IsPositive() {
		return false
	}
	if !asset.BuyOrderPriceDeviationPercent.IsPositive() {
		return false
	}
	threshold := prior.SellPrice.Mul(hundred.Sub(asset.BuyOrderPriceDeviationPercent)).Div(hundred)
	return ask.LessThan(threshold)
}

// DecideSafetyOrder evaluates an averaging-down buy for a watching cycle
// that holds a position.
func (d *Decider) DecideSafetyOrder(asset *models.Asset, cycle *models.Cycle, snap MarketSnapshot) Action {
	if cycle.Status != models.StatusWatching || !cycle.HasPosition() || cycle.LatestOrderID != nil {
		return nil
	}
	if cycle.SafetyOrders >= asset.MaxSafetyOrders {
		return nil
	}
	if cycle.LastOrderFillPrice == nil || !cycle.LastOrderFillPrice.IsPositive() {
		return nil
	}
	if !snap.AskPrice.IsPositive() || !asset.SafetyOrderAmount.IsPositive() {
		return nil
	}

	trigger := cycle.LastOrderFillPrice.Mul(hundred.Sub(asset.SafetyOrderDeviationPercent)).Div(hundred)
	if snap.AskPrice.GreaterThan(trigger) {
		return nil
	}

	return PlaceBuy{
		Kind:       BuySafety,
		Symbol:     asset.Symbol,
		Notional:   asset.SafetyOrderAmount,
		LimitPrice: d.limitPrice(snap.AskPrice),
	}
}

// DecideTakeProfit evaluates the exit for a cycle holding a position. For
// plain take-profit it returns a sell as soon as the bid clears the target.
// With trailing enabled it first arms trailing at the target, then ratchets
// the peak upward, and sells once the bid gives back the trailing deviation.
func (d *Decider) DecideTakeProfit(asset *models.Asset, cycle *models.Cycle, snap MarketSnapshot) Action {
	if !cycle.HasPosition() || cycle.LatestOrderID != nil {
		return nil
	}
	if !cycle.AveragePurchasePrice.IsPositive() || !snap.BidPrice.IsPositive() {
		return nil
	}

	switch cycle.Status {
	case models.StatusWatching:
		target := cycle.AveragePurchasePrice.Mul(hundred.Add(asset.TakeProfitPercent)).Div(hundred)
		if snap.BidPrice.LessThan(target) {
			return nil
		}
		if asset.TTPEnabled {
			return EnterTrailing{Peak: snap.BidPrice}
		}
		return d.sell(SellTakeProfit, asset.Symbol, cycle.Quantity)

	case models.StatusTrailing:
		peak := cycle.HighestTrailingPrice
		if peak == nil || !peak.IsPositive() {
			// Trailing without a recorded peak: re-arm at the current bid.
			return UpdateTrailingPeak{Peak: snap.BidPrice}
		}
		if snap.BidPrice.GreaterThan(*peak) {
			return UpdateTrailingPeak{Peak: snap.BidPrice}
		}
		floor := peak.Mul(hundred.Sub(asset.TTPDeviationPercent)).Div(hundred)
		if snap.BidPrice.LessThanOrEqual(floor) {
			return d.sell(SellTrailing, asset.Symbol, cycle.Quantity)
		}
		return nil
	}
	return nil
}

func (d *Decider) sell(kind SellKind, symbol string, qty decimal.Decimal) Action {
	if qty.LessThan(MinOrderQty) {
		log.Warn().
			Str("symbol", symbol).
			Str("qty", qty.String()).
			Msg("Sell quantity below exchange minimum, skipping")
		return nil
	}
	return PlaceSell{Kind: kind, Symbol: symbol, Qty: qty}
}
