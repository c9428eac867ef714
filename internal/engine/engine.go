package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"dcabot/internal/broker"
	"dcabot/internal/models"
	"dcabot/internal/notify"
	"dcabot/internal/store"
	"dcabot/internal/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADING ENGINE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Applies the strategy decider to live quotes and folds order lifecycle
// events back into cycle state. All mutation for an asset happens under
// that asset's lock.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// Cap on remembered (order, event) pairs for duplicate suppression.
	seenEventCap = 4096
	// Trade updates must not wait on a wedged asset forever.
	tradeLockTimeout = 30 * time.Second
)

var hundred = decimal.NewFromInt(100)

// Engine is the per-event brain: one quote or one trade update in, at most
// one order action out.
type Engine struct {
	store    *store.Store
	broker   broker.Broker
	decider  *strategy.Decider
	notifier *notify.Notifier
	locks    *lockTable

	orderCooldown time.Duration

	mu          sync.Mutex
	lastOrderAt map[uint]time.Time
	seen        map[string]struct{}
	seenOrder   []string
}

func New(st *store.Store, br broker.Broker, decider *strategy.Decider, notifier *notify.Notifier, orderCooldown time.Duration) *Engine {
	return &Engine{
		store:         st,
		broker:        br,
		decider:       decider,
		notifier:      notifier,
		locks:         newLockTable(),
		orderCooldown: orderCooldown,
		lastOrderAt:   make(map[uint]time.Time),
		seen:          make(map[string]struct{}),
	}
}

// WithAssetLock runs fn while holding the asset lock. Reconciliation
// workers use this so they never race the live event handlers.
func (e *Engine) WithAssetLock(ctx context.Context, assetID uint, fn func()) error {
	if err := e.locks.Acquire(ctx, assetID); err != nil {
		return err
	}
	defer e.locks.Release(assetID)
	fn()
	return nil
}

// HandleQuote evaluates one quote for one asset. Contention on the asset
// lock drops the quote; the next one supersedes it anyway.
func (e *Engine) HandleQuote(ctx context.Context, q broker.Quote) {
	asset, err := e.store.GetAsset(q.Symbol)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("symbol", q.Symbol).Msg("Asset lookup failed")
		}
		return
	}
	if !asset.Enabled {
		return
	}

	if !e.locks.TryAcquire(asset.ID) {
		log.Debug().Str("symbol", q.Symbol).Msg("Asset busy, quote skipped")
		return
	}
	defer e.locks.Release(asset.ID)

	cycle, err := e.store.GetActiveCycle(asset.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("symbol", q.Symbol).Msg("Active cycle lookup failed")
		}
		// No active cycle: the bootstrap worker will create one.
		return
	}

	snap := strategy.MarketSnapshot{
		Symbol:   q.Symbol,
		BidPrice: q.BidPrice,
		AskPrice: q.AskPrice,
		Now:      time.Now().UTC(),
	}

	var action strategy.Action
	if !cycle.HasPosition() && cycle.Status == models.StatusWatching {
		prior, err := e.store.GetLatestTerminalCycle(asset.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("symbol", q.Symbol).Msg("Terminal cycle lookup failed")
			return
		}
		action = e.decider.DecideBaseOrder(asset, cycle, prior, snap)
		if buy, ok := action.(strategy.PlaceBuy); ok && buy.Kind == strategy.BuyBase {
			if e.hasExistingPosition(ctx, asset.Symbol) {
				return
			}
		}
	} else {
		action = e.decider.DecideSafetyOrder(asset, cycle, snap)
		if action == nil {
			action = e.decider.DecideTakeProfit(asset, cycle, snap)
		}
	}
	if action == nil {
		return
	}
	e.apply(ctx, asset, cycle, action)
}

// hasExistingPosition guards the opening buy: an untracked broker position
// for the symbol means state is out of sync and buying would double up.
func (e *Engine) hasExistingPosition(ctx context.Context, symbol string) bool {
	pos, err := e.broker.GetPosition(ctx, symbol)
	if err != nil {
		if errors.Is(err, broker.ErrPositionNotFound) {
			return false
		}
		log.Error().Err(err).Str("symbol", symbol).Msg("Position check failed, holding off base buy")
		return true
	}
	if pos.Qty.IsPositive() {
		log.Warn().
			Str("symbol", symbol).
			Str("qty", pos.Qty.String()).
			Msg("Broker already holds a position, skipping base buy")
		return true
	}
	return false
}

// apply executes one decider action under the already-held asset lock.
func (e *Engine) apply(ctx context.Context, asset *models.Asset, cycle *models.Cycle, action strategy.Action) {
	switch a := action.(type) {
	case strategy.PlaceBuy:
		e.placeBuy(ctx, asset, cycle, a)
	case strategy.PlaceSell:
		e.placeSell(ctx, asset, cycle, a)
	case strategy.EnterTrailing:
		if err := e.store.UpdateCycle(cycle.ID, map[string]any{
			"status":                 models.StatusTrailing,
			"highest_trailing_price": a.Peak,
		}); err != nil {
			log.Error().Err(err).Uint("cycle_id", cycle.ID).Msg("Failed to enter trailing")
			return
		}
		log.Info().
			Str("symbol", asset.Symbol).
			Uint("cycle_id", cycle.ID).
			Str("peak", a.Peak.String()).
			Msg("📈 Trailing take-profit armed")
	case strategy.UpdateTrailingPeak:
		if err := e.store.UpdateCycle(cycle.ID, map[string]any{
			"highest_trailing_price": a.Peak,
		}); err != nil {
			log.Error().Err(err).Uint("cycle_id", cycle.ID).Msg("Failed to update trailing peak")
			return
		}
		log.Debug().
			Str("symbol", asset.Symbol).
			Str("peak", a.Peak.String()).
			Msg("Trailing peak raised")
	}
}

// underOrderCooldown enforces the minimum gap between submissions per asset.
func (e *Engine) underOrderCooldown(assetID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastOrderAt[assetID]
	return ok && time.Since(last) < e.orderCooldown
}

func (e *Engine) markOrderPlaced(assetID uint) {
	e.mu.Lock()
	e.lastOrderAt[assetID] = time.Now()
	e.mu.Unlock()
}

func (e *Engine) placeBuy(ctx context.Context, asset *models.Asset, cycle *models.Cycle, buy strategy.PlaceBuy) {
	if e.underOrderCooldown(asset.ID) {
		log.Debug().Str("symbol", asset.Symbol).Msg("Order cooldown active, buy deferred")
		return
	}

	clientOrderID := uuid.NewString()
	snap, err := e.broker.PlaceLimitBuy(ctx, asset.Symbol, buy.Notional, buy.LimitPrice, clientOrderID)
	if err != nil {
		log.Error().Err(err).
			Str("symbol", asset.Symbol).
			Str("kind", string(buy.Kind)).
			Msg("Buy submission failed")
		return
	}
	e.markOrderPlaced(asset.ID)

	now := time.Now().UTC()
	if err := e.store.UpdateCycle(cycle.ID, map[string]any{
		"status":                  models.StatusBuying,
		"latest_order_id":         snap.ID,
		"latest_order_created_at": now,
	}); err != nil {
		// The order is live but untracked; the orphan cleaner will cancel it.
		log.Error().Err(err).
			Uint("cycle_id", cycle.ID).
			Str("order_id", snap.ID).
			Msg("Cycle update failed after buy submission")
		return
	}

	log.Info().
		Str("symbol", asset.Symbol).
		Str("kind", string(buy.Kind)).
		Str("order_id", snap.ID).
		Str("limit_price", buy.LimitPrice.String()).
		Str("notional", buy.Notional.String()).
		Msg("🟢 Buy order placed")
	e.notifier.OrderPlaced(asset.Symbol, "buy", string(buy.Kind), buy.Notional)
}

func (e *Engine) placeSell(ctx context.Context, asset *models.Asset, cycle *models.Cycle, sell strategy.PlaceSell) {
	if e.underOrderCooldown(asset.ID) {
		log.Debug().Str("symbol", asset.Symbol).Msg("Order cooldown active, sell deferred")
		return
	}

	clientOrderID := uuid.NewString()
	snap, err := e.broker.PlaceMarketSell(ctx, asset.Symbol, sell.Qty, clientOrderID)
	if err != nil {
		log.Error().Err(err).
			Str("symbol", asset.Symbol).
			Str("kind", string(sell.Kind)).
			Msg("Sell submission failed")
		return
	}
	e.markOrderPlaced(asset.ID)

	now := time.Now().UTC()
	if err := e.store.UpdateCycle(cycle.ID, map[string]any{
		"status":                  models.StatusSelling,
		"latest_order_id":         snap.ID,
		"latest_order_created_at": now,
	}); err != nil {
		log.Error().Err(err).
			Uint("cycle_id", cycle.ID).
			Str("order_id", snap.ID).
			Msg("Cycle update failed after sell submission")
		return
	}

	log.Info().
		Str("symbol", asset.Symbol).
		Str("kind", string(sell.Kind)).
		Str("order_id", snap.ID).
		Str("qty", sell.Qty.String()).
		Msg("🔴 Sell order placed")
	e.notifier.OrderPlaced(asset.Symbol, "sell", string(sell.Kind), sell.Qty)
}

// seenBefore reports whether an (order, event) pair was already applied.
func (e *Engine) seenBefore(orderID, event string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[orderID+"|"+event]
	return ok
}

// markSeen records an applied (order, event) pair. Only called after the
// state change committed, so a redelivery can retry a failed write. The
// memory is bounded; oldest entries fall off first.
func (e *Engine) markSeen(orderID, event string) {
	key := orderID + "|" + event
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[key]; ok {
		return
	}
	e.seen[key] = struct{}{}
	e.seenOrder = append(e.seenOrder, key)
	if len(e.seenOrder) > seenEventCap {
		evict := e.seenOrder[0]
		e.seenOrder = e.seenOrder[1:]
		delete(e.seen, evict)
	}
}

// HandleTradeUpdate folds one order lifecycle event into cycle state.
// Duplicate deliveries are dropped; events for orders no cycle tracks are
// logged and ignored, never guessed at.
func (e *Engine) HandleTradeUpdate(ctx context.Context, u broker.TradeUpdate) {
	if u.Order.ID == "" {
		return
	}

	switch u.Event {
	case broker.EventNew:
		log.Debug().Str("order_id", u.Order.ID).Msg("Order acknowledged")
		return
	case broker.EventPartialFill:
		log.Info().
			Str("order_id", u.Order.ID).
			Str("symbol", u.Order.Symbol).
			Str("filled_qty", u.Order.FilledQty.String()).
			Msg("Partial fill")
		return
	case broker.EventFill, broker.EventCanceled, broker.EventExpired, broker.EventRejected:
	default:
		log.Debug().Str("event", u.Event).Str("order_id", u.Order.ID).Msg("Unhandled trade event")
		return
	}

	if e.seenBefore(u.Order.ID, u.Event) {
		log.Debug().
			Str("order_id", u.Order.ID).
			Str("event", u.Event).
			Msg("Duplicate trade update dropped")
		return
	}

	cycle, err := e.store.GetActiveCycleByOrderID(u.Order.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().
				Str("order_id", u.Order.ID).
				Str("event", u.Event).
				Str("symbol", u.Order.Symbol).
				Msg("⚠️ Trade update for untracked order, ignoring")
			return
		}
		log.Error().Err(err).Str("order_id", u.Order.ID).Msg("Cycle lookup failed")
		return
	}

	asset, err := e.store.GetAssetByID(cycle.AssetID)
	if err != nil {
		log.Error().Err(err).Uint("asset_id", cycle.AssetID).Msg("Asset lookup failed")
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, tradeLockTimeout)
	defer cancel()
	if err := e.locks.Acquire(lockCtx, asset.ID); err != nil {
		log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Asset lock timeout on trade update")
		return
	}
	defer e.locks.Release(asset.ID)

	// Re-read under the lock; a worker may have moved the cycle.
	cycle, err = e.store.GetActiveCycleByOrderID(u.Order.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("order_id", u.Order.ID).Msg("Cycle re-read failed")
		}
		return
	}

	var applied bool
	switch u.Event {
	case broker.EventFill:
		if u.Order.Side == "buy" {
			applied = e.onBuyFill(asset, cycle, u.Order)
		} else {
			applied = e.onSellFill(asset, cycle, u.Order)
		}
	case broker.EventCanceled, broker.EventExpired, broker.EventRejected:
		applied = e.onOrderGone(ctx, asset, cycle, u)
	}
	if applied {
		e.markSeen(u.Order.ID, u.Event)
	}
}

// onBuyFill folds a filled buy into the position: weighted average price,
// quantity, safety counter, and back to watching. Returns true once the
// update is committed; false leaves the event eligible for redelivery.
func (e *Engine) onBuyFill(asset *models.Asset, cycle *models.Cycle, order broker.OrderSnapshot) bool {
	if order.FilledAvgPrice == nil || !order.FilledQty.IsPositive() {
		log.Error().
			Str("order_id", order.ID).
			Str("symbol", asset.Symbol).
			Msg("Buy fill without price or quantity, leaving cycle for reconciliation")
		return false
	}
	fillPrice := *order.FilledAvgPrice
	fillQty := order.FilledQty

	wasSafety := cycle.HasPosition()
	newQty := cycle.Quantity.Add(fillQty)
	newAvg := cycle.Quantity.Mul(cycle.AveragePurchasePrice).
		Add(fillQty.Mul(fillPrice)).
		Div(newQty)

	patch := map[string]any{
		"status":                  models.StatusWatching,
		"quantity":                newQty,
		"average_purchase_price":  newAvg,
		"last_order_fill_price":   fillPrice,
		"latest_order_id":         nil,
		"latest_order_created_at": nil,
	}
	if wasSafety {
		patch["safety_orders"] = cycle.SafetyOrders + 1
	}
	if err := e.store.UpdateCycle(cycle.ID, patch); err != nil {
		log.Error().Err(err).Uint("cycle_id", cycle.ID).Msg("Buy fill update failed")
		return false
	}

	kind := "base"
	if wasSafety {
		kind = "safety"
	}
	log.Info().
		Str("symbol", asset.Symbol).
		Uint("cycle_id", cycle.ID).
		Str("kind", kind).
		Str("fill_price", fillPrice.String()).
		Str("qty", newQty.String()).
		Str("avg_price", newAvg.StringFixed(4)).
		Msg("💰 Buy filled")
	e.notifier.OrderFilled(asset.Symbol, "buy", fillQty, fillPrice)
	return true
}

// onSellFill completes the cycle, records the sell price on the asset, and
// rolls straight into a fresh watching cycle. Returns true once the
// rollover is committed; false leaves the event eligible for redelivery.
func (e *Engine) onSellFill(asset *models.Asset, cycle *models.Cycle, order broker.OrderSnapshot) bool {
	if order.FilledAvgPrice == nil {
		// Cannot price the exit; the consistency checker reconciles the
		// flat position later.
		log.Error().
			Str("order_id", order.ID).
			Str("symbol", asset.Symbol).
			Msg("Sell fill without average price, skipping rollover")
		return false
	}
	sellPrice := *order.FilledAvgPrice

	fresh, err := e.store.CompleteAndRollover(cycle.ID, models.StatusComplete, map[string]any{
		"sell_price": sellPrice,
	})
	if err != nil {
		log.Error().Err(err).Uint("cycle_id", cycle.ID).Msg("Cycle rollover failed")
		return false
	}
	if err := e.store.SetAssetLastSellPrice(asset.ID, sellPrice); err != nil {
		log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Failed to record last sell price")
	}

	profit := sellPrice.Sub(cycle.AveragePurchasePrice).Mul(order.FilledQty)
	profitPct := decimal.Zero
	if cycle.AveragePurchasePrice.IsPositive() {
		profitPct = sellPrice.Div(cycle.AveragePurchasePrice).Sub(decimal.NewFromInt(1)).Mul(hundred)
	}

	log.Info().
		Str("symbol", asset.Symbol).
		Uint("cycle_id", cycle.ID).
		Uint("next_cycle_id", fresh.ID).
		Str("sell_price", sellPrice.String()).
		Str("profit", profit.StringFixed(2)).
		Str("profit_pct", profitPct.StringFixed(2)).
		Msg("🎉 Cycle complete")
	e.notifier.CycleComplete(asset.Symbol, profit, profitPct)
	return true
}

// onOrderGone handles canceled, expired and rejected orders. Buys revert
// the cycle to watching. Sells resync quantity against the live position,
// or complete the cycle when the position is already flat. Returns true
// once the state change is committed; false leaves the event eligible for
// redelivery.
func (e *Engine) onOrderGone(ctx context.Context, asset *models.Asset, cycle *models.Cycle, u broker.TradeUpdate) bool {
	if u.Event == broker.EventRejected {
		log.Warn().
			Str("symbol", asset.Symbol).
			Str("order_id", u.Order.ID).
			Msg("Order rejected by broker")
	}

	if u.Order.Side == "buy" {
		patch := map[string]any{
			"status":                  models.StatusWatching,
			"latest_order_id":         nil,
			"latest_order_created_at": nil,
		}
		// A partially filled buy that then canceled still bought something.
		if u.Order.FilledQty.IsPositive() && u.Order.FilledAvgPrice != nil {
			newQty := cycle.Quantity.Add(u.Order.FilledQty)
			newAvg := cycle.Quantity.Mul(cycle.AveragePurchasePrice).
				Add(u.Order.FilledQty.Mul(*u.Order.FilledAvgPrice)).
				Div(newQty)
			patch["quantity"] = newQty
			patch["average_purchase_price"] = newAvg
			patch["last_order_fill_price"] = *u.Order.FilledAvgPrice
			if cycle.HasPosition() {
				patch["safety_orders"] = cycle.SafetyOrders + 1
			}
		}
		if err := e.store.UpdateCycle(cycle.ID, patch); err != nil {
			log.Error().Err(err).Uint("cycle_id", cycle.ID).Msg("Buy cancel revert failed")
			return false
		}
		log.Info().
			Str("symbol", asset.Symbol).
			Str("order_id", u.Order.ID).
			Str("event", u.Event).
			Msg("Buy order gone, cycle back to watching")
		return true
	}

	// Sell side: trust the broker's position, not our last write.
	pos, err := e.broker.GetPosition(ctx, asset.Symbol)
	if err != nil && !errors.Is(err, broker.ErrPositionNotFound) {
		log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Position resync failed after sell cancel")
		return false
	}

	if err == nil && pos.Qty.IsPositive() {
		if err := e.store.UpdateCycle(cycle.ID, map[string]any{
			"status":                  models.StatusWatching,
			"quantity":                pos.Qty,
			"latest_order_id":         nil,
			"latest_order_created_at": nil,
		}); err != nil {
			log.Error().Err(err).Uint("cycle_id", cycle.ID).Msg("Sell cancel resync failed")
			return false
		}
		log.Info().
			Str("symbol", asset.Symbol).
			Str("order_id", u.Order.ID).
			Str("qty", pos.Qty.String()).
			Msg("Sell order gone, quantity resynced from broker")
		return true
	}

	// Flat at the broker: the sell effectively completed.
	patch := map[string]any{}
	if u.Order.FilledAvgPrice != nil {
		patch["sell_price"] = *u.Order.FilledAvgPrice
	}
	if _, err := e.store.CompleteAndRollover(cycle.ID, models.StatusComplete, patch); err != nil {
		log.Error().Err(err).Uint("cycle_id", cycle.ID).Msg("Rollover after sell cancel failed")
		return false
	}
	if u.Order.FilledAvgPrice != nil {
		if err := e.store.SetAssetLastSellPrice(asset.ID, *u.Order.FilledAvgPrice); err != nil {
			log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Failed to record last sell price")
		}
	}
	log.Info().
		Str("symbol", asset.Symbol).
		Str("order_id", u.Order.ID).
		Msg("Sell order gone with flat position, cycle completed")
	return true
}
