package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"dcabot/internal/broker"
	"dcabot/internal/engine"
	"dcabot/internal/models"
	"dcabot/internal/notify"
	"dcabot/internal/store"
)

// ConsistencyChecker is the slow sweep that catches whatever the event
// handlers and fast cleaners missed. Two passes: buying cycles whose order
// already finished at the broker, and held positions the broker disagrees
// with.
type ConsistencyChecker struct {
	store    *store.Store
	broker   broker.Broker
	engine   *engine.Engine
	notifier *notify.Notifier
	interval time.Duration
}

func NewConsistencyChecker(st *store.Store, br broker.Broker, eng *engine.Engine, n *notify.Notifier, interval time.Duration) *ConsistencyChecker {
	return &ConsistencyChecker{store: st, broker: br, engine: eng, notifier: n, interval: interval}
}

func (c *ConsistencyChecker) Name() string            { return "consistency-checker" }
func (c *ConsistencyChecker) Interval() time.Duration { return c.interval }

func (c *ConsistencyChecker) Run(ctx context.Context) error {
	c.sweepBuyingCycles(ctx)
	c.sweepHeldPositions(ctx)
	return nil
}

// sweepBuyingCycles heals buying cycles whose tracked order reached a
// terminal state without us seeing the event.
func (c *ConsistencyChecker) sweepBuyingCycles(ctx context.Context) {
	cycles, err := c.store.ListCyclesByStatus(models.StatusBuying)
	if err != nil {
		log.Error().Err(err).Msg("Buying cycle scan failed")
		return
	}

	for _, cycle := range cycles {
		if cycle.LatestOrderID == nil {
			// Buying with no order reference is inconsistent on its face.
			c.revertUnderLock(ctx, cycle.AssetID, cycle.ID)
			continue
		}
		orderID := *cycle.LatestOrderID

		order, err := c.broker.GetOrder(ctx, orderID)
		if errors.Is(err, broker.ErrOrderNotFound) {
			c.revertUnderLock(ctx, cycle.AssetID, cycle.ID)
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Order verify failed")
			continue
		}
		if order.Active() {
			continue // the stale buy cleaner owns resting orders
		}

		lockErr := c.engine.WithAssetLock(ctx, cycle.AssetID, func() {
			current, cerr := c.store.GetActiveCycle(cycle.AssetID)
			if cerr != nil || current.ID != cycle.ID || !current.TracksOrder(orderID) {
				return
			}

			if order.Status == "filled" && order.FilledAvgPrice != nil && order.FilledQty.IsPositive() {
				newQty := current.Quantity.Add(order.FilledQty)
				newAvg := current.Quantity.Mul(current.AveragePurchasePrice).
					Add(order.FilledQty.Mul(*order.FilledAvgPrice)).
					Div(newQty)
				patch := map[string]any{
					"status":                  models.StatusWatching,
					"quantity":                newQty,
					"average_purchase_price":  newAvg,
					"last_order_fill_price":   *order.FilledAvgPrice,
					"latest_order_id":         nil,
					"latest_order_created_at": nil,
				}
				if current.HasPosition() {
					patch["safety_orders"] = current.SafetyOrders + 1
				}
				if uerr := c.store.UpdateCycle(current.ID, patch); uerr != nil {
					log.Error().Err(uerr).Uint("cycle_id", current.ID).Msg("Missed buy fill heal failed")
					return
				}
				log.Info().
					Uint("cycle_id", current.ID).
					Str("order_id", orderID).
					Str("qty", newQty.String()).
					Msg("🔧 Healed missed buy fill")
				return
			}

			// Canceled, expired or rejected without us noticing.
			if uerr := c.store.UpdateCycle(current.ID, map[string]any{
				"status":                  models.StatusWatching,
				"latest_order_id":         nil,
				"latest_order_created_at": nil,
			}); uerr != nil {
				log.Error().Err(uerr).Uint("cycle_id", current.ID).Msg("Dead buy revert failed")
				return
			}
			log.Info().
				Uint("cycle_id", current.ID).
				Str("order_id", orderID).
				Str("order_status", order.Status).
				Msg("🔧 Reverted cycle tracking a dead order")
		})
		if lockErr != nil {
			log.Error().Err(lockErr).Uint("asset_id", cycle.AssetID).Msg("Asset lock failed in consistency sweep")
		}
	}
}

// revertUnderLock clears a dangling order reference on a buying cycle.
func (c *ConsistencyChecker) revertUnderLock(ctx context.Context, assetID, cycleID uint) {
	err := c.engine.WithAssetLock(ctx, assetID, func() {
		current, cerr := c.store.GetActiveCycle(assetID)
		if cerr != nil || current.ID != cycleID || current.Status != models.StatusBuying {
			return
		}
		if uerr := c.store.UpdateCycle(cycleID, map[string]any{
			"status":                  models.StatusWatching,
			"latest_order_id":         nil,
			"latest_order_created_at": nil,
		}); uerr != nil {
			log.Error().Err(uerr).Uint("cycle_id", cycleID).Msg("Dangling order revert failed")
			return
		}
		log.Info().Uint("cycle_id", cycleID).Msg("🔧 Cleared dangling order reference")
	})
	if err != nil {
		log.Error().Err(err).Uint("asset_id", assetID).Msg("Asset lock failed during revert")
	}
}

// sweepHeldPositions compares cycles that believe they hold a position
// against the broker. A missing position moves the cycle to error and
// starts fresh; a quantity mismatch adopts the broker's number.
func (c *ConsistencyChecker) sweepHeldPositions(ctx context.Context) {
	cycles, err := c.store.ListCyclesByStatus(models.StatusWatching, models.StatusTrailing)
	if err != nil {
		log.Error().Err(err).Msg("Held position scan failed")
		return
	}

	for _, cycle := range cycles {
		if !cycle.HasPosition() {
			continue
		}
		asset, err := c.store.GetAssetByID(cycle.AssetID)
		if err != nil {
			log.Error().Err(err).Uint("asset_id", cycle.AssetID).Msg("Asset lookup failed")
			continue
		}

		pos, err := c.broker.GetPosition(ctx, asset.Symbol)
		if err != nil && !errors.Is(err, broker.ErrPositionNotFound) {
			log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Position lookup failed")
			continue
		}
		missing := errors.Is(err, broker.ErrPositionNotFound) || !pos.Qty.IsPositive()

		lockErr := c.engine.WithAssetLock(ctx, cycle.AssetID, func() {
			current, cerr := c.store.GetActiveCycle(cycle.AssetID)
			if cerr != nil || current.ID != cycle.ID || !current.HasPosition() || current.LatestOrderID != nil {
				return
			}

			if missing {
				log.Error().
					Str("symbol", asset.Symbol).
					Uint("cycle_id", current.ID).
					Str("db_qty", current.Quantity.String()).
					Msg("🚨 Cycle holds quantity the broker does not, marking error")
				if _, rerr := c.store.CompleteAndRollover(current.ID, models.StatusError, nil); rerr != nil {
					log.Error().Err(rerr).Uint("cycle_id", current.ID).Msg("Error rollover failed")
					return
				}
				c.notifier.CycleError(asset.Symbol, "broker position missing for held quantity")
				return
			}

			if !pos.Qty.Equal(current.Quantity) {
				if uerr := c.store.UpdateCycle(current.ID, map[string]any{
					"quantity": pos.Qty,
				}); uerr != nil {
					log.Error().Err(uerr).Uint("cycle_id", current.ID).Msg("Quantity resync failed")
					return
				}
				log.Warn().
					Str("symbol", asset.Symbol).
					Uint("cycle_id", current.ID).
					Str("db_qty", current.Quantity.String()).
					Str("broker_qty", pos.Qty.String()).
					Msg("🔧 Quantity adopted from broker position")
			}
		})
		if lockErr != nil {
			log.Error().Err(lockErr).Uint("asset_id", cycle.AssetID).Msg("Asset lock failed in position sweep")
		}
	}
}
