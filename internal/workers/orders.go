package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"dcabot/internal/broker"
	"dcabot/internal/engine"
	"dcabot/internal/models"
	"dcabot/internal/store"
)

// Untracked open orders younger than this are left alone: they may belong
// to a submission whose cycle update has not landed yet.
const orphanGrace = time.Minute

// OrderCleaner is one sweep handling two order hygiene jobs: buy orders
// that have rested too long get canceled, and broker orders no cycle
// tracks get canceled too.
type OrderCleaner struct {
	store     *store.Store
	broker    broker.Broker
	engine    *engine.Engine
	interval  time.Duration
	staleBuys time.Duration
}

func NewOrderCleaner(st *store.Store, br broker.Broker, eng *engine.Engine, interval, staleBuys time.Duration) *OrderCleaner {
	return &OrderCleaner{store: st, broker: br, engine: eng, interval: interval, staleBuys: staleBuys}
}

func (c *OrderCleaner) Name() string            { return "order-cleaner" }
func (c *OrderCleaner) Interval() time.Duration { return c.interval }

func (c *OrderCleaner) Run(ctx context.Context) error {
	c.cancelStaleBuys(ctx)
	c.cancelOrphans(ctx)
	return nil
}

// cancelStaleBuys cancels limit buys that have rested past the threshold.
// The cancel flows back through the trade stream and reverts the cycle.
func (c *OrderCleaner) cancelStaleBuys(ctx context.Context) {
	cycles, err := c.store.ListCyclesByStatus(models.StatusBuying)
	if err != nil {
		log.Error().Err(err).Msg("Stale buy scan failed")
		return
	}

	cutoff := time.Now().UTC().Add(-c.staleBuys)
	for _, cycle := range cycles {
		if cycle.LatestOrderID == nil || cycle.LatestOrderCreatedAt == nil {
			continue
		}
		if cycle.LatestOrderCreatedAt.After(cutoff) {
			continue
		}
		orderID := *cycle.LatestOrderID

		log.Info().
			Uint("cycle_id", cycle.ID).
			Str("order_id", orderID).
			Time("placed_at", *cycle.LatestOrderCreatedAt).
			Msg("🧹 Canceling stale buy order")

		err := c.broker.CancelOrder(ctx, orderID)
		if errors.Is(err, broker.ErrOrderNotFound) {
			// The broker never heard of it: clear the dangling reference.
			c.revertCycle(ctx, cycle.AssetID, cycle.ID, orderID)
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Stale buy cancel failed")
		}
	}
}

// revertCycle puts a buying cycle back to watching under the asset lock.
func (c *OrderCleaner) revertCycle(ctx context.Context, assetID, cycleID uint, orderID string) {
	err := c.engine.WithAssetLock(ctx, assetID, func() {
		current, err := c.store.GetActiveCycle(assetID)
		if err != nil || current.ID != cycleID || !current.TracksOrder(orderID) {
			return
		}
		if err := c.store.UpdateCycle(cycleID, map[string]any{
			"status":                  models.StatusWatching,
			"latest_order_id":         nil,
			"latest_order_created_at": nil,
		}); err != nil {
			log.Error().Err(err).Uint("cycle_id", cycleID).Msg("Cycle revert failed")
			return
		}
		log.Info().Uint("cycle_id", cycleID).Str("order_id", orderID).Msg("Cycle reverted to watching")
	})
	if err != nil {
		log.Error().Err(err).Uint("asset_id", assetID).Msg("Asset lock failed during revert")
	}
}

// cancelOrphans cancels open broker orders no active cycle tracks.
func (c *OrderCleaner) cancelOrphans(ctx context.Context) {
	open, err := c.broker.GetOpenOrders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Open order scan failed")
		return
	}

	cutoff := time.Now().UTC().Add(-orphanGrace)
	for _, order := range open {
		if order.CreatedAt.After(cutoff) {
			continue
		}
		_, err := c.store.GetActiveCycleByOrderID(order.ID)
		if err == nil {
			continue // tracked
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Orphan lookup failed")
			continue
		}

		log.Warn().
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Str("side", order.Side).
			Msg("🧹 Canceling orphaned order")
		if err := c.broker.CancelOrder(ctx, order.ID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Orphan cancel failed")
		}
	}
}
