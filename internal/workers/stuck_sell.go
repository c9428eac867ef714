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

// StuckSellCleaner unwedges cycles that have sat in selling too long. A
// market sell should fill in seconds; one that hasn't either missed its
// fill event or is genuinely stuck at the broker.
type StuckSellCleaner struct {
	store    *store.Store
	broker   broker.Broker
	engine   *engine.Engine
	interval time.Duration
	timeout  time.Duration
}

func NewStuckSellCleaner(st *store.Store, br broker.Broker, eng *engine.Engine, interval, timeout time.Duration) *StuckSellCleaner {
	return &StuckSellCleaner{store: st, broker: br, engine: eng, interval: interval, timeout: timeout}
}

func (c *StuckSellCleaner) Name() string            { return "stuck-sell-cleaner" }
func (c *StuckSellCleaner) Interval() time.Duration { return c.interval }

func (c *StuckSellCleaner) Run(ctx context.Context) error {
	cycles, err := c.store.ListCyclesByStatus(models.StatusSelling)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-c.timeout)
	for _, cycle := range cycles {
		if cycle.LatestOrderID == nil || cycle.LatestOrderCreatedAt == nil {
			continue
		}
		if cycle.LatestOrderCreatedAt.After(cutoff) {
			continue
		}
		c.reconcile(ctx, cycle)
	}
	return nil
}

// reconcile verifies the sell order before touching anything: a fill we
// missed gets applied, a live order gets canceled, a vanished order means
// we resync against the broker position.
func (c *StuckSellCleaner) reconcile(ctx context.Context, cycle models.Cycle) {
	orderID := *cycle.LatestOrderID
	order, err := c.broker.GetOrder(ctx, orderID)
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		log.Error().Err(err).Str("order_id", orderID).Msg("Stuck sell verify failed")
		return
	}

	lockErr := c.engine.WithAssetLock(ctx, cycle.AssetID, func() {
		current, cerr := c.store.GetActiveCycle(cycle.AssetID)
		if cerr != nil || current.ID != cycle.ID || current.Status != models.StatusSelling || !current.TracksOrder(orderID) {
			return
		}

		switch {
		case err == nil && order.Status == "filled":
			// Missed the fill event; complete the cycle now.
			if order.FilledAvgPrice == nil {
				log.Error().Str("order_id", orderID).Msg("Filled sell has no average price")
				return
			}
			if _, rerr := c.store.CompleteAndRollover(current.ID, models.StatusComplete, map[string]any{
				"sell_price": *order.FilledAvgPrice,
			}); rerr != nil {
				log.Error().Err(rerr).Uint("cycle_id", current.ID).Msg("Rollover of stuck sell failed")
				return
			}
			if serr := c.store.SetAssetLastSellPrice(cycle.AssetID, *order.FilledAvgPrice); serr != nil {
				log.Error().Err(serr).Uint("asset_id", cycle.AssetID).Msg("Failed to record last sell price")
			}
			log.Info().
				Uint("cycle_id", current.ID).
				Str("order_id", orderID).
				Msg("🔧 Stuck sell was filled, cycle completed")

		case err == nil && order.Active():
			log.Warn().
				Uint("cycle_id", current.ID).
				Str("order_id", orderID).
				Dur("age", time.Since(*current.LatestOrderCreatedAt)).
				Msg("🧹 Canceling stuck sell order")
			if cerr := c.broker.CancelOrder(ctx, orderID); cerr != nil && !errors.Is(cerr, broker.ErrOrderNotFound) {
				log.Error().Err(cerr).Str("order_id", orderID).Msg("Stuck sell cancel failed")
			}
			// The cancel event reverts or completes the cycle via the stream.

		default:
			// Order terminal-but-unfilled or unknown to the broker: fall back
			// to the position.
			c.resync(ctx, current)
		}
	})
	if lockErr != nil {
		log.Error().Err(lockErr).Uint("asset_id", cycle.AssetID).Msg("Asset lock failed in stuck sell cleaner")
	}
}

func (c *StuckSellCleaner) resync(ctx context.Context, cycle *models.Cycle) {
	asset, err := c.store.GetAssetByID(cycle.AssetID)
	if err != nil {
		log.Error().Err(err).Uint("asset_id", cycle.AssetID).Msg("Asset lookup failed")
		return
	}

	pos, err := c.broker.GetPosition(ctx, asset.Symbol)
	if err != nil && !errors.Is(err, broker.ErrPositionNotFound) {
		log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Position lookup failed")
		return
	}

	if err == nil && pos.Qty.IsPositive() {
		if uerr := c.store.UpdateCycle(cycle.ID, map[string]any{
			"status":                  models.StatusWatching,
			"quantity":                pos.Qty,
			"latest_order_id":         nil,
			"latest_order_created_at": nil,
		}); uerr != nil {
			log.Error().Err(uerr).Uint("cycle_id", cycle.ID).Msg("Stuck sell resync failed")
			return
		}
		log.Info().
			Uint("cycle_id", cycle.ID).
			Str("qty", pos.Qty.String()).
			Msg("🔧 Stuck sell resynced from broker position")
		return
	}

	if _, rerr := c.store.CompleteAndRollover(cycle.ID, models.StatusComplete, nil); rerr != nil {
		log.Error().Err(rerr).Uint("cycle_id", cycle.ID).Msg("Rollover after stuck sell failed")
		return
	}
	log.Info().Uint("cycle_id", cycle.ID).Msg("🔧 Stuck sell with flat position, cycle completed")
}
