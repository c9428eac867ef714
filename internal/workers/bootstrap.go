package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"dcabot/internal/store"
)

// Bootstrapper makes sure every enabled asset has an active cycle to trade
// on. It runs at startup and then periodically, so assets enabled while
// the daemon is running get picked up too.
type Bootstrapper struct {
	store    *store.Store
	interval time.Duration
}

func NewBootstrapper(st *store.Store, interval time.Duration) *Bootstrapper {
	return &Bootstrapper{store: st, interval: interval}
}

func (b *Bootstrapper) Name() string            { return "bootstrapper" }
func (b *Bootstrapper) Interval() time.Duration { return b.interval }

func (b *Bootstrapper) Run(ctx context.Context) error {
	assets, err := b.store.ListEnabledAssets()
	if err != nil {
		return err
	}

	for _, asset := range assets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := b.store.GetActiveCycle(asset.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Active cycle lookup failed")
			continue
		}

		cycle, err := b.store.CreateInitialCycle(asset.ID)
		if err != nil {
			log.Error().Err(err).Str("symbol", asset.Symbol).Msg("Initial cycle creation failed")
			continue
		}
		log.Info().
			Str("symbol", asset.Symbol).
			Uint("cycle_id", cycle.ID).
			Msg("🌱 Created watching cycle")
	}
	return nil
}
