package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return s
}

func seedAsset(t *testing.T, s *Store, symbol string) *models.Asset {
	t.Helper()
	asset := &models.Asset{
		Symbol:                        symbol,
		Enabled:                       true,
		BaseOrderAmount:               decimal.NewFromInt(100),
		SafetyOrderAmount:             decimal.NewFromInt(150),
		MaxSafetyOrders:               3,
		SafetyOrderDeviationPercent:   decimal.NewFromFloat(2.5),
		TakeProfitPercent:             decimal.NewFromFloat(1.0),
		TTPEnabled:                    false,
		TTPDeviationPercent:           decimal.NewFromFloat(0.5),
		CooldownPeriodSeconds:         300,
		BuyOrderPriceDeviationPercent: decimal.NewFromFloat(3.0),
	}
	require.NoError(t, s.CreateAsset(asset))
	return asset
}

func TestGetAsset(t *testing.T) {
	s := newTestStore(t)
	seedAsset(t, s, "BTC/USD")

	asset, err := s.GetAsset("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", asset.Symbol)
	assert.True(t, asset.BaseOrderAmount.Equal(decimal.NewFromInt(100)))

	_, err = s.GetAsset("DOGE/USD")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEnabledAssets(t *testing.T) {
	s := newTestStore(t)
	seedAsset(t, s, "BTC/USD")
	eth := seedAsset(t, s, "ETH/USD")
	eth.Enabled = false
	require.NoError(t, s.db.Save(eth).Error)

	assets, err := s.ListEnabledAssets()
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "BTC/USD", assets[0].Symbol)
}

func TestSetAssetLastSellPrice(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")

	require.NoError(t, s.SetAssetLastSellPrice(asset.ID, decimal.NewFromInt(50000)))

	got, err := s.GetAssetByID(asset.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSellPrice)
	assert.True(t, got.LastSellPrice.Equal(decimal.NewFromInt(50000)))

	assert.ErrorIs(t, s.SetAssetLastSellPrice(9999, decimal.NewFromInt(1)), ErrNotFound)
}

func TestCreateInitialCycleIdempotent(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")

	first, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWatching, first.Status)
	assert.True(t, first.Quantity.IsZero())

	second, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	n, err := s.CountActiveCycles(asset.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestOneActiveCyclePerAsset(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")

	_, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)

	// A direct second insert must hit the partial unique index.
	dup := models.Cycle{AssetID: asset.ID, Status: models.StatusWatching}
	err = s.db.Create(&dup).Error
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))

	// Terminal rows for the same asset are unconstrained.
	now := time.Now().UTC()
	done := models.Cycle{AssetID: asset.ID, Status: models.StatusComplete, CompletedAt: &now}
	require.NoError(t, s.db.Create(&done).Error)
	done2 := models.Cycle{AssetID: asset.ID, Status: models.StatusError, CompletedAt: &now}
	require.NoError(t, s.db.Create(&done2).Error)
}

func TestUpdateCycle(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")
	cycle, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)

	orderID := "ord-123"
	now := time.Now().UTC()
	err = s.UpdateCycle(cycle.ID, map[string]any{
		"status":                  models.StatusBuying,
		"latest_order_id":         orderID,
		"latest_order_created_at": now,
	})
	require.NoError(t, err)

	got, err := s.GetActiveCycle(asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBuying, got.Status)
	require.NotNil(t, got.LatestOrderID)
	assert.Equal(t, orderID, *got.LatestOrderID)

	// Clearing the order reference with nil.
	err = s.UpdateCycle(cycle.ID, map[string]any{
		"status":          models.StatusWatching,
		"latest_order_id": nil,
	})
	require.NoError(t, err)
	got, err = s.GetActiveCycle(asset.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LatestOrderID)
}

func TestUpdateCycleRejectsUnknownAndTerminalFields(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")
	cycle, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)

	assert.Error(t, s.UpdateCycle(cycle.ID, map[string]any{"completed_at": time.Now()}))
	assert.Error(t, s.UpdateCycle(cycle.ID, map[string]any{"status": models.StatusComplete}))
	assert.Error(t, s.UpdateCycle(cycle.ID, map[string]any{"asset_id": 2}))
}

func TestGetActiveCycleByOrderID(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")
	cycle, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)

	_, err = s.GetActiveCycleByOrderID("ord-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateCycle(cycle.ID, map[string]any{
		"status":          models.StatusBuying,
		"latest_order_id": "ord-1",
	}))

	got, err := s.GetActiveCycleByOrderID("ord-1")
	require.NoError(t, err)
	assert.Equal(t, cycle.ID, got.ID)
}

func TestCompleteAndRollover(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")
	cycle, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateCycle(cycle.ID, map[string]any{
		"status":                 models.StatusSelling,
		"quantity":               decimal.NewFromFloat(0.002),
		"average_purchase_price": decimal.NewFromInt(49000),
	}))

	fresh, err := s.CompleteAndRollover(cycle.ID, models.StatusComplete, map[string]any{
		"sell_price": decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	assert.NotEqual(t, cycle.ID, fresh.ID)
	assert.Equal(t, models.StatusWatching, fresh.Status)
	assert.True(t, fresh.Quantity.IsZero())

	// Old cycle is terminal with sell price and timestamp recorded.
	var old models.Cycle
	require.NoError(t, s.db.First(&old, "id = ?", cycle.ID).Error)
	assert.Equal(t, models.StatusComplete, old.Status)
	require.NotNil(t, old.CompletedAt)
	require.NotNil(t, old.SellPrice)
	assert.True(t, old.SellPrice.Equal(decimal.NewFromInt(50000)))

	latest, err := s.GetLatestTerminalCycle(asset.ID)
	require.NoError(t, err)
	assert.Equal(t, cycle.ID, latest.ID)
}

func TestCompleteAndRolloverDuplicateDelivery(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")
	cycle, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)

	first, err := s.CompleteAndRollover(cycle.ID, models.StatusComplete, nil)
	require.NoError(t, err)

	// Replay of the same fill event converges on the existing active cycle.
	second, err := s.CompleteAndRollover(cycle.ID, models.StatusComplete, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	n, err := s.CountActiveCycles(asset.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCompleteAndRolloverErrorStatus(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")
	cycle, err := s.CreateInitialCycle(asset.ID)
	require.NoError(t, err)

	fresh, err := s.CompleteAndRollover(cycle.ID, models.StatusError, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWatching, fresh.Status)

	var old models.Cycle
	require.NoError(t, s.db.First(&old, "id = ?", cycle.ID).Error)
	assert.Equal(t, models.StatusError, old.Status)

	_, err = s.CompleteAndRollover(cycle.ID, models.StatusWatching, nil)
	assert.Error(t, err)
}

func TestListCyclesByStatus(t *testing.T) {
	s := newTestStore(t)
	btc := seedAsset(t, s, "BTC/USD")
	eth := seedAsset(t, s, "ETH/USD")

	c1, err := s.CreateInitialCycle(btc.ID)
	require.NoError(t, err)
	_, err = s.CreateInitialCycle(eth.ID)
	require.NoError(t, err)
	require.NoError(t, s.UpdateCycle(c1.ID, map[string]any{"status": models.StatusBuying}))

	buying, err := s.ListCyclesByStatus(models.StatusBuying)
	require.NoError(t, err)
	require.Len(t, buying, 1)
	assert.Equal(t, c1.ID, buying[0].ID)

	both, err := s.ListCyclesByStatus(models.StatusBuying, models.StatusWatching)
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func TestGetLatestTerminalCycleOrdering(t *testing.T) {
	s := newTestStore(t)
	asset := seedAsset(t, s, "BTC/USD")

	early := time.Now().UTC().Add(-time.Hour)
	late := time.Now().UTC()
	older := models.Cycle{AssetID: asset.ID, Status: models.StatusComplete, CompletedAt: &early}
	newer := models.Cycle{AssetID: asset.ID, Status: models.StatusError, CompletedAt: &late}
	require.NoError(t, s.db.Create(&older).Error)
	require.NoError(t, s.db.Create(&newer).Error)

	latest, err := s.GetLatestTerminalCycle(asset.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	_, err = s.GetLatestTerminalCycle(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}
