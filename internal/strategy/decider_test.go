package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testAsset() *models.Asset {
	return &models.Asset{
		ID:                            1,
		Symbol:                        "BTC/USD",
		Enabled:                       true,
		BaseOrderAmount:               dec("100"),
		SafetyOrderAmount:             dec("150"),
		MaxSafetyOrders:               3,
		SafetyOrderDeviationPercent:   dec("2.5"),
		TakeProfitPercent:             dec("1.0"),
		TTPDeviationPercent:           dec("0.5"),
		CooldownPeriodSeconds:         300,
		BuyOrderPriceDeviationPercent: dec("3.0"),
	}
}

func watchingCycle() *models.Cycle {
	return &models.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               models.StatusWatching,
		Quantity:             decimal.Zero,
		AveragePurchasePrice: decimal.Zero,
	}
}

func snapshot(bid, ask string) MarketSnapshot {
	return MarketSnapshot{
		Symbol:   "BTC/USD",
		BidPrice: dec(bid),
		AskPrice: dec(ask),
		Now:      time.Now().UTC(),
	}
}

func TestBaseOrderOnFlatCycle(t *testing.T) {
	d := &Decider{}
	action := d.DecideBaseOrder(testAsset(), watchingCycle(), nil, snapshot("49990", "50000"))

	buy, ok := action.(PlaceBuy)
	require.True(t, ok)
	assert.Equal(t, BuyBase, buy.Kind)
	assert.True(t, buy.Notional.Equal(dec("100")))
	assert.True(t, buy.LimitPrice.Equal(dec("50000")), "limit at the ask")
}

func TestBaseOrderTestingModePremium(t *testing.T) {
	d := &Decider{TestingMode: true}
	action := d.DecideBaseOrder(testAsset(), watchingCycle(), nil, snapshot("49990", "50000"))

	buy, ok := action.(PlaceBuy)
	require.True(t, ok)
	assert.True(t, buy.LimitPrice.Equal(dec("52500")), "ask * 1.05")
}

func TestBaseOrderSkipsWhenOrderPending(t *testing.T) {
	d := &Decider{}
	cycle := watchingCycle()
	id := "ord-1"
	cycle.LatestOrderID = &id
	assert.Nil(t, d.DecideBaseOrder(testAsset(), cycle, nil, snapshot("49990", "50000")))
}

func TestBaseOrderSkipsWhenHolding(t *testing.T) {
	d := &Decider{}
	cycle := watchingCycle()
	cycle.Quantity = dec("0.001")
	assert.Nil(t, d.DecideBaseOrder(testAsset(), cycle, nil, snapshot("49990", "50000")))
}

func TestBaseOrderCooldownGate(t *testing.T) {
	d := &Decider{}
	asset := testAsset()

	now := time.Now().UTC()
	recent := now.Add(-time.Minute)
	prior := &models.Cycle{Status: models.StatusComplete, CompletedAt: &recent, SellPrice: decPtr("50000")}

	snap := snapshot("49990", "49500")
	snap.Now = now

	// One minute into a five-minute cooldown, modest dip: hold.
	assert.Nil(t, d.DecideBaseOrder(asset, watchingCycle(), prior, snap))

	// Cooldown elapsed: buy.
	old := now.Add(-10 * time.Minute)
	prior.CompletedAt = &old
	action := d.DecideBaseOrder(asset, watchingCycle(), prior, snap)
	require.IsType(t, PlaceBuy{}, action)
}

func TestBaseOrderEarlyRestartOnPriceDrop(t *testing.T) {
	d := &Decider{}
	asset := testAsset()

	now := time.Now().UTC()
	recent := now.Add(-time.Minute)
	prior := &models.Cycle{Status: models.StatusComplete, CompletedAt: &recent, SellPrice: decPtr("50000")}

	// Threshold is 50000 * 0.97 = 48500; ask must be strictly below.
	at := snapshot("48400", "48500")
	at.Now = now
	assert.Nil(t, d.DecideBaseOrder(asset, watchingCycle(), prior, at))

	below := snapshot("48400", "48499")
	below.Now = now
	action := d.DecideBaseOrder(asset, watchingCycle(), prior, below)
	require.IsType(t, PlaceBuy{}, action)
	assert.Equal(t, BuyBase, action.(PlaceBuy).Kind)
}

func TestBaseOrderNoEarlyRestartAfterErroredCycle(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	// Stale sell price from an older completed cycle is still on the asset.
	asset.LastSellPrice = decPtr("50000")

	now := time.Now().UTC()
	recent := now.Add(-time.Minute)
	prior := &models.Cycle{Status: models.StatusError, CompletedAt: &recent}

	// Deep enough below the stale price to have preempted the cooldown if
	// the gate measured from it; an errored prior must wait it out.
	snap := snapshot("48000", "48100")
	snap.Now = now
	assert.Nil(t, d.DecideBaseOrder(asset, watchingCycle(), prior, snap))

	// Once the cooldown has elapsed the buy proceeds as usual.
	old := now.Add(-10 * time.Minute)
	prior.CompletedAt = &old
	action := d.DecideBaseOrder(asset, watchingCycle(), prior, snap)
	require.IsType(t, PlaceBuy{}, action)
}

func TestSafetyOrderAtDeviation(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")
	cycle.LastOrderFillPrice = decPtr("50000")

	// Trigger is 50000 * 0.975 = 48750, inclusive.
	assert.Nil(t, d.DecideSafetyOrder(asset, cycle, snapshot("48740", "48751")))

	action := d.DecideSafetyOrder(asset, cycle, snapshot("48740", "48750"))
	buy, ok := action.(PlaceBuy)
	require.True(t, ok)
	assert.Equal(t, BuySafety, buy.Kind)
	assert.True(t, buy.Notional.Equal(dec("150")))
}

func TestSafetyOrderExhausted(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = dec("0.002")
	cycle.LastOrderFillPrice = decPtr("50000")
	cycle.SafetyOrders = 3

	assert.Nil(t, d.DecideSafetyOrder(asset, cycle, snapshot("48740", "48750")))
}

func TestSafetyOrderMeasuresFromLastFillNotAverage(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = dec("0.005")
	cycle.AveragePurchasePrice = dec("49500")
	cycle.LastOrderFillPrice = decPtr("48000")
	cycle.SafetyOrders = 1

	// 48000 * 0.975 = 46800. An ask below the average-based threshold but
	// above the last-fill threshold must not trigger.
	assert.Nil(t, d.DecideSafetyOrder(asset, cycle, snapshot("46900", "47000")))
	action := d.DecideSafetyOrder(asset, cycle, snapshot("46700", "46800"))
	require.IsType(t, PlaceBuy{}, action)
}

func TestTakeProfitSell(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")

	// Target is 50000 * 1.01 = 50500, inclusive on the bid.
	assert.Nil(t, d.DecideTakeProfit(asset, cycle, snapshot("50499", "50510")))

	action := d.DecideTakeProfit(asset, cycle, snapshot("50500", "50510"))
	sell, ok := action.(PlaceSell)
	require.True(t, ok)
	assert.Equal(t, SellTakeProfit, sell.Kind)
	assert.True(t, sell.Qty.Equal(dec("0.002")))
}

func TestTakeProfitSkipsDustQuantity(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = dec("0.000000001") // below exchange minimum
	cycle.AveragePurchasePrice = dec("50000")

	assert.Nil(t, d.DecideTakeProfit(asset, cycle, snapshot("50500", "50510")))
}

func TestTrailingArmsAtTarget(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	asset.TTPEnabled = true
	cycle := watchingCycle()
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")

	action := d.DecideTakeProfit(asset, cycle, snapshot("50500", "50510"))
	arm, ok := action.(EnterTrailing)
	require.True(t, ok)
	assert.True(t, arm.Peak.Equal(dec("50500")))
}

func TestTrailingRatchetsPeak(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	asset.TTPEnabled = true
	cycle := watchingCycle()
	cycle.Status = models.StatusTrailing
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")
	cycle.HighestTrailingPrice = decPtr("50500")

	action := d.DecideTakeProfit(asset, cycle, snapshot("50600", "50610"))
	up, ok := action.(UpdateTrailingPeak)
	require.True(t, ok)
	assert.True(t, up.Peak.Equal(dec("50600")))
}

func TestTrailingSellsOnGiveback(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	asset.TTPEnabled = true
	cycle := watchingCycle()
	cycle.Status = models.StatusTrailing
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")
	cycle.HighestTrailingPrice = decPtr("51000")

	// Floor is 51000 * 0.995 = 50745, inclusive.
	assert.Nil(t, d.DecideTakeProfit(asset, cycle, snapshot("50746", "50750")))

	action := d.DecideTakeProfit(asset, cycle, snapshot("50745", "50750"))
	sell, ok := action.(PlaceSell)
	require.True(t, ok)
	assert.Equal(t, SellTrailing, sell.Kind)
}

func TestTrailingWithoutPeakReArms(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	asset.TTPEnabled = true
	cycle := watchingCycle()
	cycle.Status = models.StatusTrailing
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")

	action := d.DecideTakeProfit(asset, cycle, snapshot("50400", "50410"))
	up, ok := action.(UpdateTrailingPeak)
	require.True(t, ok)
	assert.True(t, up.Peak.Equal(dec("50400")))
}

func TestNoActionWhileOrderPending(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")
	cycle.LastOrderFillPrice = decPtr("50000")
	id := "ord-1"
	cycle.LatestOrderID = &id

	assert.Nil(t, d.DecideSafetyOrder(asset, cycle, snapshot("48000", "48100")))
	assert.Nil(t, d.DecideTakeProfit(asset, cycle, snapshot("60000", "60010")))
}

func TestDeciderIsDeterministic(t *testing.T) {
	d := &Decider{}
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = dec("0.002")
	cycle.AveragePurchasePrice = dec("50000")
	snap := snapshot("50500", "50510")

	first := d.DecideTakeProfit(asset, cycle, snap)
	second := d.DecideTakeProfit(asset, cycle, snap)
	assert.Equal(t, first, second)
	assert.Equal(t, models.StatusWatching, cycle.Status, "decider never mutates the cycle")
	assert.True(t, cycle.Quantity.Equal(dec("0.002")))
}
