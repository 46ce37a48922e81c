package simulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/domain"
)

func TestMarketBuyFillsAtSpreadAdjustedPrice(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 1_000_000)})

	result := e.submitOrderLocked(OrderRequest{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 10,
	})
	require.True(t, result.Success)

	stored := mustGetOrder(t, h, result.OrderID)
	assert.Equal(t, domain.OrderFilled, stored.Status)
	assert.InDelta(t, 100.1, stored.AvgPrice, 1e-9, "buys pay the half-spread over last")
	assert.InDelta(t, 10, stored.FilledQuantity, 1e-9)

	pos := e.positions["AAPL"]
	require.NotNil(t, pos)
	assert.InDelta(t, 10, pos.Quantity, 1e-9)
	assert.InDelta(t, 100.1, pos.AverageCost, 1e-9)

	// 100000 - notional 1001 - fee 1001 * 2bps
	assert.InDelta(t, 98998.7998, e.cash.InexactFloat64(), 1e-6)

	flows, err := h.flows.ListCashFlows("user-1", 10)
	require.NoError(t, err)
	require.Len(t, flows, 2, "each fill books a transfer and a fee flow")
	types := []domain.CashFlowType{flows[0].Type, flows[1].Type}
	assert.Contains(t, types, domain.FlowPortfolioTransfer)
	assert.Contains(t, types, domain.FlowPortfolioFee)
}

func TestSellFillReleasesPosition(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 1_000_000)})
	buy := e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.TypeMarket, Quantity: 10})
	require.True(t, buy.Success)

	e.applyTick(testBase.Add(time.Minute), []domain.MinuteBar{testBar("AAPL", testBase.Add(time.Minute), 102, 1_000_000)})
	sell := e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideSell, Type: domain.TypeMarket, Quantity: 10})
	require.True(t, sell.Success)

	stored := mustGetOrder(t, h, sell.OrderID)
	assert.Equal(t, domain.OrderFilled, stored.Status)
	assert.InDelta(t, 101.898, stored.AvgPrice, 1e-9, "sells give up the half-spread under last")

	assert.Nil(t, e.positions["AAPL"], "fully sold position must disappear")

	flows, err := h.flows.ListCashFlows("user-1", 10)
	require.NoError(t, err)
	assert.Len(t, flows, 4)
}

func TestLimitBuyWaitsForCross(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 1_000_000)})

	result := e.submitOrderLocked(OrderRequest{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.TypeLimit,
		Quantity: 5,
		Price:    95,
	})
	require.True(t, result.Success)
	assert.Equal(t, domain.OrderNew, mustGetOrder(t, h, result.OrderID).Status)

	// Still above the limit: the order keeps resting
	minute1 := testBase.Add(time.Minute)
	e.applyTick(minute1, []domain.MinuteBar{testBar("AAPL", minute1, 96, 1_000_000)})
	assert.Equal(t, domain.OrderNew, mustGetOrder(t, h, result.OrderID).Status)

	minute2 := testBase.Add(2 * time.Minute)
	e.applyTick(minute2, []domain.MinuteBar{testBar("AAPL", minute2, 94.5, 1_000_000)})

	stored := mustGetOrder(t, h, result.OrderID)
	assert.Equal(t, domain.OrderFilled, stored.Status)
	assert.InDelta(t, 94.5, stored.AvgPrice, 1e-9, "a crossed limit fills at the marketable price")

	_, open := e.open[result.OrderID]
	assert.False(t, open)
}

func TestPartialFillFollowsVolumeShare(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 500)})

	result := e.submitOrderLocked(OrderRequest{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 100,
	})
	require.True(t, result.Success)

	stored := mustGetOrder(t, h, result.OrderID)
	assert.Equal(t, domain.OrderPartiallyFilled, stored.Status)
	assert.InDelta(t, 50, stored.FilledQuantity, 1e-9, "fill capped at 10% of minute volume")
	_, open := e.open[result.OrderID]
	assert.True(t, open, "partially filled orders keep working")

	minute1 := testBase.Add(time.Minute)
	e.applyTick(minute1, []domain.MinuteBar{testBar("AAPL", minute1, 100, 500)})

	stored = mustGetOrder(t, h, result.OrderID)
	assert.Equal(t, domain.OrderFilled, stored.Status)
	assert.InDelta(t, 100, stored.FilledQuantity, 1e-9)
	assert.InDelta(t, 100.1, stored.AvgPrice, 1e-9)

	flows, err := h.flows.ListCashFlows("user-1", 10)
	require.NoError(t, err)
	assert.Len(t, flows, 4, "two fills, two flows each")
}

func TestInsufficientCashRejectsOrderOnly(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config) {
		cfg.StartingCash = 100
	})
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 1_000_000)})

	result := e.submitOrderLocked(OrderRequest{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 10,
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "insufficient cash")
	assert.Equal(t, domain.OrderRejected, mustGetOrder(t, h, result.OrderID).Status)

	require.NoError(t, e.fatalErr, "execution failures must not take the engine down")

	// A smaller order still goes through
	retry := e.submitOrderLocked(OrderRequest{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 0.5,
	})
	assert.True(t, retry.Success)
	assert.Equal(t, domain.OrderFilled, mustGetOrder(t, h, retry.OrderID).Status)
}

func TestImpactBumpsOnFillAndDecays(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config) {
		cfg.SpreadBps = 0
		cfg.FeeBps = 0
	})
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 1000)})

	result := e.submitOrderLocked(OrderRequest{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 100,
	})
	require.True(t, result.Success)

	impact := e.impacts["AAPL"]
	require.NotNil(t, impact)
	assert.InDelta(t, 0.01, impact.CurrentImpact, 1e-12, "100 of 1000 volume at 0.10 coefficient")
	assert.InDelta(t, 101, impact.ImpactedPrice, 1e-9)

	minute1 := testBase.Add(time.Minute)
	e.applyTick(minute1, []domain.MinuteBar{testBar("AAPL", minute1, 100, 1000)})
	assert.InDelta(t, 0.009, impact.CurrentImpact, 1e-12)

	minute2 := testBase.Add(2 * time.Minute)
	e.applyTick(minute2, []domain.MinuteBar{testBar("AAPL", minute2, 100, 1000)})
	assert.InDelta(t, 0.0081, impact.CurrentImpact, 1e-12)
}

func TestGapWithinToleranceStaysLive(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 0)})

	late := testBase.Add(90 * time.Second)
	e.handleBars(context.Background(), []domain.MinuteBar{testBar("AAPL", late, 101, 0)})

	assert.Equal(t, 0, h.backfill.callCount(), "a 90s delta sits on the tolerance edge")
	assert.Equal(t, late, e.lastTick)
	assert.Equal(t, int64(2), e.updateID)
}

func TestGapBeyondToleranceReplaysMissedMinutes(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	gapEnd := testBase.Add(3 * time.Minute)
	h.backfill.bars = []domain.MinuteBar{
		testBar("AAPL", testBase, 999, 0), // boundary, must be excluded
		testBar("AAPL", testBase.Add(2*time.Minute), 102, 0),
		testBar("AAPL", testBase.Add(time.Minute), 101, 0),
		testBar("AAPL", gapEnd, 999, 0), // boundary, must be excluded
	}

	frames, release := e.Subscribe()
	defer release()

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 0)})
	e.handleBars(context.Background(), []domain.MinuteBar{testBar("AAPL", gapEnd, 103, 0)})

	require.Equal(t, 1, h.backfill.callCount())
	assert.Equal(t, testBase, h.backfill.calls[0].from)
	assert.Equal(t, gapEnd, h.backfill.calls[0].to)

	assert.Equal(t, int64(4), e.updateID, "base tick, two replayed minutes, one live")
	assert.Equal(t, gapEnd, e.lastTick)
	assert.InDelta(t, 103, e.lastBars["AAPL"].Close, 1e-9)

	var stamps []int64
	for len(frames) > 0 {
		stamps = append(stamps, (<-frames).TimestampMS)
	}
	require.Len(t, stamps, 4)
	assert.Equal(t, []int64{
		testBase.UnixMilli(),
		testBase.Add(time.Minute).UnixMilli(),
		testBase.Add(2 * time.Minute).UnixMilli(),
		gapEnd.UnixMilli(),
	}, stamps, "replayed minutes apply in chronological order before the live bar")
}

func TestGapBeyondReplayWindowContinuesLive(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 0)})

	late := testBase.Add(3 * time.Hour)
	e.handleBars(context.Background(), []domain.MinuteBar{testBar("AAPL", late, 105, 0)})

	assert.Equal(t, 0, h.backfill.callCount(), "gaps past the replay window skip back-fill")
	assert.Equal(t, late, e.lastTick)
	assert.Equal(t, int64(2), e.updateID)
}

func TestStaleBatchDropped(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 0)})

	e.handleBars(context.Background(), []domain.MinuteBar{testBar("AAPL", testBase, 99, 0)})
	e.handleBars(context.Background(), []domain.MinuteBar{testBar("AAPL", testBase.Add(-time.Minute), 98, 0)})

	assert.Equal(t, int64(1), e.updateID)
	assert.InDelta(t, 100, e.lastBars["AAPL"].Close, 1e-9, "stale bars must not overwrite state")
}

func TestBackfillFailureSkipsReplay(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine
	h.backfill.err = errors.New("distributor down")

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 0)})

	late := testBase.Add(3 * time.Minute)
	e.handleBars(context.Background(), []domain.MinuteBar{testBar("AAPL", late, 103, 0)})

	assert.Equal(t, 1, h.backfill.callCount())
	assert.Equal(t, int64(2), e.updateID, "the live bar still applies")
	assert.Equal(t, late, e.lastTick)
	require.NoError(t, e.fatalErr)
}

func TestFramesCarryClosedOrdersOnce(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config) {
		cfg.SpreadBps = 0
		cfg.FeeBps = 0
	})
	e := h.engine

	frames, release := e.Subscribe()
	defer release()

	e.applyTick(testBase, []domain.MinuteBar{testBar("AAPL", testBase, 100, 0)})

	frame := <-frames
	assert.Equal(t, int64(1), frame.UpdateID)
	require.Len(t, frame.MarketData, 1)
	assert.InDelta(t, 100000, frame.Portfolio.CashBalance, 1e-9)
	assert.InDelta(t, 100000, frame.Portfolio.TotalValue, 1e-9)

	result := e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.TypeMarket, Quantity: 10})
	require.True(t, result.Success)

	minute1 := testBase.Add(time.Minute)
	e.applyTick(minute1, []domain.MinuteBar{testBar("AAPL", minute1, 101, 0)})

	frame = <-frames
	assert.Equal(t, int64(2), frame.UpdateID)
	require.Len(t, frame.OrdersData, 1, "a fill closed since the last frame must appear")
	assert.Equal(t, result.OrderID, frame.OrdersData[0].OrderID)
	assert.Equal(t, string(domain.OrderFilled), frame.OrdersData[0].Status)
	require.Len(t, frame.Portfolio.Positions, 1)
	assert.InDelta(t, 1010, frame.Portfolio.Positions[0].MarketValue, 1e-9)
	assert.InDelta(t, 100010, frame.Portfolio.TotalValue, 1e-9)

	minute2 := testBase.Add(2 * time.Minute)
	e.applyTick(minute2, []domain.MinuteBar{testBar("AAPL", minute2, 101, 0)})

	frame = <-frames
	assert.Equal(t, int64(3), frame.UpdateID)
	assert.Empty(t, frame.OrdersData, "closed orders are reported exactly once")
}
