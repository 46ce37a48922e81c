package simulator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/tradesim/internal/domain"
)

// handleBars processes one minute's batch. Cadence deviations beyond the gap
// tolerance trigger replay for gaps up to ReplayMaxGap; larger gaps continue
// live. Stale and duplicate minutes are dropped so per-minute mutations stay
// ordered.
func (e *Engine) handleBars(ctx context.Context, batch []domain.MinuteBar) {
	t := batch[0].Timestamp

	if !e.lastTick.IsZero() {
		if !t.After(e.lastTick) {
			e.log.Warn().
				Time("bar_ts", t).
				Time("last_tick", e.lastTick).
				Msg("Dropping stale bar batch")
			return
		}

		delta := t.Sub(e.lastTick)
		deviation := delta - time.Minute
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > e.cfg.GapTolerance {
			if delta <= e.cfg.ReplayMaxGap {
				e.replayGap(ctx, e.lastTick, t)
			} else {
				e.log.Warn().
					Dur("gap", delta).
					Dur("max", e.cfg.ReplayMaxGap).
					Msg("Gap beyond replay window, continuing live")
			}
		}
	}

	e.applyTick(t, batch)
}

// replayGap back-fills (from, to) from the distributor and runs each missed
// minute through the normal tick path. Live batches queue on the bar channel
// while this runs and drain afterwards in arrival order. A failed fetch
// skips replay rather than stalling the engine.
func (e *Engine) replayGap(ctx context.Context, from, to time.Time) {
	e.log.Info().
		Time("from", from).
		Time("to", to).
		Msg("Entering replay for missed bars")

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	bars, err := e.backfill.FetchBars(fetchCtx, e.cfg.Symbols, from, to)
	if err != nil {
		e.log.Warn().Err(err).Msg("Back-fill fetch failed, continuing live without replay")
		return
	}

	byMinute := make(map[int64][]domain.MinuteBar)
	for _, bar := range bars {
		if !bar.Timestamp.After(from) || !bar.Timestamp.Before(to) {
			continue
		}
		key := bar.Timestamp.Unix()
		byMinute[key] = append(byMinute[key], bar)
	}

	minutes := make([]int64, 0, len(byMinute))
	for m := range byMinute {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	for _, m := range minutes {
		e.applyTick(time.Unix(m, 0).UTC(), byMinute[m])
		if e.fatalErr != nil {
			return
		}
	}

	e.log.Info().Int("minutes", len(minutes)).Msg("Replay complete")
}

// applyTick is the per-minute critical section: price updates, position
// revaluation, impact decay, order evaluation, and the frame emit. All
// mutations land before the frame goes out.
func (e *Engine) applyTick(t time.Time, batch []domain.MinuteBar) {
	for _, bar := range batch {
		e.lastBars[bar.Symbol] = bar
		if pos, ok := e.positions[bar.Symbol]; ok {
			pos.Revalue(bar.Close, t)
		}
	}

	for _, impact := range e.impacts {
		impact.Decay(e.cfg.ImpactDecayRate, t)
	}

	for _, order := range e.sortedOpenOrders() {
		bar, ok := e.lastBars[order.Symbol]
		if !ok {
			continue
		}
		e.evaluateOrder(order, bar, t)
		if e.fatalErr != nil {
			return
		}
	}

	e.lastTick = t
	e.updateID++
	e.emitFrame(e.buildFrame(t))
}

// evaluateOrder attempts one fill against the latest bar. MARKET orders are
// always marketable; LIMIT orders need the price crossed. Fill size is
// capped by the order's volume participation for the minute.
func (e *Engine) evaluateOrder(order *domain.Order, bar domain.MinuteBar, t time.Time) {
	if !order.Crossed(bar.Close) {
		return
	}

	quantity := e.fillQuantity(order, bar)
	if quantity <= 0 {
		return
	}

	e.applyFill(order, quantity, e.fillPrice(order, bar.Close), bar, t)
}

// fillPrice applies the half-spread to MARKET fills; a crossed LIMIT fills
// at the marketable price, which is never worse than its limit.
func (e *Engine) fillPrice(order *domain.Order, lastPrice float64) float64 {
	if order.Type != domain.TypeMarket {
		return lastPrice
	}
	spread := e.cfg.SpreadBps / 10000
	if order.Side == domain.SideBuy {
		return lastPrice * (1 + spread)
	}
	return lastPrice * (1 - spread)
}

// fillQuantity caps this minute's fill at the order's share of traded
// volume. Bars reporting no volume carry no liquidity information, so the
// order fills in full.
func (e *Engine) fillQuantity(order *domain.Order, bar domain.MinuteBar) float64 {
	remaining := order.Remaining()
	if bar.Volume <= 0 {
		return remaining
	}

	rate := order.ParticipationRate
	if rate <= 0 {
		rate = defaultParticipation
	}
	maxFill := rate * float64(bar.Volume)
	if maxFill < remaining {
		return maxFill
	}
	return remaining
}

// applyFill books one fill: cash moves, position moving-average cost, impact
// bump, two ledger flows, and the order transition. Orders the account
// cannot honour are rejected; the engine stays up.
func (e *Engine) applyFill(order *domain.Order, quantity, price float64, bar domain.MinuteBar, t time.Time) {
	notional := decimal.NewFromFloat(quantity * price)
	fee := notional.Mul(decimal.NewFromFloat(e.cfg.FeeBps)).Div(decimal.NewFromInt(10000))

	switch order.Side {
	case domain.SideBuy:
		cost := notional.Add(fee)
		if e.cash.LessThan(cost) {
			e.rejectOrder(order, fmt.Sprintf("insufficient cash: need %s, have %s", cost.StringFixed(2), e.cash.StringFixed(2)), t)
			return
		}
	case domain.SideSell:
		pos := e.positions[order.Symbol]
		if pos == nil || pos.Quantity < quantity {
			held := 0.0
			if pos != nil {
				held = pos.Quantity
			}
			e.rejectOrder(order, fmt.Sprintf("insufficient position: need %f, have %f", quantity, held), t)
			return
		}
	}

	if err := order.ApplyFill(quantity, price, t); err != nil {
		e.rejectOrder(order, err.Error(), t)
		return
	}

	e.applyCash(order.Side, notional, fee)
	e.applyPosition(order.Side, order.Symbol, quantity, price, bar.Close, t)
	e.bumpImpact(order.Symbol, quantity, bar, t)

	if err := e.saveFillFlows(order, quantity, price, notional, fee, t); err != nil {
		e.fail(err)
		return
	}
	if err := e.orders.UpdateOrder(*order); err != nil {
		e.fail(fmt.Errorf("failed to persist fill on order %s: %w", order.OrderID, err))
		return
	}

	if order.Status.Terminal() {
		e.retireOrder(order)
	}

	e.log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", quantity).
		Float64("price", price).
		Str("status", string(order.Status)).
		Msg("Fill applied")
}

func (e *Engine) applyCash(side domain.OrderSide, notional, fee decimal.Decimal) {
	if side == domain.SideBuy {
		e.cash = e.cash.Sub(notional).Sub(fee)
	} else {
		e.cash = e.cash.Add(notional).Sub(fee)
	}
}

func (e *Engine) applyPosition(side domain.OrderSide, symbol string, quantity, price, lastPrice float64, t time.Time) {
	pos := e.positions[symbol]

	if side == domain.SideBuy {
		if pos == nil {
			pos = &domain.Position{UserID: e.cfg.UserID, Symbol: symbol}
			e.positions[symbol] = pos
		}
		newQuantity := pos.Quantity + quantity
		pos.AverageCost = (pos.Quantity*pos.AverageCost + quantity*price) / newQuantity
		pos.Quantity = newQuantity
		pos.Revalue(lastPrice, t)
		return
	}

	pos.Quantity -= quantity
	if pos.Quantity <= 1e-9 {
		delete(e.positions, symbol)
		return
	}
	pos.Revalue(lastPrice, t)
}

// bumpImpact adds participation-proportional displacement for the fill.
// Impact is a reported magnitude, not an input to matching, so both sides
// contribute positively.
func (e *Engine) bumpImpact(symbol string, quantity float64, bar domain.MinuteBar, t time.Time) {
	impact := e.impacts[symbol]
	if impact == nil {
		impact = &domain.ImpactState{Symbol: symbol, StartTS: t}
		e.impacts[symbol] = impact
	}

	if bar.Volume > 0 {
		impact.CurrentImpact += quantity / float64(bar.Volume) * impactCoefficient
	}
	impact.CumulativeVolume += quantity
	impact.BasePrice = bar.Close
	impact.ImpactedPrice = bar.Close * (1 + impact.CurrentImpact)
	impact.EndTS = t
}

// saveFillFlows appends the portfolio transfer and, when a commission
// applies, the fee flow. Flow direction follows the cash movement.
func (e *Engine) saveFillFlows(order *domain.Order, quantity, price float64, notional, fee decimal.Decimal, t time.Time) error {
	one := decimal.NewFromInt(1)

	transfer := domain.CashFlow{
		FlowID:      uuid.New().String(),
		Timestamp:   t,
		Type:        domain.FlowPortfolioTransfer,
		Instrument:  order.Symbol,
		TradeID:     order.OrderID,
		Description: fmt.Sprintf("%s %f %s @ %f", order.Side, quantity, order.Symbol, price),
	}
	if order.Side == domain.SideBuy {
		transfer.FromAccount = e.cashAccount()
		transfer.FromCurrency = e.cfg.BaseCurrency
		transfer.FromFX = one
		transfer.FromAmount = notional
		transfer.ToAccount = e.portfolioAccount()
		transfer.ToCurrency = e.cfg.BaseCurrency
		transfer.ToFX = one
		transfer.ToAmount = notional
	} else {
		transfer.FromAccount = e.portfolioAccount()
		transfer.FromCurrency = e.cfg.BaseCurrency
		transfer.FromFX = one
		transfer.FromAmount = notional
		transfer.ToAccount = e.cashAccount()
		transfer.ToCurrency = e.cfg.BaseCurrency
		transfer.ToFX = one
		transfer.ToAmount = notional
	}
	if err := e.flows.SaveCashFlow(e.cfg.UserID, transfer); err != nil {
		return fmt.Errorf("failed to record fill transfer: %w", err)
	}

	if fee.IsZero() {
		return nil
	}
	feeFlow := domain.CashFlow{
		FlowID:       uuid.New().String(),
		Timestamp:    t,
		Type:         domain.FlowPortfolioFee,
		FromAccount:  e.cashAccount(),
		FromCurrency: e.cfg.BaseCurrency,
		FromFX:       one,
		FromAmount:   fee,
		Instrument:   order.Symbol,
		TradeID:      order.OrderID,
		Description:  "commission",
	}
	if err := e.flows.SaveCashFlow(e.cfg.UserID, feeFlow); err != nil {
		return fmt.Errorf("failed to record fee flow: %w", err)
	}
	return nil
}

// rejectOrder marks the order REJECTED and persists it. Rejection is
// recoverable; only this order is affected.
func (e *Engine) rejectOrder(order *domain.Order, reason string, t time.Time) {
	order.Reject(reason, t)
	if err := e.orders.UpdateOrder(*order); err != nil {
		e.fail(fmt.Errorf("failed to persist order rejection: %w", err))
		return
	}
	e.retireOrder(order)

	e.log.Warn().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Msg("Order rejected")
}

// retireOrder moves a now-terminal order out of the open set and into the
// next frame's closed list.
func (e *Engine) retireOrder(order *domain.Order) {
	delete(e.open, order.OrderID)
	e.closed = append(e.closed, *order)
}
