package simulator

import (
	"context"
	"fmt"
	"math"

	"github.com/tradesim/tradesim/internal/domain"
)

// Pipeline stage names as they appear in decision logs.
const (
	stageAlpha       = "alpha_processor"
	stageConstraints = "constraint_manager"
	stageRisk        = "risk_manager"
	stageSolver      = "solver"
	stageOrders      = "order_generator"
)

// minutesPerTradingDay scales one-minute volume into the daily liquidity
// proxy the ADV cap works against.
const minutesPerTradingDay = 390

// PipelineConfig tunes the conviction pipeline. Zero values take the
// defaults below.
type PipelineConfig struct {
	MaxPositionSize     float64 // per-position weight clip
	HardPositionCap     float64 // absolute weight limit; targets beyond it are dropped
	MinPositionSize     float64 // solver drops targets below this weight
	MinTradeSize        float64 // base-currency notional floor for generated orders
	TargetLeverage      float64 // gross exposure the solver scales down to
	MaxADVParticipation float64 // liquidity cap share of daily volume; 0 disables
	RiskModelType       string
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.MaxPositionSize <= 0 {
		c.MaxPositionSize = 0.10
	}
	if c.HardPositionCap <= 0 {
		c.HardPositionCap = 0.25
	}
	if c.MinPositionSize <= 0 {
		c.MinPositionSize = 0.005
	}
	if c.MinTradeSize <= 0 {
		c.MinTradeSize = 500
	}
	if c.TargetLeverage <= 0 {
		c.TargetLeverage = 1.0
	}
	if c.RiskModelType == "" {
		c.RiskModelType = "standard"
	}
	return c
}

var approvedRiskModels = map[string]bool{
	"standard": true,
	"factor":   true,
}

// target is one conviction's state moving through the pipeline.
type target struct {
	conviction domain.Conviction
	symbol     string
	weight     float64
	dropped    bool
	err        string
	orderIDs   []string
	noTrade    bool
}

// SubmitConvictions runs a batch through the pipeline. Results preserve
// input order; each carries the decision log entries for its symbol.
func (e *Engine) SubmitConvictions(ctx context.Context, convictions []domain.Conviction) ([]domain.ConvictionResult, error) {
	var results []domain.ConvictionResult
	err := e.do(ctx, func() {
		results = e.runPipelineLocked(convictions)
	})
	return results, err
}

// runPipelineLocked executes the five stages on the coordinator goroutine.
func (e *Engine) runPipelineLocked(convictions []domain.Conviction) []domain.ConvictionResult {
	log := &domain.DecisionLog{}
	aum := e.aum()

	targets := e.alphaStage(convictions, aum, log)
	e.constraintStage(targets, aum, log)
	e.riskStage(targets, log)
	e.solverStage(targets, log)
	e.generateOrders(targets, aum, log)

	entries := log.Entries()
	results := make([]domain.ConvictionResult, len(targets))
	for i, tgt := range targets {
		result := domain.ConvictionResult{
			Symbol:      tgt.symbol,
			Success:     !tgt.dropped,
			OrderIDs:    tgt.orderIDs,
			Error:       tgt.err,
			DecisionLog: entriesForSymbol(entries, tgt.symbol),
		}
		results[i] = result
	}

	e.log.Info().
		Int("convictions", len(convictions)).
		Float64("aum", aum).
		Msg("Conviction batch processed")
	return results
}

// alphaStage validates conviction shape and normalises every target into a
// portfolio weight.
func (e *Engine) alphaStage(convictions []domain.Conviction, aum float64, log *domain.DecisionLog) []*target {
	targets := make([]*target, len(convictions))
	seen := make(map[string]bool)

	for i, c := range convictions {
		tgt := &target{conviction: c, symbol: c.Symbol}
		targets[i] = tgt

		if err := c.Validate(); err != nil {
			tgt.drop(log, stageAlpha, err.Error())
			continue
		}
		if !e.tracked[c.Symbol] {
			tgt.drop(log, stageAlpha, fmt.Sprintf("symbol %s is not tracked by this simulator", c.Symbol))
			continue
		}
		if seen[c.Symbol] {
			tgt.drop(log, stageAlpha, "duplicate symbol in batch")
			continue
		}
		seen[c.Symbol] = true

		switch {
		case c.TargetWeight != nil:
			tgt.weight = *c.TargetWeight
		case c.TargetNotional != nil:
			if aum <= 0 {
				tgt.drop(log, stageAlpha, "portfolio has no value to weight a notional against")
				continue
			}
			tgt.weight = *c.TargetNotional / aum
		case c.Score != nil:
			score := math.Max(-1, math.Min(1, *c.Score))
			tgt.weight = score * e.cfg.Pipeline.MaxPositionSize
		}

		if math.Abs(tgt.weight) > 1 {
			tgt.drop(log, stageAlpha, fmt.Sprintf("target weight %.4f outside [-1, 1]", tgt.weight))
			continue
		}
		log.Append(stageAlpha, tgt.symbol, fmt.Sprintf("target weight %.4f (%s urgency)", tgt.weight, c.Urgency))
	}

	return targets
}

// constraintStage clips weights to the position limit and, when enabled, to
// the liquidity cap derived from recent traded volume.
func (e *Engine) constraintStage(targets []*target, aum float64, log *domain.DecisionLog) {
	maxADV := e.cfg.Pipeline.MaxADVParticipation

	for _, tgt := range targets {
		if tgt.dropped {
			continue
		}

		limit := e.cfg.Pipeline.MaxPositionSize
		if math.Abs(tgt.weight) > limit {
			clipped := math.Copysign(limit, tgt.weight)
			log.Append(stageConstraints, tgt.symbol, fmt.Sprintf("clipped %.4f to position limit %.4f", tgt.weight, clipped))
			tgt.weight = clipped
		}

		if maxADV <= 0 || aum <= 0 {
			continue
		}
		bar, ok := e.lastBars[tgt.symbol]
		if !ok || bar.Volume <= 0 {
			log.Append(stageConstraints, tgt.symbol, "no volume data, liquidity cap skipped")
			continue
		}
		advUSD := bar.Close * float64(bar.Volume) * minutesPerTradingDay
		advLimit := advUSD * maxADV / aum
		if math.Abs(tgt.weight) > advLimit {
			clipped := math.Copysign(advLimit, tgt.weight)
			log.Append(stageConstraints, tgt.symbol, fmt.Sprintf("clipped %.4f to liquidity cap %.4f", tgt.weight, clipped))
			tgt.weight = clipped
		}
	}
}

// riskStage enforces the single-position hard cap and the risk model gate.
func (e *Engine) riskStage(targets []*target, log *domain.DecisionLog) {
	modelOK := approvedRiskModels[e.cfg.Pipeline.RiskModelType]

	for _, tgt := range targets {
		if tgt.dropped {
			continue
		}
		if !modelOK {
			tgt.drop(log, stageRisk, fmt.Sprintf("risk model %q is not approved", e.cfg.Pipeline.RiskModelType))
			continue
		}
		if math.Abs(tgt.weight) > e.cfg.Pipeline.HardPositionCap {
			tgt.drop(log, stageRisk, fmt.Sprintf("target %.4f exceeds hard cap %.4f", tgt.weight, e.cfg.Pipeline.HardPositionCap))
			continue
		}
		log.Append(stageRisk, tgt.symbol, "within risk limits")
	}
}

// solverStage scales gross exposure down to the target leverage, then drops
// targets too small to hold.
func (e *Engine) solverStage(targets []*target, log *domain.DecisionLog) {
	gross := 0.0
	for _, tgt := range targets {
		if !tgt.dropped {
			gross += math.Abs(tgt.weight)
		}
	}

	if gross > e.cfg.Pipeline.TargetLeverage {
		scale := e.cfg.Pipeline.TargetLeverage / gross
		for _, tgt := range targets {
			if tgt.dropped {
				continue
			}
			tgt.weight *= scale
			log.Append(stageSolver, tgt.symbol, fmt.Sprintf("scaled by %.4f to target leverage %.2f", scale, e.cfg.Pipeline.TargetLeverage))
		}
	}

	for _, tgt := range targets {
		if tgt.dropped {
			continue
		}
		if math.Abs(tgt.weight) > 0 && math.Abs(tgt.weight) < e.cfg.Pipeline.MinPositionSize {
			tgt.drop(log, stageSolver, fmt.Sprintf("target %.4f below minimum position size %.4f", tgt.weight, e.cfg.Pipeline.MinPositionSize))
		}
	}
}

// generateOrders turns surviving weight deltas into MARKET orders routed
// through the standard submission path, tagged with the urgency profile.
func (e *Engine) generateOrders(targets []*target, aum float64, log *domain.DecisionLog) {
	for _, tgt := range targets {
		if tgt.dropped {
			continue
		}

		currentWeight := 0.0
		if pos, ok := e.positions[tgt.symbol]; ok && aum > 0 {
			currentWeight = pos.MarketValue / aum
		}
		delta := tgt.weight - currentWeight

		if aum <= 0 {
			tgt.drop(log, stageOrders, "portfolio has no value to trade against")
			continue
		}
		if math.Abs(delta) <= e.cfg.Pipeline.MinTradeSize/aum {
			tgt.noTrade = true
			log.Append(stageOrders, tgt.symbol, fmt.Sprintf("delta %.4f below minimum trade size, holding", delta))
			continue
		}

		bar, ok := e.lastBars[tgt.symbol]
		if !ok || bar.Close <= 0 {
			tgt.drop(log, stageOrders, "no market data to price the order")
			continue
		}

		side := domain.SideBuy
		if delta < 0 {
			side = domain.SideSell
		}
		quantity := math.Abs(delta) * aum / bar.Close
		if side == domain.SideSell {
			if available := e.sellableQuantity(tgt.symbol); quantity > available {
				log.Append(stageOrders, tgt.symbol, fmt.Sprintf("sell capped at %.4f available", available))
				quantity = available
			}
			if quantity <= 0 {
				tgt.noTrade = true
				log.Append(stageOrders, tgt.symbol, "nothing available to sell, holding")
				continue
			}
		}

		profile, err := domain.ProfileFor(tgt.conviction.Urgency)
		if err != nil {
			tgt.drop(log, stageOrders, err.Error())
			continue
		}

		result := e.submitOrderLocked(OrderRequest{
			Symbol:            tgt.symbol,
			Side:              side,
			Type:              domain.TypeMarket,
			Quantity:          quantity,
			RequestID:         tgt.conviction.RequestID,
			ParticipationRate: profile.ParticipationRate,
			MaxDurationHours:  profile.MaxDurationHours,
		})
		if !result.Success {
			tgt.dropped = true
			tgt.err = result.Err
			log.AppendDrop(stageOrders, tgt.symbol, fmt.Sprintf("order rejected: %s", result.Err))
			continue
		}

		tgt.orderIDs = append(tgt.orderIDs, result.OrderID)
		log.Append(stageOrders, tgt.symbol, fmt.Sprintf("%s %.4f %s order %s", side, quantity, tgt.symbol, result.OrderID))
	}
}

func (t *target) drop(log *domain.DecisionLog, stage, reason string) {
	t.dropped = true
	t.err = reason
	log.AppendDrop(stage, t.symbol, reason)
}

func entriesForSymbol(entries []domain.DecisionEntry, symbol string) []domain.DecisionEntry {
	var out []domain.DecisionEntry
	for _, entry := range entries {
		if entry.Symbol == symbol {
			out = append(out, entry)
		}
	}
	return out
}
