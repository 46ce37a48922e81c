// Package simulator implements the per-session exchange simulator engine:
// minute-bar intake with gap replay, synchronous order matching, portfolio
// and cash-flow accounting, the conviction pipeline, and the gRPC surface
// that streams exchange data to the session core.
//
// All portfolio, account, order, and impact state belongs to one coordinator
// goroutine (Run). RPC handlers and the bar intake hand work to it over
// channels; nothing else touches the maps.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

const (
	watchdogPeriod = 5 * time.Second
	frameBuffer    = 32
	commandBuffer  = 64
	barBuffer      = 16

	// Per-minute volume share an untagged order may consume. Conviction
	// orders carry their own participation_rate.
	defaultParticipation = 0.10

	// Price displacement added per unit of volume participation on a fill.
	impactCoefficient = 0.10
)

// ErrTTLExpired is returned by Run when the heartbeat window lapses. The
// process must exit non-zero on it so the orchestrator does not restart the
// pod.
var ErrTTLExpired = errors.New("session ttl expired")

// Config carries the per-process engine parameters. One engine serves
// exactly one (user, session).
type Config struct {
	SimulatorID  string
	SessionID    string
	UserID       string
	Endpoint     string
	Symbols      []string
	BaseCurrency domain.Currency
	StartingCash float64

	SpreadBps       float64
	FeeBps          float64
	ImpactDecayRate float64

	GapTolerance time.Duration
	ReplayMaxGap time.Duration
	SessionTTL   time.Duration

	Pipeline PipelineConfig
}

// BackfillSource fetches missed minute bars from the distributor during
// replay. Bars strictly inside (from, to) are returned in any order.
type BackfillSource interface {
	FetchBars(ctx context.Context, symbols []string, from, to time.Time) ([]domain.MinuteBar, error)
}

// Engine is the authoritative simulation state for one session.
type Engine struct {
	cfg Config

	orders   *database.OrderRepository
	flows    *database.CashFlowRepository
	sims     *database.SimulatorRepository
	backfill BackfillSource

	cmds chan func()
	bars chan []domain.MinuteBar

	// Coordinator-goroutine state. Only Run's goroutine reads or writes
	// these fields.
	positions map[string]*domain.Position
	cash      decimal.Decimal
	open      map[string]*domain.Order
	impacts   map[string]*domain.ImpactState
	lastBars  map[string]domain.MinuteBar
	closed    []domain.Order // terminal transitions since the last frame
	lastTick  time.Time
	updateID  int64
	tracked   map[string]bool
	fatalErr  error

	lastHeartbeat atomic.Int64 // unix nanos

	subMu sync.Mutex
	sub   chan *simrpc.ExchangeDataUpdate

	watchdogEvery time.Duration
	nowFn         func() time.Time
	log           zerolog.Logger
}

// NewEngine creates an engine. Run must be called before the engine accepts
// work.
func NewEngine(cfg Config, orders *database.OrderRepository, flows *database.CashFlowRepository, sims *database.SimulatorRepository, backfill BackfillSource, log zerolog.Logger) *Engine {
	cfg.Pipeline = cfg.Pipeline.withDefaults()

	tracked := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		tracked[s] = true
	}

	return &Engine{
		cfg:           cfg,
		orders:        orders,
		flows:         flows,
		sims:          sims,
		backfill:      backfill,
		cmds:          make(chan func(), commandBuffer),
		bars:          make(chan []domain.MinuteBar, barBuffer),
		positions:     make(map[string]*domain.Position),
		cash:          decimal.NewFromFloat(cfg.StartingCash),
		open:          make(map[string]*domain.Order),
		impacts:       make(map[string]*domain.ImpactState),
		lastBars:      make(map[string]domain.MinuteBar),
		tracked:       tracked,
		watchdogEvery: watchdogPeriod,
		nowFn:         time.Now,
		log:           log.With().Str("service", "simulator-engine").Str("session_id", cfg.SessionID).Logger(),
	}
}

// SetNowFunc overrides the engine clock. Exported for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) {
	e.nowFn = fn
}

// Run drives the coordinator until ctx is cancelled, the TTL lapses, or a
// fault occurs. TTL expiry returns ErrTTLExpired after the simulator record
// is marked STOPPED; faults mark it ERROR and return the cause.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ensureRecord(); err != nil {
		return err
	}
	if err := e.seedOpeningBalance(); err != nil {
		return err
	}

	e.RecordHeartbeat(e.nowFn())
	e.log.Info().
		Str("simulator_id", e.cfg.SimulatorID).
		Strs("symbols", e.cfg.Symbols).
		Float64("starting_cash", e.cfg.StartingCash).
		Msg("Engine running")

	watchdog := time.NewTicker(e.watchdogEvery)
	defer watchdog.Stop()
	defer e.dropSubscriber()

	for {
		select {
		case <-ctx.Done():
			e.writeStatus(domain.SimulatorStopped, "shutdown requested")
			return ctx.Err()

		case fn := <-e.cmds:
			fn()

		case batch := <-e.bars:
			e.handleBars(ctx, batch)

		case <-watchdog.C:
			if e.ttlExpired() {
				e.flushState("session TTL expired")
				e.writeStatus(domain.SimulatorStopped,
					fmt.Sprintf("TTL expired: no heartbeat for %s", e.cfg.SessionTTL))
				return ErrTTLExpired
			}
			if err := e.sims.TouchSimulator(e.cfg.SimulatorID, e.nowFn()); err != nil {
				e.log.Warn().Err(err).Msg("Failed to touch simulator record")
			}
		}

		if e.fatalErr != nil {
			e.flushState(e.fatalErr.Error())
			e.writeStatus(domain.SimulatorError, e.fatalErr.Error())
			return fmt.Errorf("engine fault: %w", e.fatalErr)
		}
	}
}

// ensureRecord makes the simulator record exist and marks it RUNNING. The
// orchestrator normally creates it in CREATING; a standalone engine creates
// its own.
func (e *Engine) ensureRecord() error {
	now := e.nowFn()

	existing, err := e.sims.GetSimulator(e.cfg.SimulatorID)
	if err != nil {
		return fmt.Errorf("failed to load simulator record: %w", err)
	}
	if existing == nil {
		return e.sims.CreateSimulator(domain.Simulator{
			SimulatorID: e.cfg.SimulatorID,
			SessionID:   e.cfg.SessionID,
			UserID:      e.cfg.UserID,
			Endpoint:    e.cfg.Endpoint,
			Status:      domain.SimulatorRunning,
			CreatedAt:   now,
			LastActive:  now,
		})
	}

	if e.cfg.Endpoint != "" && existing.Endpoint != e.cfg.Endpoint {
		if err := e.sims.UpdateSimulatorEndpoint(e.cfg.SimulatorID, e.cfg.Endpoint, now); err != nil {
			return err
		}
	}
	return e.sims.UpdateSimulatorStatus(e.cfg.SimulatorID, domain.SimulatorRunning, "", now)
}

// seedOpeningBalance writes the EXTERNAL flow that funds this simulator
// lifetime so the ledger reconciles to the cash balance.
func (e *Engine) seedOpeningBalance() error {
	if e.cfg.StartingCash == 0 {
		return nil
	}
	flow := domain.CashFlow{
		FlowID:      uuid.New().String(),
		Timestamp:   e.nowFn(),
		Type:        domain.FlowExternal,
		ToAccount:   e.cashAccount(),
		ToCurrency:  e.cfg.BaseCurrency,
		ToFX:        decimal.NewFromInt(1),
		ToAmount:    decimal.NewFromFloat(e.cfg.StartingCash),
		TradeID:     e.cfg.SimulatorID,
		Description: "opening balance",
	}
	if err := e.flows.SaveCashFlow(e.cfg.UserID, flow); err != nil {
		return fmt.Errorf("failed to seed opening balance: %w", err)
	}
	return nil
}

func (e *Engine) cashAccount() string {
	return "cash:" + e.cfg.UserID
}

func (e *Engine) portfolioAccount() string {
	return "portfolio:" + e.cfg.UserID
}

// do runs fn on the coordinator goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case e.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail records an unrecoverable error. Run notices after the current
// dispatch and shuts the engine down.
func (e *Engine) fail(err error) {
	if e.fatalErr == nil {
		e.fatalErr = err
	}
}

// IngestBars queues one minute's batch of bars for the coordinator.
func (e *Engine) IngestBars(ctx context.Context, batch []domain.MinuteBar) error {
	if len(batch) == 0 {
		return nil
	}
	select {
	case e.bars <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordHeartbeat resets the TTL window.
func (e *Engine) RecordHeartbeat(at time.Time) {
	e.lastHeartbeat.Store(at.UnixNano())
}

// Heartbeat records a heartbeat at the engine clock and returns the time it
// was stamped with.
func (e *Engine) Heartbeat() time.Time {
	now := e.nowFn()
	e.RecordHeartbeat(now)
	return now
}

// SessionID returns the session this engine serves.
func (e *Engine) SessionID() string {
	return e.cfg.SessionID
}

func (e *Engine) ttlExpired() bool {
	last := time.Unix(0, e.lastHeartbeat.Load())
	return e.nowFn().Sub(last) > e.cfg.SessionTTL
}

// Subscribe attaches the single stream consumer. A second subscriber
// replaces the first: the old channel is closed so its pump unwinds. The
// returned release detaches only if this subscription is still current.
func (e *Engine) Subscribe() (<-chan *simrpc.ExchangeDataUpdate, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.sub != nil {
		close(e.sub)
	}
	ch := make(chan *simrpc.ExchangeDataUpdate, frameBuffer)
	e.sub = ch

	release := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if e.sub == ch {
			close(ch)
			e.sub = nil
		}
	}
	return ch, release
}

func (e *Engine) dropSubscriber() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.sub != nil {
		close(e.sub)
		e.sub = nil
	}
}

// emitFrame delivers a frame to the subscriber. When the buffer is full the
// oldest frame is discarded: frames are full state snapshots, so a stalled
// consumer converges on the newest one and sees the gap in update_id.
func (e *Engine) emitFrame(frame *simrpc.ExchangeDataUpdate) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.sub == nil {
		return
	}
	for {
		select {
		case e.sub <- frame:
			return
		default:
			select {
			case <-e.sub:
				e.log.Warn().Int64("update_id", frame.UpdateID).Msg("Subscriber lagging, dropped oldest frame")
			default:
			}
		}
	}
}

// buildFrame snapshots engine state into one stream frame. Runs on the
// coordinator; the snapshot owns no engine memory.
func (e *Engine) buildFrame(t time.Time) *simrpc.ExchangeDataUpdate {
	frame := &simrpc.ExchangeDataUpdate{
		UpdateID:    e.updateID,
		TimestampMS: t.UnixMilli(),
	}

	symbols := make([]string, 0, len(e.lastBars))
	for s := range e.lastBars {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		bar := e.lastBars[s]
		frame.MarketData = append(frame.MarketData, simrpc.MarketDataItem{
			Symbol:      s,
			TimestampMS: bar.Timestamp.UnixMilli(),
			Open:        bar.Open,
			High:        bar.High,
			Low:         bar.Low,
			Close:       bar.Close,
			Volume:      float64(bar.Volume),
			VWAP:        bar.VWAP,
			LastPrice:   bar.Close,
		})
	}

	for _, order := range e.sortedOpenOrders() {
		frame.OrdersData = append(frame.OrdersData, orderDataItem(*order))
	}
	for _, order := range e.closed {
		frame.OrdersData = append(frame.OrdersData, orderDataItem(order))
	}
	e.closed = nil

	frame.Portfolio = e.portfolioSnapshot()
	return frame
}

func orderDataItem(o domain.Order) simrpc.OrderDataItem {
	return simrpc.OrderDataItem{
		OrderID:        o.OrderID,
		RequestID:      o.RequestID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Status:         string(o.Status),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		AvgPrice:       o.AvgPrice,
	}
}

func (e *Engine) portfolioSnapshot() simrpc.PortfolioData {
	snapshot := simrpc.PortfolioData{CashBalance: e.cash.InexactFloat64()}

	symbols := make([]string, 0, len(e.positions))
	for s := range e.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	total := snapshot.CashBalance
	for _, s := range symbols {
		pos := e.positions[s]
		snapshot.Positions = append(snapshot.Positions, simrpc.PositionItem{
			Symbol:      pos.Symbol,
			Quantity:    pos.Quantity,
			AverageCost: pos.AverageCost,
			MarketValue: pos.MarketValue,
		})
		total += pos.MarketValue
	}
	snapshot.TotalValue = total
	return snapshot
}

// sortedOpenOrders returns the open set oldest first so evaluation order is
// deterministic across ticks.
func (e *Engine) sortedOpenOrders() []*domain.Order {
	out := make([]*domain.Order, 0, len(e.open))
	for _, o := range e.open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// aum values the portfolio at the latest prices, cash included.
func (e *Engine) aum() float64 {
	total := e.cash.InexactFloat64()
	for _, pos := range e.positions {
		total += pos.MarketValue
	}
	return total
}

func (e *Engine) writeStatus(status domain.SimulatorStatus, reason string) {
	if err := e.sims.UpdateSimulatorStatus(e.cfg.SimulatorID, status, reason, e.nowFn()); err != nil {
		e.log.Error().Err(err).Str("status", string(status)).Msg("Failed to write simulator status")
	}
}

// flushState logs the final snapshot before the engine goes away. Orders and
// cash flows are already durable; this preserves the in-memory view for the
// post-mortem.
func (e *Engine) flushState(reason string) {
	snapshot := e.portfolioSnapshot()
	e.log.Info().
		Str("reason", reason).
		Int64("last_update_id", e.updateID).
		Float64("cash", snapshot.CashBalance).
		Float64("total_value", snapshot.TotalValue).
		Int("open_orders", len(e.open)).
		Int("positions", len(snapshot.Positions)).
		Msg("Final engine state")
}
