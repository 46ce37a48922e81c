package simulator

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

var testBase = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

const ordersSchema = `
	CREATE TABLE orders (
		order_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
		order_type TEXT NOT NULL CHECK (order_type IN ('MARKET', 'LIMIT')),
		quantity REAL NOT NULL CHECK (quantity > 0),
		price REAL NOT NULL DEFAULT 0 CHECK (price >= 0),
		status TEXT NOT NULL,
		filled_quantity REAL NOT NULL DEFAULT 0,
		avg_price REAL NOT NULL DEFAULT 0,
		request_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		participation_rate REAL NOT NULL DEFAULT 0,
		max_duration_hours REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX idx_orders_user_request
		ON orders(user_id, request_id) WHERE request_id != '';
`

const cashFlowSchema = `
	CREATE TABLE cash_flow_data (
		flow_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		timestamp_utc INTEGER NOT NULL,
		flow_type TEXT NOT NULL,
		from_account TEXT NOT NULL DEFAULT '',
		from_currency TEXT NOT NULL DEFAULT '',
		from_fx TEXT NOT NULL DEFAULT '1',
		from_amount TEXT NOT NULL DEFAULT '0',
		to_account TEXT NOT NULL DEFAULT '',
		to_currency TEXT NOT NULL DEFAULT '',
		to_fx TEXT NOT NULL DEFAULT '1',
		to_amount TEXT NOT NULL DEFAULT '0',
		instrument TEXT NOT NULL DEFAULT '',
		trade_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)
`

const simulatorSchema = `
	CREATE TABLE simulator_instances (
		simulator_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		termination_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL
	)
`

func openTestDB(t *testing.T, schema string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// One connection keeps every query on the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to apply test schema: %v", err)
	}
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backfillCall struct {
	from, to time.Time
}

type fakeBackfill struct {
	mu    sync.Mutex
	bars  []domain.MinuteBar
	err   error
	calls []backfillCall
}

func (f *fakeBackfill) FetchBars(_ context.Context, _ []string, from, to time.Time) ([]domain.MinuteBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, backfillCall{from: from, to: to})
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

func (f *fakeBackfill) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type engineHarness struct {
	engine    *Engine
	orders    *database.OrderRepository
	flows     *database.CashFlowRepository
	sims      *database.SimulatorRepository
	backfill  *fakeBackfill
	clock     *fakeClock
	tradingDB *sql.DB
}

func newTestEngine(t *testing.T, mutate func(*Config)) *engineHarness {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	tradingDB := openTestDB(t, ordersSchema)
	marketDB := openTestDB(t, cashFlowSchema)
	sessionsDB := openTestDB(t, simulatorSchema)

	cfg := Config{
		SimulatorID:     "sim-1",
		SessionID:       "sess-1",
		UserID:          "user-1",
		Endpoint:        "localhost:50060",
		Symbols:         []string{"AAPL", "MSFT"},
		BaseCurrency:    domain.CurrencyUSD,
		StartingCash:    100000,
		SpreadBps:       10,
		FeeBps:          2,
		ImpactDecayRate: 0.1,
		GapTolerance:    30 * time.Second,
		ReplayMaxGap:    2 * time.Hour,
		SessionTTL:      5 * time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &engineHarness{
		orders:    database.NewOrderRepository(tradingDB, log),
		flows:     database.NewCashFlowRepository(marketDB, log),
		sims:      database.NewSimulatorRepository(sessionsDB, log),
		backfill:  &fakeBackfill{},
		clock:     newFakeClock(testBase),
		tradingDB: tradingDB,
	}
	h.engine = NewEngine(cfg, h.orders, h.flows, h.sims, h.backfill, log)
	h.engine.SetNowFunc(h.clock.Now)
	return h
}

func testBar(symbol string, ts time.Time, price float64, volume int64) domain.MinuteBar {
	return domain.MinuteBar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
		VWAP:      price,
	}
}

func mustGetOrder(t *testing.T, h *engineHarness, orderID string) *domain.Order {
	t.Helper()
	order, err := h.orders.GetOrder(orderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	return order
}

func TestHeartbeatWindowFollowsClock(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	e.RecordHeartbeat(h.clock.Now())
	assert.False(t, e.ttlExpired())

	h.clock.Advance(5*time.Minute + time.Second)
	assert.True(t, e.ttlExpired())

	at := e.Heartbeat()
	assert.Equal(t, h.clock.Now(), at)
	assert.False(t, e.ttlExpired())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newTestEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		sim, err := h.sims.GetSimulator("sim-1")
		return err == nil && sim != nil && sim.Status == domain.SimulatorRunning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}

	sim, err := h.sims.GetSimulator("sim-1")
	require.NoError(t, err)
	require.NotNil(t, sim)
	assert.Equal(t, domain.SimulatorStopped, sim.Status)
	assert.Equal(t, "shutdown requested", sim.TerminationReason)

	flows, err := h.flows.ListCashFlows("user-1", 10)
	require.NoError(t, err)
	require.Len(t, flows, 1, "starting cash must be funded through the ledger")
	assert.Equal(t, domain.FlowExternal, flows[0].Type)
	assert.Equal(t, "100000", flows[0].ToAmount.String())
}

func TestRunReturnsTTLExpiredWhenHeartbeatsStop(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config) {
		cfg.SessionTTL = 50 * time.Millisecond
	})
	h.engine.SetNowFunc(time.Now)
	h.engine.watchdogEvery = 10 * time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.Run(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTTLExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not expire")
	}

	sim, err := h.sims.GetSimulator("sim-1")
	require.NoError(t, err)
	require.NotNil(t, sim)
	assert.Equal(t, domain.SimulatorStopped, sim.Status)
	assert.Contains(t, sim.TerminationReason, "TTL expired")
}

func TestRunFaultMarksErrorAndExits(t *testing.T) {
	h := newTestEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		sim, err := h.sims.GetSimulator("sim-1")
		return err == nil && sim != nil && sim.Status == domain.SimulatorRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Killing the order store makes the next submission unrecoverable
	require.NoError(t, h.tradingDB.Close())

	result, err := h.engine.SubmitOrder(ctx, OrderRequest{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 1,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "internal error", result.Err)

	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "engine fault")
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit on fault")
	}

	sim, err := h.sims.GetSimulator("sim-1")
	require.NoError(t, err)
	require.NotNil(t, sim)
	assert.Equal(t, domain.SimulatorError, sim.Status)
}

func TestEnsureRecordAdoptsExistingRow(t *testing.T) {
	h := newTestEngine(t, nil)

	require.NoError(t, h.sims.CreateSimulator(domain.Simulator{
		SimulatorID: "sim-1",
		SessionID:   "sess-1",
		UserID:      "user-1",
		Endpoint:    "old-host:1",
		Status:      domain.SimulatorCreating,
		CreatedAt:   testBase,
		LastActive:  testBase,
	}))

	require.NoError(t, h.engine.ensureRecord())

	sim, err := h.sims.GetSimulator("sim-1")
	require.NoError(t, err)
	require.NotNil(t, sim)
	assert.Equal(t, domain.SimulatorRunning, sim.Status)
	assert.Equal(t, "localhost:50060", sim.Endpoint)
}

func TestSubscribeReplacesPriorConsumer(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	ch1, release1 := e.Subscribe()
	ch2, release2 := e.Subscribe()

	_, ok := <-ch1
	assert.False(t, ok, "replaced subscriber must see its channel closed")

	e.emitFrame(&simrpc.ExchangeDataUpdate{UpdateID: 7})
	frame := <-ch2
	assert.Equal(t, int64(7), frame.UpdateID)

	// A stale release must not disturb the active consumer
	release1()
	e.emitFrame(&simrpc.ExchangeDataUpdate{UpdateID: 8})
	frame = <-ch2
	assert.Equal(t, int64(8), frame.UpdateID)

	release2()
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestEmitFrameDropsOldestWhenLagging(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	ch, release := e.Subscribe()
	defer release()

	for i := 1; i <= frameBuffer+2; i++ {
		e.emitFrame(&simrpc.ExchangeDataUpdate{UpdateID: int64(i)})
	}

	first := <-ch
	assert.Equal(t, int64(3), first.UpdateID, "two oldest frames should have been dropped")

	last := first
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, int64(frameBuffer+2), last.UpdateID)
}
