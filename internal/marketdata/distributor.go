// Package marketdata is the distributor behind the canonical minute-bar
// stream: bars are generated on the bar boundary, persisted to the market
// store, and fanned out to registered simulator pods.
package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
)

// Config tunes the distributor process.
type Config struct {
	Port            int           // HTTP surface
	Symbols         []string      // tracked universe
	BarInterval     time.Duration // generation cadence and timestamp alignment
	PushTimeout     time.Duration // per-cycle fan-out budget
	PushConcurrency int           // concurrent pod pushes
	DefaultPodPort  int           // intake port assumed when registrations omit one
	HistoryLimit    int           // default bar count on the history endpoint
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8085
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"AAPL", "MSFT", "GOOG", "AMZN", "NVDA"}
	}
	if c.BarInterval <= 0 {
		c.BarInterval = time.Minute
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 10 * time.Second
	}
	if c.PushConcurrency <= 0 {
		c.PushConcurrency = 8
	}
	if c.DefaultPodPort <= 0 {
		c.DefaultPodPort = 8087
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 120
	}
	return c
}

// fxPair is the random-walk state for one distributed currency pair.
type fxPair struct {
	from domain.Currency
	to   domain.Currency
	rate float64
}

// Distributed pairs quote against the platform base currency.
func defaultFXPairs() []*fxPair {
	return []*fxPair{
		{from: domain.CurrencyEUR, to: domain.CurrencyUSD, rate: 1.08},
		{from: domain.CurrencyGBP, to: domain.CurrencyUSD, rate: 1.27},
		{from: domain.CurrencyJPY, to: domain.CurrencyUSD, rate: 0.0065},
	}
}

// Per-bar FX volatility, an order of magnitude below equities.
const fxSigma = 0.0002

// Distributor runs the bar cycle: generate one bar per symbol, persist the
// batch, push it to every registered pod.
type Distributor struct {
	cfg   Config
	gen   *Generator
	reg   *Registry
	store database.MarketStore
	push  *resty.Client
	fx    []*fxPair
	log   zerolog.Logger

	ticking atomic.Bool
	nowFn   func() time.Time
}

// NewDistributor assembles the distributor around its generator, registry,
// and market store.
func NewDistributor(cfg Config, gen *Generator, reg *Registry, store database.MarketStore,
	log zerolog.Logger) *Distributor {
	cfg = cfg.withDefaults()
	return &Distributor{
		cfg:   cfg,
		gen:   gen,
		reg:   reg,
		store: store,
		push:  resty.New().SetTimeout(cfg.PushTimeout),
		fx:    defaultFXPairs(),
		nowFn: time.Now,
		log:   log.With().Str("component", "distributor").Logger(),
	}
}

// SetNowFunc overrides the clock, for tests
func (d *Distributor) SetNowFunc(nowFn func() time.Time) {
	d.nowFn = nowFn
}

// Prime resumes each symbol's walk from its last persisted close and seeds
// FX quotes that have no history yet. Call once before the first cycle.
func (d *Distributor) Prime() error {
	for _, symbol := range d.gen.Symbols() {
		bar, err := d.store.GetLatestBar(symbol)
		if err != nil {
			return fmt.Errorf("failed to prime %s: %w", symbol, err)
		}
		if bar != nil {
			d.gen.SetPrice(symbol, bar.Close)
			d.log.Debug().Str("symbol", symbol).Float64("close", bar.Close).
				Msg("Resumed walk from persisted close")
		}
	}

	for _, pair := range d.fx {
		quote, err := d.store.GetFXRate(pair.from, pair.to)
		if err != nil {
			return fmt.Errorf("failed to prime fx %s/%s: %w", pair.from, pair.to, err)
		}
		if quote != nil {
			pair.rate = quote.Rate
			continue
		}
		if err := d.store.SaveFXRate(domain.FXRate{
			FromCurrency: pair.from,
			ToCurrency:   pair.to,
			Rate:         pair.rate,
			Timestamp:    d.nowFn().UTC(),
		}); err != nil {
			return fmt.Errorf("failed to seed fx %s/%s: %w", pair.from, pair.to, err)
		}
	}

	return nil
}

// Name implements scheduler.Job
func (d *Distributor) Name() string { return "minute-bars" }

// Run executes one cycle for the current bar boundary. A cycle that outlasts
// its schedule slot is not stacked on; the next slot is skipped instead.
func (d *Distributor) Run() error {
	if !d.ticking.CompareAndSwap(false, true) {
		d.log.Warn().Msg("Previous cycle still running, skipping")
		return nil
	}
	defer d.ticking.Store(false)

	return d.Distribute(d.nowFn())
}

// Distribute generates, persists, and fans out the bar batch for the boundary
// containing at. Push failures are logged per pod and never remove the pod;
// only explicit unregistration does.
func (d *Distributor) Distribute(at time.Time) error {
	boundary := at.UTC().Truncate(d.cfg.BarInterval)

	bars := d.gen.Generate(boundary)
	if err := d.store.SaveBars(bars); err != nil {
		return fmt.Errorf("failed to persist bar batch: %w", err)
	}

	if err := d.stepFX(boundary); err != nil {
		d.log.Error().Err(err).Msg("FX refresh failed")
	}

	pods := d.reg.List()
	if len(pods) == 0 {
		d.log.Debug().Int("bars", len(bars)).Msg("No pods registered, batch persisted only")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PushTimeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.PushConcurrency)

	var delivered atomic.Int64
	for _, pod := range pods {
		group.Go(func() error {
			if err := d.pushTo(groupCtx, pod, bars); err != nil {
				d.log.Warn().Err(err).Str("pod", pod.Addr()).Msg("Bar push failed, pod kept")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = group.Wait()

	d.log.Info().
		Time("bar_ts", boundary).
		Int("bars", len(bars)).
		Int64("delivered", delivered.Load()).
		Int("pods", len(pods)).
		Msg("Bar batch distributed")

	return nil
}

type barPush struct {
	Bars []domain.MinuteBar `json:"bars"`
}

func (d *Distributor) pushTo(ctx context.Context, pod Pod, bars []domain.MinuteBar) error {
	resp, err := d.push.R().
		SetContext(ctx).
		SetBody(barPush{Bars: bars}).
		Post(fmt.Sprintf("http://%s/v1/bars", pod.Addr()))
	if err != nil {
		return fmt.Errorf("failed to push bars: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("pod answered %s", resp.Status())
	}
	return nil
}

// stepFX advances each currency pair one random-walk step and persists the
// refreshed quotes.
func (d *Distributor) stepFX(boundary time.Time) error {
	for _, pair := range d.fx {
		pair.rate *= math.Exp(fxSigma * d.gen.Gaussian())
		if err := d.store.SaveFXRate(domain.FXRate{
			FromCurrency: pair.from,
			ToCurrency:   pair.to,
			Rate:         pair.rate,
			Timestamp:    boundary,
		}); err != nil {
			return err
		}
	}
	return nil
}
