package marketdata

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tradesim/tradesim/internal/domain"
)

// Per-bar GBM parameters. Volatility is expressed per bar; the band below
// spans roughly 15% to 95% annualized at a one-minute cadence.
const (
	sigmaMin          = 0.0005
	sigmaMax          = 0.0030
	sigmaRedrawChance = 0.05

	basePriceMin = 40.0
	basePriceMax = 400.0

	baseVolumeMin = 100_000
	baseVolumeMax = 900_000
)

// symbolState is the random-walk state for one tracked symbol.
type symbolState struct {
	price      float64
	sigma      float64
	baseVolume float64
}

// Generator produces one OHLCV bar per tracked symbol via a driftless
// geometric Brownian motion step. Each symbol carries its own volatility,
// re-drawn with a small chance on every bar so regimes shift over time.
type Generator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	normal  distuv.Normal
	symbols []string
	state   map[string]*symbolState
}

// NewGenerator seeds random-walk state for every tracked symbol. A fixed
// seed reproduces the full bar stream.
func NewGenerator(symbols []string, seed uint64) *Generator {
	src := rand.NewPCG(seed, seed)
	g := &Generator{
		rng:     rand.New(src),
		normal:  distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		symbols: append([]string(nil), symbols...),
		state:   make(map[string]*symbolState, len(symbols)),
	}

	for _, symbol := range g.symbols {
		g.state[symbol] = &symbolState{
			price:      round4(basePriceMin + g.rng.Float64()*(basePriceMax-basePriceMin)),
			sigma:      sigmaMin + g.rng.Float64()*(sigmaMax-sigmaMin),
			baseVolume: baseVolumeMin + g.rng.Float64()*(baseVolumeMax-baseVolumeMin),
		}
	}

	return g
}

// Symbols returns the tracked symbols in generation order.
func (g *Generator) Symbols() []string {
	return append([]string(nil), g.symbols...)
}

// SetPrice moves a symbol's walk to the given price. Used at startup to
// resume from the last persisted close instead of re-basing the series.
func (g *Generator) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.state[symbol]; ok && price > 0 {
		st.price = round4(price)
	}
}

// Gaussian returns one standard normal draw from the generator's stream.
func (g *Generator) Gaussian() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.normal.Rand()
}

// Generate produces the bar batch stamped at, one bar per tracked symbol in
// stable order. The caller aligns at to the bar boundary.
func (g *Generator) Generate(at time.Time) []domain.MinuteBar {
	g.mu.Lock()
	defer g.mu.Unlock()

	bars := make([]domain.MinuteBar, 0, len(g.symbols))
	for _, symbol := range g.symbols {
		bars = append(bars, g.nextBar(symbol, g.state[symbol], at.UTC()))
	}

	return bars
}

func (g *Generator) nextBar(symbol string, st *symbolState, at time.Time) domain.MinuteBar {
	if g.rng.Float64() < sigmaRedrawChance {
		st.sigma = sigmaMin + g.rng.Float64()*(sigmaMax-sigmaMin)
	}

	// Close step: S' = S * exp(-sigma^2/2 + sigma * Z).
	open := st.price
	closePx := round4(open * math.Exp(-0.5*st.sigma*st.sigma+st.sigma*g.normal.Rand()))

	// Wicks extend beyond the body by half-normal draws scaled to sigma,
	// then clamp so Low <= min(Open, Close) and High >= max(Open, Close)
	// survive rounding.
	high := round4(math.Max(open, closePx) * (1 + math.Abs(g.normal.Rand())*st.sigma/2))
	low := round4(math.Min(open, closePx) * (1 - math.Abs(g.normal.Rand())*st.sigma/2))
	high = math.Max(high, math.Max(open, closePx))
	low = math.Min(low, math.Min(open, closePx))

	volume := int64(st.baseVolume * math.Exp(0.35*g.normal.Rand()))

	st.price = closePx

	return domain.MinuteBar{
		Symbol:    symbol,
		Timestamp: at,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		// Typical-price approximation; the simulator has no intrabar trades
		// to weight.
		VWAP: round4((high + low + closePx) / 3),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10_000) / 10_000
}
