package marketdata

import (
	"github.com/markcheno/go-talib"

	"github.com/tradesim/tradesim/internal/domain"
)

// Chart defaults for the history endpoint.
const (
	smaPeriod = 20
	emaPeriod = 12
	rsiPeriod = 14
)

// IndicatorSet carries indicator series aligned index-for-index with the bar
// slice they were computed from. Entries inside an indicator's warm-up
// window are zero.
type IndicatorSet struct {
	SMA20 []float64 `json:"sma_20"`
	EMA12 []float64 `json:"ema_12"`
	RSI14 []float64 `json:"rsi_14"`
}

// ComputeIndicators derives chart indicators over the close series. Returns
// nil when the series is shorter than the longest warm-up window.
func ComputeIndicators(bars []domain.MinuteBar) *IndicatorSet {
	if len(bars) < smaPeriod {
		return nil
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	return &IndicatorSet{
		SMA20: talib.Sma(closes, smaPeriod),
		EMA12: talib.Ema(closes, emaPeriod),
		RSI14: talib.Rsi(closes, rsiPeriod),
	}
}
