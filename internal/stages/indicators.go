package stages

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tradedesk/pkg/types"
)

// MACDSignal classifies the MACD histogram.
type MACDSignal string

const (
	MACDBullish MACDSignal = "bullish"
	MACDNeutral MACDSignal = "neutral"
	MACDBearish MACDSignal = "bearish"
)

// minBars is the history needed for the slowest indicator (SMA50 plus
// MACD warm-up) to stabilize.
const minBars = 60

// Indicators is the per-ticker technical snapshot both Research and Risk
// score from. Computed once per ticker per cycle.
type Indicators struct {
	Last                float64
	RSI14               float64
	MACD                MACDSignal
	SMA20               float64
	SMA50               float64
	ATR14               float64
	AvgVolume20         float64
	AnnualVolatilityPct float64
}

// ATRPct is the ATR as a percentage of the last close.
func (in Indicators) ATRPct() float64 {
	if in.Last == 0 {
		return 0
	}
	return in.ATR14 / in.Last * 100
}

// ComputeIndicators derives the snapshot from daily bars, oldest first.
func ComputeIndicators(bars []types.PriceBar) (Indicators, error) {
	if len(bars) < minBars {
		return Indicators{}, fmt.Errorf("need %d bars, have %d", minBars, len(bars))
	}

	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}

	rsi := talib.Rsi(closes, 14)
	sma20 := talib.Sma(closes, 20)
	sma50 := talib.Sma(closes, 50)
	atr := talib.Atr(highs, lows, closes, 14)
	_, _, hist := talib.Macd(closes, 12, 26, 9)

	last := closes[n-1]
	ind := Indicators{
		Last:                last,
		RSI14:               rsi[n-1],
		SMA20:               sma20[n-1],
		SMA50:               sma50[n-1],
		ATR14:               atr[n-1],
		MACD:                classifyMACD(hist[n-1], last),
		AvgVolume20:         avgVolume(bars, 20),
		AnnualVolatilityPct: annualVolatility(closes),
	}
	return ind, nil
}

// classifyMACD buckets the histogram value relative to price so the
// threshold scales across price levels.
func classifyMACD(hist, price float64) MACDSignal {
	if price <= 0 {
		return MACDNeutral
	}
	rel := hist / price
	switch {
	case rel > 0.0005:
		return MACDBullish
	case rel < -0.0005:
		return MACDBearish
	default:
		return MACDNeutral
	}
}

func avgVolume(bars []types.PriceBar, window int) float64 {
	if window > len(bars) {
		window = len(bars)
	}
	var sum int64
	for _, b := range bars[len(bars)-window:] {
		sum += b.Volume
	}
	return float64(sum) / float64(window)
}

// annualVolatility is the standard deviation of daily returns scaled to
// 252 trading days, in percent.
func annualVolatility(closes []float64) float64 {
	var rets []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			rets = append(rets, closes[i]/closes[i-1]-1)
		}
	}
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var variance float64
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rets) - 1)
	return math.Sqrt(variance) * math.Sqrt(252) * 100
}
