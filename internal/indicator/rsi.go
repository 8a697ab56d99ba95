package indicator

import "rsitrader/internal/model"

// DefaultRSIPeriod is the lookback used when none is configured.
const DefaultRSIPeriod = 14

// RSI maintains a run's closing-price series and computes the Relative
// Strength Index over its most recent period deltas using simple averages.
//
// The series is append-only and never evicted; a run is bounded to one
// trading session so the log stays small. An RSI value is not safe for
// concurrent use: each trading run owns its own instance.
type RSI struct {
	period int
	closes []float64
	seeded bool
}

// NewRSI creates an RSI engine with the given lookback period.
// A non-positive period falls back to DefaultRSIPeriod.
func NewRSI(period int) *RSI {
	if period <= 0 {
		period = DefaultRSIPeriod
	}
	return &RSI{period: period}
}

// Period returns the lookback window length.
func (r *RSI) Period() int { return r.period }

// Len returns the number of prices in the series.
func (r *RSI) Len() int { return len(r.closes) }

// Seed appends the closes of candles, oldest first, to the series.
// Only the first call has an effect.
func (r *RSI) Seed(candles []model.Candle) {
	if r.seeded {
		return
	}
	r.seeded = true
	r.closes = append(r.closes, model.Closes(candles)...)
}

// Observe appends price and recomputes RSI over the series.
// ok is false while fewer than period+1 prices are available.
func (r *RSI) Observe(price float64) (value float64, ok bool) {
	r.closes = append(r.closes, price)
	return r.Current()
}

// Current returns RSI over the series as it stands, without appending.
func (r *RSI) Current() (float64, bool) {
	return ComputeRSI(r.closes, r.period)
}

// ComputeRSI returns RSI over the last period deltas of closes.
// When the average loss is zero the result is 100.
func ComputeRSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}

	window := closes[len(closes)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0, true
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs)), true
}
