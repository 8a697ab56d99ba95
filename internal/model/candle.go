package model

import "time"

// Candle is one OHLCV bar returned by the historical-data API.
// Prices are in rupees as reported by the broker.
type Candle struct {
	TS     time.Time `json:"ts"` // bar start time
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Closes returns the closing prices of candles in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
