package model

import (
	"context"
	"time"
)

// MarketDataGateway fetches live and historical prices. It is served by the
// REST broker client or by the streaming feed.
// Implementations never retry; any transport or parse problem is returned as an error.
type MarketDataGateway interface {
	// LiveQuote returns the last traded price for inst.
	LiveQuote(ctx context.Context, inst Instrument) (LiveQuote, error)

	// HistoricalCandles returns bars in [from, to], oldest first.
	HistoricalCandles(ctx context.Context, inst Instrument, interval string, from, to time.Time) ([]Candle, error)
}

// OrderGateway places market orders.
type OrderGateway interface {
	// Submit places exactly one intraday market order. It never retries.
	Submit(ctx context.Context, inst Instrument, qty int64, side Side) OrderOutcome
}
