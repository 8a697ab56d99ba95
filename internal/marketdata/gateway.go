package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rsitrader/internal/model"
)

var (
	// ErrNoQuote means the stream has not delivered a tick for the instrument yet.
	ErrNoQuote = errors.New("marketdata: no streamed quote")
	// ErrStaleQuote means the newest tick is older than the allowed age.
	ErrStaleQuote = errors.New("marketdata: streamed quote is stale")
)

// StreamGateway serves live quotes from a Feed and delegates historical
// candles to another gateway (normally the REST one).
type StreamGateway struct {
	feed    *Feed
	history model.MarketDataGateway
	maxAge  time.Duration
	now     func() time.Time
}

// NewStreamGateway returns a gateway reading quotes from feed. Quotes older
// than maxAge are reported as failures.
func NewStreamGateway(feed *Feed, history model.MarketDataGateway, maxAge time.Duration, now func() time.Time) *StreamGateway {
	if now == nil {
		now = time.Now
	}
	return &StreamGateway{feed: feed, history: history, maxAge: maxAge, now: now}
}

var _ model.MarketDataGateway = (*StreamGateway)(nil)

func (g *StreamGateway) LiveQuote(ctx context.Context, inst model.Instrument) (model.LiveQuote, error) {
	if err := ctx.Err(); err != nil {
		return model.LiveQuote{}, err
	}
	q, ok := g.feed.Latest(inst.Token)
	if !ok {
		return model.LiveQuote{}, fmt.Errorf("live quote %s: %w", inst.Symbol, ErrNoQuote)
	}
	if age := g.now().Sub(q.TS); g.maxAge > 0 && age > g.maxAge {
		return model.LiveQuote{}, fmt.Errorf("live quote %s: %w (age %s)", inst.Symbol, ErrStaleQuote, age.Round(time.Second))
	}
	return q, nil
}

func (g *StreamGateway) HistoricalCandles(ctx context.Context, inst model.Instrument, interval string, from, to time.Time) ([]model.Candle, error) {
	return g.history.HistoricalCandles(ctx, inst, interval, from, to)
}
