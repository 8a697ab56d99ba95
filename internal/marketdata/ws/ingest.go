// Package ws feeds SmartAPI websocket ticks into a marketdata.Feed.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rsitrader/internal/marketdata"
	"rsitrader/internal/model"
	"rsitrader/pkg/smartconnect"
)

// TickStream is the subset of smartconnect.Stream the ingest needs.
type TickStream interface {
	Subscribe(correlationID string, tokenList []smartconnect.TokenListEntry) error
	Run(ctx context.Context, onTick func(smartconnect.Tick)) error
}

// Ingest subscribes instruments on a stream and pushes their ticks into a feed.
type Ingest struct {
	stream TickStream
	feed   *marketdata.Feed
	now    func() time.Time

	// OnTick, if set, is called after each tick reaches the feed.
	OnTick func(smartconnect.Tick)
}

// New creates a new Ingest instance.
func New(stream TickStream, feed *marketdata.Feed) *Ingest {
	return &Ingest{stream: stream, feed: feed, now: time.Now}
}

// Watch subscribes inst for LTP updates.
func (ing *Ingest) Watch(inst model.Instrument) error {
	ex, ok := smartconnect.ExchangeType(inst.Exchange)
	if !ok {
		return fmt.Errorf("ws ingest: unsupported exchange %q", inst.Exchange)
	}
	return ing.stream.Subscribe(inst.Key(), []smartconnect.TokenListEntry{{ExchangeType: ex, Tokens: []string{inst.Token}}})
}

// Start streams ticks into the feed. Blocks until ctx is cancelled or the
// stream gives up reconnecting.
func (ing *Ingest) Start(ctx context.Context) error {
	err := ing.stream.Run(ctx, func(t smartconnect.Tick) {
		q := toQuote(t, ing.now)
		ing.feed.Update(q)
		if ing.OnTick != nil {
			ing.OnTick(t)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		slog.Error("ws ingest stopped", "error", err)
		return fmt.Errorf("ws ingest: %w", err)
	}
	return nil
}

// toQuote converts a stream tick into a quote. Angel One sends the exchange
// timestamp in epoch milliseconds; zero falls back to receipt time.
func toQuote(t smartconnect.Tick, now func() time.Time) model.LiveQuote {
	ts := t.ExchangeTime
	if t.ExchangeTime.UnixMilli() <= 0 {
		ts = now()
	}
	return model.LiveQuote{Token: t.Token, LTP: t.LTP(), TS: ts.UTC()}
}
