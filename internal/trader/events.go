package trader

import (
	"context"
	"time"

	"rsitrader/internal/model"
)

// EventKind classifies loop events.
type EventKind string

const (
	EventBootstrapped  EventKind = "bootstrapped"
	EventHistoryFailed EventKind = "history_failed"
	EventQuoteFailed   EventKind = "quote_failed"
	EventTick          EventKind = "tick"
	EventOrder         EventKind = "order"
	EventTerminated    EventKind = "terminated"
)

// Event is one observable step of a run. Sinks must not block the loop.
type Event struct {
	RunID    string     `json:"run_id"`
	Kind     EventKind  `json:"kind"`
	Time     time.Time  `json:"time"`
	Cycle    int        `json:"cycle"`
	Token    string     `json:"token"`
	Price    float64    `json:"price,omitempty"`
	RSI      float64    `json:"rsi,omitempty"`
	RSIReady bool       `json:"rsi_ready"`
	Position Position   `json:"position"`
	Side     model.Side `json:"side,omitempty"`
	Qty      int64      `json:"qty,omitempty"`
	OrderID  string     `json:"order_id,omitempty"`
	Status   Status     `json:"status,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// EventSink receives loop events.
type EventSink interface {
	Record(ctx context.Context, ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Record(ctx context.Context, ev Event) { f(ctx, ev) }
