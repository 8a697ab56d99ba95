package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rsitrader/internal/trader"
)

// OrderSink turns order events into alerts. Delivery happens on a
// goroutine so a slow channel cannot stall the trading loop.
type OrderSink struct {
	n       Notifier
	timeout time.Duration
	wg      sync.WaitGroup

	// OnFailure, when set, is called for each undelivered alert.
	OnFailure func(error)
}

func NewOrderSink(n Notifier) *OrderSink {
	return &OrderSink{n: n, timeout: 10 * time.Second}
}

func (s *OrderSink) Record(ctx context.Context, ev trader.Event) {
	if ev.Kind != trader.EventOrder {
		return
	}
	alert := Alert{
		Level:   AlertInfo,
		Title:   fmt.Sprintf("%s order placed", ev.Side),
		Message: fmt.Sprintf("token %s at %.2f, RSI %.2f, order %s", ev.Token, ev.Price, ev.RSI, ev.OrderID),
		RunID:   ev.RunID,
	}
	if ev.Error != "" {
		alert.Level = AlertWarning
		alert.Title = fmt.Sprintf("%s order failed", ev.Side)
		alert.Message = fmt.Sprintf("token %s at %.2f, RSI %.2f: %s", ev.Token, ev.Price, ev.RSI, ev.Error)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.n.Send(sctx, alert); err != nil {
			slog.Warn("order alert not delivered", "run_id", ev.RunID, "error", err)
			if s.OnFailure != nil {
				s.OnFailure(err)
			}
		}
	}()
}

// Wait blocks until in-flight alerts finish.
func (s *OrderSink) Wait() { s.wg.Wait() }
