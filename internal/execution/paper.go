// Package execution holds the order side that is not the live broker: a
// paper gateway that simulates fills and a SQLite journal of order events.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rsitrader/internal/model"
)

// Fill is one simulated execution.
type Fill struct {
	OrderID  string     `json:"order_id"`
	Token    string     `json:"token"`
	Exchange string     `json:"exchange"`
	Symbol   string     `json:"symbol"`
	Side     model.Side `json:"side"`
	Qty      int64      `json:"qty"`
	Price    float64    `json:"price"`
	Slippage float64    `json:"slippage"`
	FilledAt time.Time  `json:"filled_at"`
}

// PaperGateway implements model.OrderGateway without touching the broker.
// Each order fills immediately at the current quote, moved against the
// trader by slippageBps basis points.
type PaperGateway struct {
	quotes      model.MarketDataGateway
	slippageBps int64
	now         func() time.Time

	mu    sync.Mutex
	seq   int64
	fills []Fill
}

// NewPaperGateway prices fills from quotes.
func NewPaperGateway(quotes model.MarketDataGateway, slippageBps int64, now func() time.Time) *PaperGateway {
	if now == nil {
		now = time.Now
	}
	return &PaperGateway{
		quotes:      quotes,
		slippageBps: slippageBps,
		now:         now,
		fills:       make([]Fill, 0, 16),
	}
}

// Submit fills the order at the live quote. Without a quote there is no fill.
func (p *PaperGateway) Submit(ctx context.Context, inst model.Instrument, qty int64, side model.Side) model.OrderOutcome {
	q, err := p.quotes.LiveQuote(ctx, inst)
	if err != nil {
		return model.OrderOutcome{Err: fmt.Errorf("paper: no quote to fill against: %w", err)}
	}

	ltp := decimal.NewFromFloat(q.LTP)
	slip := ltp.Mul(decimal.NewFromInt(p.slippageBps)).Div(decimal.NewFromInt(10000)).Round(2)
	price := ltp.Add(slip)
	if side == model.Sell {
		price = ltp.Sub(slip)
	}

	p.mu.Lock()
	p.seq++
	f := Fill{
		OrderID:  fmt.Sprintf("PAPER-%d", p.seq),
		Token:    inst.Token,
		Exchange: inst.Exchange,
		Symbol:   inst.Symbol,
		Side:     side,
		Qty:      qty,
		Price:    price.InexactFloat64(),
		Slippage: slip.InexactFloat64(),
		FilledAt: p.now(),
	}
	p.fills = append(p.fills, f)
	p.mu.Unlock()

	slog.Info("paper fill", "order_id", f.OrderID, "side", side, "symbol", inst.Symbol, "qty", qty, "price", f.Price, "slippage", f.Slippage)
	return model.OrderOutcome{OrderID: f.OrderID}
}

// Fills returns a copy of every simulated fill.
func (p *PaperGateway) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}
