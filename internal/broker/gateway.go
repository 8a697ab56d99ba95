// Package broker adapts the SmartAPI client to the trading loop's market data
// and order ports. Every broker failure becomes an error value; nothing panics
// past this boundary.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"rsitrader/internal/logger"
	"rsitrader/internal/model"
	"rsitrader/pkg/smartconnect"
)

var (
	// ErrEmptyResponse means the broker answered without usable data.
	ErrEmptyResponse = errors.New("broker: empty response")
	// ErrRejected means the broker refused the request.
	ErrRejected = errors.New("broker: request rejected")
)

// API is the subset of the SmartAPI client the gateway uses.
type API interface {
	LTPData(ctx context.Context, exchange, tradingSymbol, symbolToken string) (smartconnect.LTP, error)
	CandleData(ctx context.Context, p smartconnect.CandleParams) ([]smartconnect.CandleRow, error)
	PlaceOrder(ctx context.Context, p smartconnect.OrderParams) (string, error)
}

// Gateway implements model.MarketDataGateway and model.OrderGateway over REST.
type Gateway struct {
	api API
	now func() time.Time
}

// New returns a gateway over api. now stamps REST quotes, which carry no
// exchange timestamp; nil means time.Now.
func New(api API, now func() time.Time) *Gateway {
	if now == nil {
		now = time.Now
	}
	return &Gateway{api: api, now: now}
}

var (
	_ model.MarketDataGateway = (*Gateway)(nil)
	_ model.OrderGateway      = (*Gateway)(nil)
)

// LiveQuote fetches the last traded price of inst.
func (g *Gateway) LiveQuote(ctx context.Context, inst model.Instrument) (model.LiveQuote, error) {
	ltp, err := g.api.LTPData(ctx, inst.Exchange, inst.Symbol, inst.Token)
	if err != nil {
		return model.LiveQuote{}, fmt.Errorf("live quote %s: %w", inst.Symbol, classify(err))
	}
	if ltp.LTP <= 0 {
		return model.LiveQuote{}, fmt.Errorf("live quote %s: %w: ltp=%v", inst.Symbol, ErrEmptyResponse, ltp.LTP)
	}
	return model.LiveQuote{Token: inst.Token, LTP: ltp.LTP, TS: g.now()}, nil
}

// HistoricalCandles fetches candles in [from, to], oldest first. An empty
// result is a failure.
func (g *Gateway) HistoricalCandles(ctx context.Context, inst model.Instrument, interval string, from, to time.Time) ([]model.Candle, error) {
	rows, err := g.api.CandleData(ctx, smartconnect.CandleParams{
		Exchange:    inst.Exchange,
		SymbolToken: inst.Token,
		Interval:    interval,
		From:        from,
		To:          to,
	})
	if err != nil {
		return nil, fmt.Errorf("historical candles %s: %w", inst.Symbol, classify(err))
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("historical candles %s: %w", inst.Symbol, ErrEmptyResponse)
	}

	candles := make([]model.Candle, len(rows))
	for i, r := range rows {
		candles[i] = model.Candle{TS: r.TS, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].TS.Before(candles[j].TS) })
	return candles, nil
}

// Submit places one intraday market order. It never retries.
func (g *Gateway) Submit(ctx context.Context, inst model.Instrument, qty int64, side model.Side) model.OrderOutcome {
	params := smartconnect.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   inst.Symbol,
		SymbolToken:     inst.Token,
		TransactionType: string(side),
		Exchange:        inst.Exchange,
		OrderType:       "MARKET",
		ProductType:     "INTRADAY",
		Duration:        "DAY",
		Price:           "0",
		SquareOff:       "0",
		StopLoss:        "0",
		Quantity:        strconv.FormatInt(qty, 10),
	}

	orderID, err := g.api.PlaceOrder(ctx, params)
	if err != nil {
		err = fmt.Errorf("place %s %s: %w", side, inst.Symbol, classify(err))
		logger.FromContext(ctx).Error("order failed", "side", side, "symbol", inst.Symbol, "error", err)
		return model.OrderOutcome{Err: err}
	}

	logger.FromContext(ctx).Info("order placed", "side", side, "symbol", inst.Symbol, "qty", qty, "order_id", orderID)
	return model.OrderOutcome{OrderID: orderID}
}

// classify tags client errors with the gateway's sentinels, keeping the cause.
func classify(err error) error {
	var apiErr *smartconnect.APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Errorf("%w: %w", ErrRejected, err)
	case errors.Is(err, smartconnect.ErrEmptyResponse):
		return fmt.Errorf("%w: %w", ErrEmptyResponse, err)
	default:
		return err
	}
}
