// Package trader runs one RSI round trip on a single instrument: gate on
// market hours, bootstrap the indicator from history, then poll live quotes,
// buying when RSI falls to the buy threshold and selling when it reaches the
// sell threshold.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rsitrader/internal/indicator"
	"rsitrader/internal/logger"
	"rsitrader/internal/markethours"
	"rsitrader/internal/model"
)

// Loop is the per-run state machine. A Loop owns its RSI series and position
// and must not be shared between runs or reused after Run returns.
type Loop struct {
	sess   Session
	md     model.MarketDataGateway
	orders model.OrderGateway

	clock  Clock
	waiter Waiter
	sink   EventSink

	rsi      *indicator.RSI
	position Position
	cycle    int
	runID    string
	log      *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(l *Loop) { l.clock = c } }

// WithWaiter overrides the poll-interval waiter.
func WithWaiter(w Waiter) Option { return func(l *Loop) { l.waiter = w } }

// WithSink sets the event sink.
func WithSink(s EventSink) Option { return func(l *Loop) { l.sink = s } }

// NewLoop builds a loop for sess over the given gateways.
func NewLoop(sess Session, md model.MarketDataGateway, orders model.OrderGateway, opts ...Option) *Loop {
	l := &Loop{
		sess:     sess,
		md:       md,
		orders:   orders,
		clock:    SystemClock{},
		waiter:   TimerWaiter{},
		sink:     NopSink{},
		rsi:      indicator.NewRSI(sess.RSIPeriod),
		position: Flat,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Position returns the current holding state.
func (l *Loop) Position() Position { return l.position }

// Run executes the run to a terminal result. Cancellation of ctx is honored
// between steps and during waits; an order already handed to the broker is
// allowed to complete.
func (l *Loop) Run(ctx context.Context) Result {
	l.runID = logger.RunID(ctx)
	l.log = logger.FromContext(ctx).With("token", l.sess.Instrument.Token, "symbol", l.sess.Instrument.Symbol)

	res := Result{
		RunID:      l.runID,
		Instrument: l.sess.Instrument,
		StartedAt:  l.clock.Now(),
	}
	finish := func(r Result) Result {
		r.Position = l.position
		r.Cycles = l.cycle
		r.EndedAt = l.clock.Now()
		if r.Err != nil {
			r.Reason = r.Err.Error()
		}
		l.emit(ctx, Event{Kind: EventTerminated, Status: r.Status, Error: r.Reason})
		l.log.Info("run terminated", "status", r.Status, "message", r.Message, "cycles", r.Cycles, "position", r.Position)
		return r
	}

	if err := l.bootstrap(ctx, &res); err != nil {
		res.Status = StatusFailed
		res.Err = err
		res.Message = l.failureMessage(err)
		return finish(res)
	}

	if err := l.poll(ctx, &res); err != nil {
		res.Status = StatusFailed
		res.Err = err
		res.Message = l.failureMessage(err)
		return finish(res)
	}

	res.Status = StatusSuccess
	res.Message = MsgSuccess
	return finish(res)
}

func (l *Loop) failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrMarketClosed):
		return MsgMarketClosed
	case errors.Is(err, ErrInitialQuote):
		return MsgInitialQuote
	case errors.Is(err, ErrHistoryUnavailable):
		return MsgHistory
	case errors.Is(err, ErrCancelled) && l.position == Long:
		return MsgCancelledLong
	case errors.Is(err, ErrCancelled):
		return MsgCancelled
	default:
		return err.Error()
	}
}

// bootstrap gates on market hours, takes the entry quote, derives the
// stop-loss levels and seeds the RSI series from history.
func (l *Loop) bootstrap(ctx context.Context, res *Result) error {
	if err := l.checkCancelled(ctx); err != nil {
		return err
	}

	now := l.clock.Now()
	if !markethours.IsOpen(now, l.sess.Holidays) {
		l.log.Info("market closed", "status", markethours.StatusString(now, l.sess.Holidays))
		return ErrMarketClosed
	}

	q, err := l.md.LiveQuote(ctx, l.sess.Instrument)
	if err != nil {
		if cerr := l.checkCancelled(ctx); cerr != nil {
			return cerr
		}
		l.log.Error("initial quote failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInitialQuote, err)
	}
	res.EntryPrice = q.LTP
	levels := StopLossLevels(q.LTP, l.sess.StopLossPct, l.sess.TriggerPct)
	res.Levels = &levels
	l.log.Info("entry quote", "ltp", q.LTP, "stop_loss", levels.StopLoss.String(), "trigger", levels.Trigger.String())

	candles, err := l.fetchHistory(ctx)
	if err != nil {
		return err
	}

	l.rsi.Seed(candles)
	v, ok := l.rsi.Current()
	l.log.Info("indicator seeded", "candles", len(candles), "rsi", v, "rsi_ready", ok)
	l.emit(ctx, Event{Kind: EventBootstrapped, Price: q.LTP, RSI: v, RSIReady: ok})
	return nil
}

// fetchHistory makes up to HistoryAttempts requests, waiting
// HistoryRetryDelay between attempts. An empty candle set counts as a failure.
func (l *Loop) fetchHistory(ctx context.Context) ([]model.Candle, error) {
	attempts := l.sess.HistoryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := l.checkCancelled(ctx); err != nil {
			return nil, err
		}

		to := l.clock.Now()
		from := to.Add(-l.sess.HistoryLookback)
		candles, err := l.md.HistoricalCandles(ctx, l.sess.Instrument, l.sess.CandleInterval, from, to)
		if err == nil && len(candles) > 0 {
			return candles, nil
		}
		if err == nil {
			err = errors.New("no candles returned")
		}
		lastErr = err
		l.log.Warn("historical fetch failed", "attempt", attempt, "of", attempts, "error", err)
		l.emit(ctx, Event{Kind: EventHistoryFailed, Error: err.Error()})

		if attempt < attempts {
			if err := l.wait(ctx, l.sess.HistoryRetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrHistoryUnavailable, attempts, lastErr)
}

// poll runs cycles until the SELL leg fills (nil) or the run is cancelled.
func (l *Loop) poll(ctx context.Context, res *Result) error {
	for {
		if err := l.checkCancelled(ctx); err != nil {
			return err
		}
		l.cycle++

		done, err := l.step(ctx, res)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := l.wait(ctx, l.sess.PollInterval); err != nil {
			return err
		}
	}
}

// step runs one poll cycle. It submits at most one order and reports
// done once the SELL leg fills.
func (l *Loop) step(ctx context.Context, res *Result) (done bool, err error) {
	q, err := l.md.LiveQuote(ctx, l.sess.Instrument)
	if err != nil {
		if cerr := l.checkCancelled(ctx); cerr != nil {
			return false, cerr
		}
		l.log.Warn("live quote failed", "cycle", l.cycle, "error", err)
		l.emit(ctx, Event{Kind: EventQuoteFailed, Error: err.Error()})
		return false, nil
	}

	v, ok := l.rsi.Observe(q.LTP)
	l.emit(ctx, Event{Kind: EventTick, Price: q.LTP, RSI: v, RSIReady: ok})
	if !ok {
		l.log.Debug("rsi indeterminate", "cycle", l.cycle, "samples", l.rsi.Len())
		return false, nil
	}
	l.log.Info("tick", "cycle", l.cycle, "ltp", q.LTP, "rsi", v, "position", l.position)

	switch {
	case l.position == Flat && v <= l.sess.BuyThreshold:
		if out := l.submit(ctx, model.Buy, q.LTP, v); out.Filled() {
			l.position = Long
			res.BuyOrderID = out.OrderID
		}
	case l.position == Long && v >= l.sess.SellThreshold:
		if out := l.submit(ctx, model.Sell, q.LTP, v); out.Filled() {
			l.position = Flat
			res.SellOrderID = out.OrderID
			return true, nil
		}
	}
	return false, nil
}

// submit places one order. The broker call is detached from ctx so that
// cancellation cannot leave an order half-submitted.
func (l *Loop) submit(ctx context.Context, side model.Side, price, rsi float64) model.OrderOutcome {
	out := l.orders.Submit(context.WithoutCancel(ctx), l.sess.Instrument, l.sess.Quantity, side)

	ev := Event{Kind: EventOrder, Side: side, Qty: l.sess.Quantity, Price: price, RSI: rsi, RSIReady: true, OrderID: out.OrderID}
	if !out.Filled() {
		ev.Error = out.Reason()
		l.log.Warn("order not filled", "side", side, "rsi", rsi, "reason", out.Reason())
	} else {
		l.log.Info("order filled", "side", side, "rsi", rsi, "order_id", out.OrderID)
	}
	// position in the event is the state before the transition
	l.emit(ctx, ev)
	return out
}

func (l *Loop) wait(ctx context.Context, d time.Duration) error {
	if err := l.waiter.Wait(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

func (l *Loop) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

func (l *Loop) emit(ctx context.Context, ev Event) {
	ev.RunID = l.runID
	ev.Time = l.clock.Now()
	ev.Cycle = l.cycle
	ev.Token = l.sess.Instrument.Token
	ev.Position = l.position
	l.sink.Record(ctx, ev)
}
