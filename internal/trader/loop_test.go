package trader

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsitrader/internal/logger"
	"rsitrader/internal/markethours"
	"rsitrader/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingWaiter advances the fake clock instead of sleeping. cancelAfter,
// if > 0, cancels the run on that wait.
type recordingWaiter struct {
	clock       *fakeClock
	waits       []time.Duration
	cancelAfter int
	cancel      context.CancelFunc
}

func (w *recordingWaiter) Wait(ctx context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	if w.cancelAfter > 0 && len(w.waits) == w.cancelAfter {
		w.cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.clock.advance(d)
	return nil
}

type quoteResult struct {
	ltp float64
	err error
}

type fakeMarket struct {
	quotes      []quoteResult // consumed in order; the last one repeats
	quoteCalls  int
	history     [][]model.Candle
	historyErrs []error
	histCalls   int
}

func (m *fakeMarket) LiveQuote(_ context.Context, inst model.Instrument) (model.LiveQuote, error) {
	i := m.quoteCalls
	if i >= len(m.quotes) {
		i = len(m.quotes) - 1
	}
	m.quoteCalls++
	q := m.quotes[i]
	if q.err != nil {
		return model.LiveQuote{}, q.err
	}
	return model.LiveQuote{Token: inst.Token, LTP: q.ltp}, nil
}

func (m *fakeMarket) HistoricalCandles(_ context.Context, _ model.Instrument, _ string, _, _ time.Time) ([]model.Candle, error) {
	i := m.histCalls
	m.histCalls++
	if i < len(m.historyErrs) && m.historyErrs[i] != nil {
		return nil, m.historyErrs[i]
	}
	if i < len(m.history) {
		return m.history[i], nil
	}
	return m.history[len(m.history)-1], nil
}

type submission struct {
	side  model.Side
	qty   int64
	cycle int
}

type fakeOrders struct {
	loop     *Loop
	subs     []submission
	outcomes []model.OrderOutcome // consumed in order; default is a fill
}

func (o *fakeOrders) Submit(ctx context.Context, _ model.Instrument, qty int64, side model.Side) model.OrderOutcome {
	cycle := 0
	if o.loop != nil {
		cycle = o.loop.cycle
	}
	o.subs = append(o.subs, submission{side: side, qty: qty, cycle: cycle})
	if i := len(o.subs) - 1; i < len(o.outcomes) {
		return o.outcomes[i]
	}
	return model.OrderOutcome{OrderID: string(side) + "-" + time.Now().Format("150405.000000")}
}

type eventLog struct {
	events []Event
}

func (e *eventLog) Record(_ context.Context, ev Event) { e.events = append(e.events, ev) }

func (e *eventLog) kinds(k EventKind) []Event {
	var out []Event
	for _, ev := range e.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

var openTime = time.Date(2026, 10, 16, 10, 0, 0, 0, markethours.IST)

var testInst = model.Instrument{Token: "43210", Symbol: "BANKNIFTY30OCT2650500CE", Exchange: "NFO", LotSize: 15}

func testSession() Session {
	s := DefaultSession(testInst, 15)
	s.Holidays = markethours.HolidaySet{}
	return s
}

// descending returns n candles closing at start, start-1, ...
func descending(start float64, n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = model.Candle{TS: openTime.Add(time.Duration(i-n) * 5 * time.Minute), Close: start - float64(i)}
	}
	return out
}

type harness struct {
	clock  *fakeClock
	waiter *recordingWaiter
	market *fakeMarket
	orders *fakeOrders
	events *eventLog
	loop   *Loop
}

func newHarness(sess Session, market *fakeMarket) *harness {
	clock := &fakeClock{now: openTime}
	h := &harness{
		clock:  clock,
		waiter: &recordingWaiter{clock: clock},
		market: market,
		orders: &fakeOrders{},
		events: &eventLog{},
	}
	h.loop = NewLoop(sess, market, h.orders, WithClock(clock), WithWaiter(h.waiter), WithSink(h.events))
	h.orders.loop = h.loop
	return h
}

func TestLoop_FullRoundTrip(t *testing.T) {
	quotes := []quoteResult{{ltp: 180}} // entry quote
	for p := 180.0; p <= 190; p++ {
		quotes = append(quotes, quoteResult{ltp: p})
	}
	h := newHarness(testSession(), &fakeMarket{
		quotes:  quotes,
		history: [][]model.Candle{descending(200, 20)},
	})

	ctx := logger.WithRunID(context.Background(), "run-rt")
	res := h.loop.Run(ctx)

	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, MsgSuccess, res.Message)
	assert.Equal(t, "run-rt", res.RunID)
	assert.Equal(t, Flat, res.Position)
	assert.NotEmpty(t, res.BuyOrderID)
	assert.NotEmpty(t, res.SellOrderID)

	// BUY at 180 (RSI 0), SELL once ten up-moves push RSI to 71.4
	require.Len(t, h.orders.subs, 2)
	assert.Equal(t, model.Buy, h.orders.subs[0].side)
	assert.Equal(t, 1, h.orders.subs[0].cycle)
	assert.Equal(t, model.Sell, h.orders.subs[1].side)
	assert.Equal(t, 11, h.orders.subs[1].cycle)
	assert.Equal(t, int64(15), h.orders.subs[0].qty)

	assert.Equal(t, 11, res.Cycles)
	assert.Equal(t, 12, h.market.quoteCalls)
	assert.Equal(t, 1, h.market.histCalls)
	assert.Len(t, h.waiter.waits, 10)
	for _, w := range h.waiter.waits {
		assert.Equal(t, 60*time.Second, w)
	}

	require.NotNil(t, res.Levels)
	assert.True(t, res.Levels.StopLoss.Equal(decimal.NewFromInt(171)), res.Levels.StopLoss.String())
	assert.True(t, res.Levels.Trigger.Equal(decimal.NewFromInt(198)), res.Levels.Trigger.String())

	orders := h.events.kinds(EventOrder)
	require.Len(t, orders, 2)
	assert.Equal(t, Flat, orders[0].Position)
	assert.Equal(t, Long, orders[1].Position)
	term := h.events.kinds(EventTerminated)
	require.Len(t, term, 1)
	assert.Equal(t, StatusSuccess, term[0].Status)
	assert.Equal(t, "run-rt", term[0].RunID)
}

func TestLoop_MarketClosedMakesNoCalls(t *testing.T) {
	for name, sess := range map[string]func() Session{
		"after close": func() Session { return testSession() },
		"holiday": func() Session {
			s := testSession()
			s.Holidays = markethours.NewHolidaySet(openTime)
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(sess(), &fakeMarket{quotes: []quoteResult{{ltp: 100}}, history: [][]model.Candle{descending(200, 20)}})
			if name == "after close" {
				h.clock.now = time.Date(2026, 10, 16, 15, 30, 1, 0, markethours.IST)
			}

			res := h.loop.Run(context.Background())
			assert.Equal(t, StatusFailed, res.Status)
			assert.ErrorIs(t, res.Err, ErrMarketClosed)
			assert.Equal(t, MsgMarketClosed, res.Message)
			assert.Zero(t, h.market.quoteCalls)
			assert.Zero(t, h.market.histCalls)
			assert.Empty(t, h.orders.subs)
		})
	}
}

func TestLoop_InitialQuoteFailure(t *testing.T) {
	h := newHarness(testSession(), &fakeMarket{
		quotes:  []quoteResult{{err: errors.New("timeout")}},
		history: [][]model.Candle{descending(200, 20)},
	})

	res := h.loop.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrInitialQuote)
	assert.Equal(t, MsgInitialQuote, res.Message)
	assert.Zero(t, h.market.histCalls)
	assert.Nil(t, res.Levels)
}

func TestLoop_BootstrapExhaustion(t *testing.T) {
	boom := errors.New("AB2001 internal error")
	h := newHarness(testSession(), &fakeMarket{
		quotes:      []quoteResult{{ltp: 100}},
		history:     [][]model.Candle{nil},
		historyErrs: []error{boom, boom, boom},
	})

	res := h.loop.Run(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrHistoryUnavailable)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, MsgHistory, res.Message)
	assert.Equal(t, 3, h.market.histCalls)
	// delay only between attempts
	assert.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second}, h.waiter.waits)
	assert.Empty(t, h.orders.subs)
	assert.Len(t, h.events.kinds(EventHistoryFailed), 3)
}

func TestLoop_EmptyHistoryCountsAsFailure(t *testing.T) {
	h := newHarness(testSession(), &fakeMarket{
		quotes:  []quoteResult{{ltp: 100}},
		history: [][]model.Candle{{}, {}, {}},
	})

	res := h.loop.Run(context.Background())
	assert.ErrorIs(t, res.Err, ErrHistoryUnavailable)
	assert.Equal(t, 3, h.market.histCalls)
}

func TestLoop_HistoryRecoversOnRetry(t *testing.T) {
	quotes := []quoteResult{{ltp: 180}}
	for p := 180.0; p <= 190; p++ {
		quotes = append(quotes, quoteResult{ltp: p})
	}
	h := newHarness(testSession(), &fakeMarket{
		quotes:      quotes,
		history:     [][]model.Candle{nil, descending(200, 20)},
		historyErrs: []error{errors.New("rate limited")},
	})

	res := h.loop.Run(context.Background())
	assert.Equal(t, StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, 2, h.market.histCalls)
}

func TestLoop_StaleQuotesNeverTrade(t *testing.T) {
	quotes := []quoteResult{{ltp: 180}}
	for i := 0; i < 25; i++ {
		quotes = append(quotes, quoteResult{err: errors.New("connection reset")})
	}
	for p := 180.0; p <= 190; p++ {
		quotes = append(quotes, quoteResult{ltp: p})
	}
	h := newHarness(testSession(), &fakeMarket{quotes: quotes, history: [][]model.Candle{descending(200, 20)}})

	res := h.loop.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	require.Len(t, h.orders.subs, 2)
	// first order only after the outage ends
	assert.Equal(t, 26, h.orders.subs[0].cycle)
	assert.Len(t, h.events.kinds(EventQuoteFailed), 25)
}

func TestLoop_IndeterminateRSIWaits(t *testing.T) {
	// 5 seeded prices; RSI needs 15, so ten ticks pass with no decision
	quotes := []quoteResult{{ltp: 100}}
	for i := 0; i < 10; i++ {
		quotes = append(quotes, quoteResult{ltp: 100 - float64(i)})
	}
	quotes = append(quotes, quoteResult{ltp: 80})
	for p := 81.0; p <= 95; p++ {
		quotes = append(quotes, quoteResult{ltp: p})
	}
	h := newHarness(testSession(), &fakeMarket{quotes: quotes, history: [][]model.Candle{descending(105, 5)}})

	res := h.loop.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status, res.Reason)

	ticks := h.events.kinds(EventTick)
	for _, ev := range ticks[:9] {
		assert.False(t, ev.RSIReady)
	}
	assert.True(t, ticks[9].RSIReady)
	require.NotEmpty(t, h.orders.subs)
	assert.Equal(t, 10, h.orders.subs[0].cycle)
}

func TestLoop_FailedBuyStaysFlatAndRetriesNextCycle(t *testing.T) {
	quotes := []quoteResult{{ltp: 180}, {ltp: 180}, {ltp: 179}}
	for p := 180.0; p <= 195; p++ {
		quotes = append(quotes, quoteResult{ltp: p})
	}
	h := newHarness(testSession(), &fakeMarket{quotes: quotes, history: [][]model.Candle{descending(200, 20)}})
	h.orders.outcomes = []model.OrderOutcome{{Err: errors.New("margin shortfall")}}

	res := h.loop.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status, res.Reason)

	require.GreaterOrEqual(t, len(h.orders.subs), 3)
	assert.Equal(t, model.Buy, h.orders.subs[0].side)
	assert.Equal(t, 1, h.orders.subs[0].cycle)
	assert.Equal(t, model.Buy, h.orders.subs[1].side)
	assert.Equal(t, 2, h.orders.subs[1].cycle)

	// never more than one submission per cycle
	seen := map[int]bool{}
	for _, s := range h.orders.subs {
		assert.False(t, seen[s.cycle], "two submissions in cycle %d", s.cycle)
		seen[s.cycle] = true
	}

	failed := h.events.kinds(EventOrder)[0]
	assert.Equal(t, "margin shortfall", failed.Error)
	assert.Equal(t, Flat, failed.Position)
}

func TestLoop_FailedSellStaysLong(t *testing.T) {
	quotes := []quoteResult{{ltp: 180}}
	for p := 180.0; p <= 195; p++ {
		quotes = append(quotes, quoteResult{ltp: p})
	}
	h := newHarness(testSession(), &fakeMarket{quotes: quotes, history: [][]model.Candle{descending(200, 20)}})
	h.orders.outcomes = []model.OrderOutcome{{OrderID: "B1"}, {Err: errors.New("exchange down")}, {OrderID: ""}}

	res := h.loop.Run(context.Background())
	require.Equal(t, StatusSuccess, res.Status, res.Reason)
	require.Len(t, h.orders.subs, 4)
	assert.Equal(t, []model.Side{model.Buy, model.Sell, model.Sell, model.Sell},
		[]model.Side{h.orders.subs[0].side, h.orders.subs[1].side, h.orders.subs[2].side, h.orders.subs[3].side})
	assert.Equal(t, "B1", res.BuyOrderID)
}

func TestLoop_CancelDuringPollingWhileLong(t *testing.T) {
	quotes := []quoteResult{{ltp: 180}, {ltp: 180}, {ltp: 181}, {ltp: 182}}
	h := newHarness(testSession(), &fakeMarket{quotes: quotes, history: [][]model.Candle{descending(200, 20)}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.waiter.cancel = cancel
	h.waiter.cancelAfter = 3

	res := h.loop.Run(ctx)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, MsgCancelledLong, res.Message)
	assert.Equal(t, Long, res.Position)
	assert.Equal(t, 3, res.Cycles)
	assert.Len(t, h.orders.subs, 1)
}

func TestLoop_CancelledBeforeStart(t *testing.T) {
	h := newHarness(testSession(), &fakeMarket{quotes: []quoteResult{{ltp: 1}}, history: [][]model.Candle{descending(200, 20)}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.loop.Run(ctx)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Equal(t, MsgCancelled, res.Message)
	assert.Zero(t, h.market.quoteCalls)
}

func TestStopLossLevels_Truncates(t *testing.T) {
	l := StopLossLevels(212.35, 5, 10)
	// 201.7325 -> 201, 233.585 -> 233
	assert.True(t, l.StopLoss.Equal(decimal.NewFromInt(201)), l.StopLoss.String())
	assert.True(t, l.Trigger.Equal(decimal.NewFromInt(233)), l.Trigger.String())
}

func TestPosition_String(t *testing.T) {
	assert.Equal(t, "FLAT", Flat.String())
	assert.Equal(t, "LONG", Long.String())
}

func TestPosition_JSON(t *testing.T) {
	b, err := json.Marshal(Event{Kind: EventOrder, Position: Long})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"position":"LONG"`)

	var ev Event
	require.NoError(t, json.Unmarshal(b, &ev))
	assert.Equal(t, Long, ev.Position)

	var p Position
	assert.Error(t, p.UnmarshalText([]byte("SHORT")))
}

func TestMultiSink_FansOutToEverySink(t *testing.T) {
	var a, b []EventKind
	sink := MultiSink{
		SinkFunc(func(_ context.Context, ev Event) { a = append(a, ev.Kind) }),
		NopSink{},
		SinkFunc(func(_ context.Context, ev Event) { b = append(b, ev.Kind) }),
	}
	sink.Record(context.Background(), Event{Kind: EventTick})
	sink.Record(context.Background(), Event{Kind: EventOrder})

	assert.Equal(t, []EventKind{EventTick, EventOrder}, a)
	assert.Equal(t, a, b)
}
