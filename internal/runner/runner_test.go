package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsitrader/internal/markethours"
	"rsitrader/internal/model"
	"rsitrader/internal/notification"
	"rsitrader/internal/trader"
)

var (
	openTime   = time.Date(2026, 3, 2, 10, 0, 0, 0, markethours.IST)
	closedTime = time.Date(2026, 3, 2, 16, 0, 0, 0, markethours.IST)
	testInst   = model.Instrument{Token: "35001", Symbol: "BANKNIFTY26MAR2650500CE", Name: "BANKNIFTY", LotSize: 15, Exchange: "NFO", InstrumentType: "OPTIDX"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testWaiter struct {
	clock  *testClock
	waits  int
	onWait func(n int)
}

func (w *testWaiter) Wait(ctx context.Context, d time.Duration) error {
	w.waits++
	if w.onWait != nil {
		w.onWait(w.waits)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.clock.advance(d)
	return nil
}

type stubResolver struct {
	inst  model.Instrument
	err   error
	calls int
}

func (r *stubResolver) Resolve(_ context.Context, _ model.InstrumentQuery, _ int) (model.Instrument, error) {
	r.calls++
	return r.inst, r.err
}

type scriptedMarket struct {
	mu     sync.Mutex
	quotes []float64
	next   int
}

func (m *scriptedMarket) LiveQuote(_ context.Context, inst model.Instrument) (model.LiveQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.next
	if i >= len(m.quotes) {
		i = len(m.quotes) - 1
	}
	m.next++
	return model.LiveQuote{Token: inst.Token, LTP: m.quotes[i]}, nil
}

func (m *scriptedMarket) HistoricalCandles(_ context.Context, _ model.Instrument, _ string, _, _ time.Time) ([]model.Candle, error) {
	out := make([]model.Candle, 0, 20)
	for p := 200.0; p > 180; p-- {
		out = append(out, model.Candle{Close: p})
	}
	return out, nil
}

type recordingOrders struct {
	mu   sync.Mutex
	qtys []int64
	side []model.Side
}

func (o *recordingOrders) Submit(_ context.Context, _ model.Instrument, qty int64, side model.Side) model.OrderOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.qtys = append(o.qtys, qty)
	o.side = append(o.side, side)
	return model.OrderOutcome{OrderID: string(side) + "-1"}
}

type stubConnector struct {
	market *scriptedMarket
	orders *recordingOrders
	err    error
	calls  int
	closed int
}

func (c *stubConnector) Connect(_ context.Context, _ model.Instrument) (*Connection, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &Connection{
		MarketData: c.market,
		Orders:     c.orders,
		Close:      func(context.Context) { c.closed++ },
	}, nil
}

type captureNotifier struct {
	alerts []notification.Alert
}

func (n *captureNotifier) Send(_ context.Context, a notification.Alert) error {
	n.alerts = append(n.alerts, a)
	return nil
}

type countingObserver struct {
	runs       []trader.Result
	marketOpen []bool
	active     []int
}

func (o *countingObserver) ObserveRun(r trader.Result) { o.runs = append(o.runs, r) }
func (o *countingObserver) SetMarketOpen(v bool)       { o.marketOpen = append(o.marketOpen, v) }
func (o *countingObserver) SetActiveRuns(n int)        { o.active = append(o.active, n) }

type fixture struct {
	clock     *testClock
	waiter    *testWaiter
	resolver  *stubResolver
	connector *stubConnector
	notifier  *captureNotifier
	observer  *countingObserver
	svc       *Service
}

func testParams() Params {
	return Params{
		Lots:              2,
		RSIPeriod:         14,
		BuyThreshold:      30,
		SellThreshold:     70,
		StopLossPct:       5,
		TriggerPct:        10,
		PollInterval:      time.Minute,
		HistoryAttempts:   3,
		HistoryRetryDelay: time.Minute,
		HistoryLookback:   30 * 24 * time.Hour,
		CandleInterval:    "FIVE_MINUTE",
	}
}

func newFixture(now time.Time, holidays HolidaySource) *fixture {
	clock := &testClock{now: now}
	f := &fixture{
		clock:     clock,
		waiter:    &testWaiter{clock: clock},
		resolver:  &stubResolver{inst: testInst},
		connector: &stubConnector{market: &scriptedMarket{quotes: []float64{180, 181, 182, 183, 184, 185, 186, 187, 188, 189, 190}}, orders: &recordingOrders{}},
		notifier:  &captureNotifier{},
		observer:  &countingObserver{},
	}
	if holidays == nil {
		holidays = func() (markethours.HolidaySet, error) { return markethours.NewHolidaySet(), nil }
	}
	f.svc = New(testParams(), holidays, f.resolver, f.connector,
		WithClock(clock),
		WithWaiter(f.waiter),
		WithNotifier(f.notifier),
		WithObserver(f.observer),
	)
	return f
}

func TestStart_CompletesRoundTrip(t *testing.T) {
	f := newFixture(openTime, nil)

	res := f.svc.Start(context.Background(), Request{Query: model.InstrumentQuery{Symbol: "BANKNIFTY"}, Index: 0})

	require.True(t, res.Succeeded(), res.Reason)
	assert.Equal(t, trader.MsgSuccess, res.Message)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "BUY-1", res.BuyOrderID)
	assert.Equal(t, "SELL-1", res.SellOrderID)
	assert.Equal(t, []int64{30, 30}, f.connector.orders.qtys)
	assert.Equal(t, 1, f.connector.closed)

	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, notification.AlertInfo, f.notifier.alerts[0].Level)
	assert.Equal(t, res.RunID, f.notifier.alerts[0].RunID)

	require.Len(t, f.observer.runs, 1)
	assert.Equal(t, []bool{true}, f.observer.marketOpen)
	assert.Equal(t, []int{1, 0}, f.observer.active)
	assert.Empty(t, f.svc.Active())
}

func TestStart_MarketClosedSkipsLookupAndLogin(t *testing.T) {
	f := newFixture(closedTime, nil)

	res := f.svc.Start(context.Background(), Request{})

	assert.Equal(t, trader.StatusFailed, res.Status)
	assert.Equal(t, trader.MsgMarketClosed, res.Message)
	assert.ErrorIs(t, res.Err, trader.ErrMarketClosed)
	assert.Zero(t, f.resolver.calls)
	assert.Zero(t, f.connector.calls)
	assert.Equal(t, notification.AlertWarning, f.notifier.alerts[0].Level)
}

func TestStart_HolidayFromCalendar(t *testing.T) {
	f := newFixture(openTime, func() (markethours.HolidaySet, error) {
		return markethours.NewHolidaySet(openTime), nil
	})

	res := f.svc.Start(context.Background(), Request{})
	assert.ErrorIs(t, res.Err, trader.ErrMarketClosed)
}

func TestStart_CalendarErrorFallsBackToBuiltIn(t *testing.T) {
	f := newFixture(openTime, func() (markethours.HolidaySet, error) {
		return nil, errors.New("no such file")
	})

	res := f.svc.Start(context.Background(), Request{})
	assert.True(t, res.Succeeded(), res.Reason)
}

func TestStart_LookupFailure(t *testing.T) {
	f := newFixture(openTime, nil)
	f.resolver.err = errors.New("no rows")

	res := f.svc.Start(context.Background(), Request{})

	assert.Equal(t, MsgTokenInfo, res.Message)
	assert.ErrorIs(t, res.Err, ErrInstrumentLookup)
	assert.Zero(t, f.connector.calls)
}

func TestStart_AuthenticationFailure(t *testing.T) {
	f := newFixture(openTime, nil)
	f.connector.err = errors.New("invalid totp")

	res := f.svc.Start(context.Background(), Request{})

	assert.Equal(t, MsgAuth, res.Message)
	assert.ErrorIs(t, res.Err, ErrAuthentication)
	assert.Equal(t, testInst.Token, res.Instrument.Token)
	assert.Zero(t, f.connector.closed)
}

func TestCancel_AbortsRunningLoop(t *testing.T) {
	f := newFixture(openTime, nil)
	// never reach the sell threshold
	f.connector.market.quotes = []float64{180, 179}

	var cancelErr error
	f.waiter.onWait = func(n int) {
		if n != 3 {
			return
		}
		active := f.svc.Active()
		require.Len(t, active, 1)
		assert.Equal(t, testInst.Token, active[0].Instrument.Token)
		cancelErr = f.svc.Cancel(active[0].RunID)
	}

	res := f.svc.Start(context.Background(), Request{})

	require.NoError(t, cancelErr)
	assert.ErrorIs(t, res.Err, trader.ErrCancelled)
	assert.Equal(t, trader.Long, res.Position)
	assert.Equal(t, trader.MsgCancelledLong, res.Message)
	assert.Equal(t, notification.AlertCritical, f.notifier.alerts[0].Level)
	assert.Equal(t, 1, f.connector.closed)
}

func TestCancel_UnknownRun(t *testing.T) {
	f := newFixture(openTime, nil)
	assert.ErrorIs(t, f.svc.Cancel("missing"), ErrUnknownRun)
}

func TestParams_SessionQuantity(t *testing.T) {
	p := testParams()
	sess := p.Session(testInst, markethours.NewHolidaySet())
	assert.EqualValues(t, 30, sess.Quantity)

	p.Lots = 0
	sess = p.Session(model.Instrument{}, nil)
	assert.EqualValues(t, 1, sess.Quantity)
}

func TestHolidaysFromCSV_EmptyPathUsesBuiltIn(t *testing.T) {
	set, err := HolidaysFromCSV("")()
	require.NoError(t, err)
	assert.Equal(t, markethours.DefaultHolidays().Len(), set.Len())
}
