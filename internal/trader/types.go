package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"rsitrader/internal/markethours"
	"rsitrader/internal/model"
)

// Terminal failure classes. Result.Err wraps one of these.
var (
	ErrMarketClosed       = errors.New("market closed")
	ErrInitialQuote       = errors.New("initial quote unavailable")
	ErrHistoryUnavailable = errors.New("historical data unavailable")
	ErrCancelled          = errors.New("run cancelled")
)

// Operator-facing result messages.
const (
	MsgMarketClosed  = "Market closed. Exiting."
	MsgInitialQuote  = "Failed to fetch initial live data."
	MsgHistory       = "Failed to fetch historical data after multiple retries."
	MsgSuccess       = "Trading completed successfully."
	MsgCancelled     = "Run cancelled."
	MsgCancelledLong = "Run cancelled with an open LONG position."
)

// Position is the run's holding state.
type Position int

const (
	Flat Position = iota
	Long
)

func (p Position) String() string {
	if p == Long {
		return "LONG"
	}
	return "FLAT"
}

func (p Position) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Position) UnmarshalText(b []byte) error {
	switch string(b) {
	case "FLAT":
		*p = Flat
	case "LONG":
		*p = Long
	default:
		return fmt.Errorf("unknown position %q", b)
	}
	return nil
}

// Status is the terminal outcome of a run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Session is the immutable parameter set of one trading run.
type Session struct {
	Instrument model.Instrument
	Quantity   int64

	RSIPeriod     int
	BuyThreshold  float64 // BUY when RSI <= this while FLAT
	SellThreshold float64 // SELL when RSI >= this while LONG
	StopLossPct   float64
	TriggerPct    float64

	PollInterval      time.Duration
	HistoryAttempts   int
	HistoryRetryDelay time.Duration
	HistoryLookback   time.Duration
	CandleInterval    string

	Holidays markethours.HolidaySet
}

// DefaultSession returns a session for inst with the standard strategy
// parameters: RSI(14) 30/70, 5% stop-loss, 10% trigger, 60s polling and
// three 60s-spaced attempts at 30 days of 5-minute history.
func DefaultSession(inst model.Instrument, qty int64) Session {
	return Session{
		Instrument:        inst,
		Quantity:          qty,
		RSIPeriod:         14,
		BuyThreshold:      30,
		SellThreshold:     70,
		StopLossPct:       5,
		TriggerPct:        10,
		PollInterval:      60 * time.Second,
		HistoryAttempts:   3,
		HistoryRetryDelay: 60 * time.Second,
		HistoryLookback:   30 * 24 * time.Hour,
		CandleInterval:    "FIVE_MINUTE",
		Holidays:          markethours.DefaultHolidays(),
	}
}

// Levels are the stop-loss and trigger prices derived from the entry price,
// truncated to whole price units. They are reported, not enforced.
type Levels struct {
	StopLoss decimal.Decimal `json:"stop_loss"`
	Trigger  decimal.Decimal `json:"trigger"`
}

var hundred = decimal.NewFromInt(100)

// StopLossLevels computes entry*(1-stopLossPct/100) and entry*(1+triggerPct/100).
func StopLossLevels(entry, stopLossPct, triggerPct float64) Levels {
	e := decimal.NewFromFloat(entry)
	sl := decimal.NewFromFloat(stopLossPct).Div(hundred)
	tr := decimal.NewFromFloat(triggerPct).Div(hundred)
	return Levels{
		StopLoss: e.Mul(decimal.NewFromInt(1).Sub(sl)).Truncate(0),
		Trigger:  e.Mul(decimal.NewFromInt(1).Add(tr)).Truncate(0),
	}
}

// Result is the single terminal outcome of a run.
type Result struct {
	RunID       string           `json:"run_id"`
	Status      Status           `json:"status"`
	Message     string           `json:"message"`
	Err         error            `json:"-"`
	Reason      string           `json:"reason,omitempty"`
	Instrument  model.Instrument `json:"instrument"`
	EntryPrice  float64          `json:"entry_price,omitempty"`
	Levels      *Levels          `json:"levels,omitempty"`
	BuyOrderID  string           `json:"buy_order_id,omitempty"`
	SellOrderID string           `json:"sell_order_id,omitempty"`
	Position    Position         `json:"position"`
	Cycles      int              `json:"cycles"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
}

// Succeeded reports whether the run completed its round trip.
func (r Result) Succeeded() bool { return r.Status == StatusSuccess }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Waiter blocks between poll cycles. Wait returns ctx.Err() if ctx ends first.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TimerWaiter waits on a real timer.
type TimerWaiter struct{}

func (TimerWaiter) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
