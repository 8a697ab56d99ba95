// Package runner starts trading runs: it gates on market hours, resolves the
// instrument, opens a broker connection and drives a fresh trader.Loop to a
// terminal result. Runs in flight can be listed and cancelled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rsitrader/config"
	"rsitrader/internal/logger"
	"rsitrader/internal/markethours"
	"rsitrader/internal/model"
	"rsitrader/internal/notification"
	"rsitrader/internal/trader"
)

var (
	ErrInstrumentLookup = errors.New("instrument lookup failed")
	ErrAuthentication   = errors.New("broker authentication failed")
	ErrUnknownRun       = errors.New("unknown run")
)

const (
	MsgTokenInfo = "Failed to get token information."
	MsgAuth      = "Failed to authenticate with the broker."
)

// Request selects the instrument to trade: the lookup query plus the index
// of the matched row.
type Request struct {
	Query model.InstrumentQuery
	Index int
}

// Resolver turns a request into one instrument.
type Resolver interface {
	Resolve(ctx context.Context, q model.InstrumentQuery, index int) (model.Instrument, error)
}

// Connection is an authenticated broker session and the gateways on it.
type Connection struct {
	MarketData model.MarketDataGateway
	Orders     model.OrderGateway
	Close      func(ctx context.Context)
}

// Connector opens a broker connection for one run.
type Connector interface {
	Connect(ctx context.Context, inst model.Instrument) (*Connection, error)
}

// HolidaySource loads the holiday calendar. It is called once per run.
type HolidaySource func() (markethours.HolidaySet, error)

// HolidaysFromCSV reads path on every call; an empty path yields the
// built-in calendar.
func HolidaysFromCSV(path string) HolidaySource {
	return func() (markethours.HolidaySet, error) {
		if path == "" {
			return markethours.DefaultHolidays(), nil
		}
		return markethours.LoadHolidaysCSV(path)
	}
}

// Observer receives run-level measurements.
type Observer interface {
	ObserveRun(res trader.Result)
	SetMarketOpen(open bool)
	SetActiveRuns(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveRun(trader.Result) {}
func (nopObserver) SetMarketOpen(bool)       {}
func (nopObserver) SetActiveRuns(int)        {}

// Params are the strategy settings applied to every run.
type Params struct {
	Lots              int64
	RSIPeriod         int
	BuyThreshold      float64
	SellThreshold     float64
	StopLossPct       float64
	TriggerPct        float64
	PollInterval      time.Duration
	HistoryAttempts   int
	HistoryRetryDelay time.Duration
	HistoryLookback   time.Duration
	CandleInterval    string
}

// ParamsFromConfig copies the strategy settings out of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		Lots:              cfg.Lots,
		RSIPeriod:         cfg.RSIPeriod,
		BuyThreshold:      cfg.BuyThreshold,
		SellThreshold:     cfg.SellThreshold,
		StopLossPct:       cfg.StopLossPct,
		TriggerPct:        cfg.TriggerPct,
		PollInterval:      cfg.PollInterval,
		HistoryAttempts:   cfg.HistoryAttempts,
		HistoryRetryDelay: cfg.HistoryRetryDelay,
		HistoryLookback:   time.Duration(cfg.HistoryLookbackDays) * 24 * time.Hour,
		CandleInterval:    cfg.CandleInterval,
	}
}

// Session builds the run parameters for inst. The order quantity is the
// instrument lot size times Lots.
func (p Params) Session(inst model.Instrument, holidays markethours.HolidaySet) trader.Session {
	lot := inst.LotSize
	if lot < 1 {
		lot = 1
	}
	lots := p.Lots
	if lots < 1 {
		lots = 1
	}
	return trader.Session{
		Instrument:        inst,
		Quantity:          lot * lots,
		RSIPeriod:         p.RSIPeriod,
		BuyThreshold:      p.BuyThreshold,
		SellThreshold:     p.SellThreshold,
		StopLossPct:       p.StopLossPct,
		TriggerPct:        p.TriggerPct,
		PollInterval:      p.PollInterval,
		HistoryAttempts:   p.HistoryAttempts,
		HistoryRetryDelay: p.HistoryRetryDelay,
		HistoryLookback:   p.HistoryLookback,
		CandleInterval:    p.CandleInterval,
		Holidays:          holidays,
	}
}

// RunInfo describes a run in flight.
type RunInfo struct {
	RunID      string           `json:"run_id"`
	Instrument model.Instrument `json:"instrument"`
	StartedAt  time.Time        `json:"started_at"`
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

// Service starts runs. It is safe for concurrent use; each run owns its
// loop, indicator and position.
type Service struct {
	params    Params
	holidays  HolidaySource
	resolver  Resolver
	connector Connector

	sinks    []trader.EventSink
	notifier notification.Notifier
	observer Observer
	clock    trader.Clock
	waiter   trader.Waiter

	mu     sync.Mutex
	active map[string]*activeRun
}

// Option configures a Service.
type Option func(*Service)

// WithSinks adds event sinks shared by every run.
func WithSinks(sinks ...trader.EventSink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

func WithNotifier(n notification.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithObserver(o Observer) Option              { return func(s *Service) { s.observer = o } }
func WithClock(c trader.Clock) Option             { return func(s *Service) { s.clock = c } }
func WithWaiter(w trader.Waiter) Option           { return func(s *Service) { s.waiter = w } }

// New builds a Service.
func New(params Params, holidays HolidaySource, resolver Resolver, connector Connector, opts ...Option) *Service {
	s := &Service{
		params:    params,
		holidays:  holidays,
		resolver:  resolver,
		connector: connector,
		notifier:  notification.NewLogNotifier(nil),
		observer:  nopObserver{},
		clock:     trader.SystemClock{},
		waiter:    trader.TimerWaiter{},
		active:    make(map[string]*activeRun),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs one round trip and blocks until it terminates. The caller
// always receives exactly one terminal result.
func (s *Service) Start(ctx context.Context, req Request) trader.Result {
	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.register(runID, cancel)
	defer s.unregister(runID)

	logger.FromContext(ctx).Info("run started",
		"exchange", req.Query.ExchangeSegment, "symbol", req.Query.Symbol,
		"strike", req.Query.StrikePrice, "option_type", req.Query.OptionType, "index", req.Index)

	res := s.run(ctx, runID, req)
	s.observer.ObserveRun(res)
	s.notify(ctx, res)
	return res
}

func (s *Service) run(ctx context.Context, runID string, req Request) trader.Result {
	log := logger.FromContext(ctx)
	started := s.clock.Now()
	var inst model.Instrument
	fail := func(err error, msg string) trader.Result {
		log.Warn("run not started", "message", msg, "error", err)
		return trader.Result{
			RunID:      runID,
			Status:     trader.StatusFailed,
			Message:    msg,
			Err:        err,
			Reason:     err.Error(),
			Instrument: inst,
			Position:   trader.Flat,
			StartedAt:  started,
			EndedAt:    s.clock.Now(),
		}
	}

	holidays, err := s.holidays()
	if err != nil {
		log.Warn("holiday calendar unavailable, using built-in list", "error", err)
		holidays = markethours.DefaultHolidays()
	}

	// gate before any broker traffic
	open := markethours.IsOpen(s.clock.Now(), holidays)
	s.observer.SetMarketOpen(open)
	if !open {
		return fail(trader.ErrMarketClosed, trader.MsgMarketClosed)
	}

	inst, err = s.resolver.Resolve(ctx, req.Query, req.Index)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInstrumentLookup, err), MsgTokenInfo)
	}
	s.setInstrument(runID, inst)

	conn, err := s.connector.Connect(ctx, inst)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrAuthentication, err), MsgAuth)
	}
	if conn.Close != nil {
		defer conn.Close(context.WithoutCancel(ctx))
	}

	sinks := make(trader.MultiSink, len(s.sinks))
	copy(sinks, s.sinks)
	loop := trader.NewLoop(s.params.Session(inst, holidays), conn.MarketData, conn.Orders,
		trader.WithClock(s.clock),
		trader.WithWaiter(s.waiter),
		trader.WithSink(sinks),
	)
	return loop.Run(ctx)
}

func (s *Service) notify(ctx context.Context, res trader.Result) {
	alert := notification.Alert{
		Level:   notification.AlertInfo,
		Title:   fmt.Sprintf("Run %s", res.Status),
		Message: res.Message,
		RunID:   res.RunID,
	}
	if res.Instrument.Symbol != "" {
		alert.Message = fmt.Sprintf("%s (%s)", res.Message, res.Instrument.Symbol)
	}
	switch {
	case errors.Is(res.Err, trader.ErrCancelled) && res.Position == trader.Long:
		alert.Level = notification.AlertCritical
	case !res.Succeeded():
		alert.Level = notification.AlertWarning
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.notifier.Send(nctx, alert); err != nil {
		logger.FromContext(ctx).Warn("run notification failed", "error", err)
	}
}

// Active lists runs in flight, oldest first.
func (s *Service) Active() []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunInfo, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Cancel aborts a run at its next poll boundary.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	r, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.cancel()
	return nil
}

func (s *Service) register(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active[runID] = &activeRun{info: RunInfo{RunID: runID, StartedAt: s.clock.Now()}, cancel: cancel}
	n := len(s.active)
	s.mu.Unlock()
	s.observer.SetActiveRuns(n)
}

func (s *Service) unregister(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	n := len(s.active)
	s.mu.Unlock()
	s.observer.SetActiveRuns(n)
}

func (s *Service) setInstrument(runID string, inst model.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.active[runID]; ok {
		r.info.Instrument = inst
	}
}
