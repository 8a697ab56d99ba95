package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rsitrader/internal/trader"
)

// Metrics holds the Prometheus collectors for trading runs.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec // labels: status
	ActiveRuns      prometheus.Gauge
	QuotesTotal     *prometheus.CounterVec // labels: result=ok|failed
	HistoryFailures prometheus.Counter
	OrdersTotal     *prometheus.CounterVec // labels: side, result=filled|rejected
	RSI             *prometheus.GaugeVec   // labels: token
	Position        *prometheus.GaugeVec   // labels: token; 0=flat, 1=long
	RunDuration     prometheus.Histogram

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open

	// Decision publisher
	PublisherDrops       *prometheus.CounterVec // labels: reason
	RedisCircuitBreaker  prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	NotificationFailures prometheus.Counter
	StreamReconnects     prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsitrader_runs_total",
			Help: "Completed trading runs by terminal status",
		}, []string{"status"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsitrader_active_runs",
			Help: "Runs currently executing",
		}),
		QuotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsitrader_quotes_total",
			Help: "Live quote attempts by result",
		}, []string{"result"}),
		HistoryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsitrader_history_failures_total",
			Help: "Failed historical candle fetch attempts",
		}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsitrader_orders_total",
			Help: "Orders submitted by side and result",
		}, []string{"side", "result"}),
		RSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rsitrader_rsi",
			Help: "Last determinate RSI value per instrument",
		}, []string{"token"}),
		Position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rsitrader_position",
			Help: "Holding state per instrument (0=flat, 1=long)",
		}, []string{"token"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsitrader_run_duration_seconds",
			Help:    "Wall time from run start to termination",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 7200, 14400, 28800},
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsitrader_market_state",
			Help: "Market session state at last check (0=closed, 1=open)",
		}),
		PublisherDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsitrader_publisher_drops_total",
			Help: "Decision events not written to Redis",
		}, []string{"reason"}),
		RedisCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsitrader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsitrader_notification_failures_total",
			Help: "Run notifications that could not be delivered",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsitrader_stream_reconnects_total",
			Help: "Market data WebSocket reconnection attempts",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.ActiveRuns,
		m.QuotesTotal,
		m.HistoryFailures,
		m.OrdersTotal,
		m.RSI,
		m.Position,
		m.RunDuration,
		m.MarketState,
		m.PublisherDrops,
		m.RedisCircuitBreaker,
		m.NotificationFailures,
		m.StreamReconnects,
	)
	return m
}

// Record implements trader.EventSink.
func (m *Metrics) Record(_ context.Context, ev trader.Event) {
	switch ev.Kind {
	case trader.EventTick:
		m.QuotesTotal.WithLabelValues("ok").Inc()
		if ev.RSIReady {
			m.RSI.WithLabelValues(ev.Token).Set(ev.RSI)
		}
	case trader.EventQuoteFailed:
		m.QuotesTotal.WithLabelValues("failed").Inc()
	case trader.EventHistoryFailed:
		m.HistoryFailures.Inc()
	case trader.EventBootstrapped:
		m.QuotesTotal.WithLabelValues("ok").Inc()
		if ev.RSIReady {
			m.RSI.WithLabelValues(ev.Token).Set(ev.RSI)
		}
	case trader.EventOrder:
		result := "filled"
		if ev.Error != "" {
			result = "rejected"
		}
		m.OrdersTotal.WithLabelValues(string(ev.Side), result).Inc()
		if result == "filled" {
			// the event carries the position before the fill
			next := 1.0
			if ev.Position == trader.Long {
				next = 0
			}
			m.Position.WithLabelValues(ev.Token).Set(next)
		}
	case trader.EventTerminated:
		m.Position.WithLabelValues(ev.Token).Set(positionValue(ev.Position))
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(res trader.Result) {
	m.RunsTotal.WithLabelValues(string(res.Status)).Inc()
	if !res.StartedAt.IsZero() && !res.EndedAt.IsZero() {
		m.RunDuration.Observe(res.EndedAt.Sub(res.StartedAt).Seconds())
	}
}

// SetMarketOpen records the market gate outcome.
func (m *Metrics) SetMarketOpen(open bool) {
	if open {
		m.MarketState.Set(1)
		return
	}
	m.MarketState.Set(0)
}

// SetActiveRuns records how many runs are executing.
func (m *Metrics) SetActiveRuns(n int) { m.ActiveRuns.Set(float64(n)) }

// RunObserver reports run-level state to the collectors and to /healthz.
type RunObserver struct {
	Metrics *Metrics
	Health  *HealthStatus
}

func (o RunObserver) ObserveRun(res trader.Result) { o.Metrics.ObserveRun(res) }
func (o RunObserver) SetMarketOpen(open bool)      { o.Metrics.SetMarketOpen(open) }

func (o RunObserver) SetActiveRuns(n int) {
	o.Metrics.SetActiveRuns(n)
	if o.Health != nil {
		o.Health.SetActiveRuns(n)
	}
}

func positionValue(p trader.Position) float64 {
	if p == trader.Long {
		return 1
	}
	return 0
}

// HealthStatus is served on /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerSession  bool      `json:"broker_session"`
	FeedConnected  bool      `json:"feed_connected"`
	LastQuoteTime  time.Time `json:"last_quote_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	InstrumentsOK  bool      `json:"instruments_ok"`
	ActiveRuns     int       `json:"active_runs"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`

	now func() time.Time
}

// NewHealthStatus returns a health status stamped with the start time.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), now: time.Now}
}

func (h *HealthStatus) SetBrokerSession(v bool) {
	h.mu.Lock()
	h.BrokerSession = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastQuoteTime(t time.Time) {
	h.mu.Lock()
	h.LastQuoteTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInstrumentsOK(v bool) {
	h.mu.Lock()
	h.InstrumentsOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveRuns(n int) {
	h.mu.Lock()
	h.ActiveRuns = n
	h.mu.Unlock()
}

// Record implements trader.EventSink so quote freshness shows on /healthz.
func (h *HealthStatus) Record(_ context.Context, ev trader.Event) {
	if ev.Kind == trader.EventTick || ev.Kind == trader.EventBootstrapped {
		h.SetLastQuoteTime(ev.Time)
	}
}

// Pinger is satisfied by *goredis.Client.
type Pinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb Pinger) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker pings Redis every interval until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb Pinger, interval time.Duration) {
	if rdb == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckRedis(probeCtx, rdb)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles /healthz. The service is degraded when the instrument
// store is unusable or an enabled Redis is unreachable.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.InstrumentsOK || (h.RedisEnabled && !h.RedisConnected) {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	quoteAge := ""
	if !h.LastQuoteTime.IsZero() {
		quoteAge = h.now().Sub(h.LastQuoteTime).Round(time.Millisecond).String()
	}

	body := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		BrokerSession  bool    `json:"broker_session"`
		FeedConnected  bool    `json:"feed_connected"`
		QuoteAge       string  `json:"quote_age"`
		RedisEnabled   bool    `json:"redis_enabled"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		InstrumentsOK  bool    `json:"instruments_ok"`
		ActiveRuns     int     `json:"active_runs"`
	}{
		Status:         overall,
		Uptime:         h.now().Sub(h.StartedAt).Round(time.Second).String(),
		BrokerSession:  h.BrokerSession,
		FeedConnected:  h.FeedConnected,
		QuoteAge:       quoteAge,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		InstrumentsOK:  h.InstrumentsOK,
		ActiveRuns:     h.ActiveRuns,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds the metrics server over the given gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
