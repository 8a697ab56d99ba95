package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"rsitrader/config"
	"rsitrader/internal/execution"
	"rsitrader/internal/instruments"
	"rsitrader/internal/metrics"
	"rsitrader/internal/model"
	"rsitrader/internal/notification"
	"rsitrader/internal/runner"
	"rsitrader/internal/store/redis"
	"rsitrader/internal/store/sqlite"
	"rsitrader/internal/trader"
)

// app holds the wired services shared by the serve and run commands.
type app struct {
	cfg         *config.Config
	store       *sqlite.Store
	instruments *instruments.Service
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	health      *metrics.HealthStatus
	publisher   *redis.Publisher
	journal     *execution.Journal
	orderSink   *notification.OrderSink
	runner      *runner.Service
}

// openInstruments loads the scrip master into SQLite.
func openInstruments(ctx context.Context, cfg *config.Config) (*sqlite.Store, *instruments.Service, error) {
	store, err := sqlite.Open(cfg.InstrumentDBPath)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	n, err := store.LoadCSVFile(ctx, cfg.ScripMasterCSV)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load scrip master: %w", err)
	}
	slog.Info("scrip master loaded", "path", cfg.ScripMasterCSV, "rows", n, "took", time.Since(start).Round(time.Millisecond).String())
	return store, instruments.NewService(store), nil
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier(slog.Default())}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	return n
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, inst, err := openInstruments(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		store:       store,
		instruments: inst,
		registry:    prometheus.NewRegistry(),
		health:      metrics.NewHealthStatus(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)
	a.health.SetInstrumentsOK(true)

	sinks := []trader.EventSink{a.metrics, a.health}

	if cfg.RedisAddr != "" {
		pub, err := redis.Dial(ctx, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			// decisions are an audit trail, not a precondition for trading
			slog.Warn("redis unavailable, decision publishing disabled", "error", err)
		} else {
			pub.OnDrop = func(reason string) { a.metrics.PublisherDrops.WithLabelValues(reason).Inc() }
			pub.Breaker().OnStateChange = func(from, to redis.State) {
				slog.Warn("redis circuit breaker transition", "from", from.String(), "to", to.String())
				a.metrics.RedisCircuitBreaker.Set(float64(to))
			}
			a.publisher = pub
			sinks = append(sinks, pub)
			a.health.CheckRedis(ctx, pub.Client())
		}
	}

	if cfg.JournalDBPath != "" {
		j, err := execution.OpenJournal(cfg.JournalDBPath)
		if err != nil {
			if a.publisher != nil {
				a.publisher.Close()
			}
			store.Close()
			return nil, err
		}
		a.journal = j
		sinks = append(sinks, j)
	}

	notifier := buildNotifier(cfg)
	a.orderSink = notification.NewOrderSink(notifier)
	a.orderSink.OnFailure = func(error) { a.metrics.NotificationFailures.Inc() }
	sinks = append(sinks, a.orderSink)

	connector := runner.ConnectorFromConfig(cfg)
	connector.Health = a.health
	connector.OnStreamDisconnect = func(error) { a.metrics.StreamReconnects.Inc() }

	a.runner = runner.New(
		runner.ParamsFromConfig(cfg),
		runner.HolidaysFromCSV(cfg.HolidaysCSV),
		inst,
		connector,
		runner.WithSinks(sinks...),
		runner.WithNotifier(notifier),
		runner.WithObserver(metrics.RunObserver{Metrics: a.metrics, Health: a.health}),
	)
	return a, nil
}

// startBackground launches the publisher worker and the Redis liveness probe.
func (a *app) startBackground(ctx context.Context) {
	if a.publisher == nil {
		return
	}
	go a.publisher.Run(ctx)
	a.health.StartLivenessChecker(ctx, a.publisher.Client(), 10*time.Second)
}

func (a *app) defaultQuery() model.InstrumentQuery {
	return model.InstrumentQuery{
		ExchangeSegment: a.cfg.DefaultExchange,
		InstrumentType:  a.cfg.DefaultInstrumentType,
		Symbol:          a.cfg.DefaultSymbol,
		StrikePrice:     a.cfg.DefaultStrike,
		OptionType:      a.cfg.DefaultOptionType,
	}
}

func (a *app) close() {
	a.orderSink.Wait()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			slog.Warn("redis close failed", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			slog.Warn("journal close failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("sqlite close failed", "error", err)
	}
}
