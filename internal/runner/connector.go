package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rsitrader/config"
	"rsitrader/internal/broker"
	"rsitrader/internal/execution"
	"rsitrader/internal/marketdata"
	"rsitrader/internal/marketdata/ws"
	"rsitrader/internal/metrics"
	"rsitrader/internal/model"
	"rsitrader/internal/session"
	"rsitrader/pkg/smartconnect"
)

// BrokerConnector logs in to SmartAPI for each run. Live quotes come from
// REST polling, or from the websocket feed when QuoteSource is "stream".
// In paper mode orders are filled locally against live quotes.
type BrokerConnector struct {
	Credentials session.Credentials
	QuoteSource string
	QuoteMaxAge time.Duration
	OrderMode   string
	SlippageBps int64
	Now         func() time.Time

	Health             *metrics.HealthStatus
	OnStreamDisconnect func(error)
}

// ConnectorFromConfig builds a connector from cfg.
func ConnectorFromConfig(cfg *config.Config) *BrokerConnector {
	return &BrokerConnector{
		Credentials: session.Credentials{
			APIKey:     cfg.AngelAPIKey,
			ClientCode: cfg.AngelClientCode,
			Password:   cfg.AngelPassword,
			TOTPSecret: cfg.AngelTOTPSecret,
			BaseURL:    cfg.AngelBaseURL,
		},
		QuoteSource: cfg.QuoteSource,
		QuoteMaxAge: cfg.QuoteMaxAge,
		OrderMode:   cfg.OrderMode,
		SlippageBps: cfg.PaperSlippageBps,
	}
}

func (c *BrokerConnector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Connect implements Connector.
func (c *BrokerConnector) Connect(ctx context.Context, inst model.Instrument) (*Connection, error) {
	sess, err := session.Login(ctx, c.Credentials, c.now())
	if err != nil {
		return nil, err
	}
	c.setSession(true)

	rest := broker.New(sess.Client, c.now)
	conn := &Connection{
		MarketData: rest,
		Orders:     rest,
		Close: func(cctx context.Context) {
			sess.Close(cctx)
			c.setSession(false)
		},
	}
	if c.QuoteSource == config.QuoteSourceStream {
		md, stop, err := c.startFeed(ctx, sess, rest, inst)
		if err != nil {
			conn.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		conn.MarketData = md
		conn.Close = func(cctx context.Context) {
			stop()
			sess.Close(cctx)
			c.setSession(false)
		}
	}
	if c.OrderMode == config.OrderModePaper {
		slog.Warn("paper order mode, orders are simulated", "token", inst.Token, "slippage_bps", c.SlippageBps)
		conn.Orders = execution.NewPaperGateway(conn.MarketData, c.SlippageBps, c.now)
	}
	return conn, nil
}

// startFeed subscribes inst on the websocket and serves live quotes from
// the resulting feed. History still comes from REST.
func (c *BrokerConnector) startFeed(ctx context.Context, sess *session.Session, rest *broker.Gateway, inst model.Instrument) (model.MarketDataGateway, func(), error) {
	scfg := sess.StreamConfig()
	scfg.OnDisconnect = func(err error) {
		if c.Health != nil {
			c.Health.SetFeedConnected(false)
		}
		if c.OnStreamDisconnect != nil {
			c.OnStreamDisconnect(err)
		}
	}
	stream, err := smartconnect.NewStream(scfg)
	if err != nil {
		return nil, nil, fmt.Errorf("stream: %w", err)
	}

	feed := marketdata.NewFeed()
	ingest := ws.New(stream, feed)
	ingest.OnTick = func(smartconnect.Tick) {
		if c.Health != nil {
			c.Health.SetFeedConnected(true)
		}
	}
	if err := ingest.Watch(inst); err != nil {
		return nil, nil, err
	}

	// the feed outlives request cancellation until the run closes it
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ingest.Start(fctx); err != nil {
			slog.Error("quote feed stopped", "token", inst.Token, "error", err)
		}
	}()

	stop := func() {
		cancel()
		_ = stream.Close()
		<-done
		if c.Health != nil {
			c.Health.SetFeedConnected(false)
		}
	}
	return marketdata.NewStreamGateway(feed, rest, c.QuoteMaxAge, c.now), stop, nil
}

func (c *BrokerConnector) setSession(v bool) {
	if c.Health != nil {
		c.Health.SetBrokerSession(v)
	}
}
