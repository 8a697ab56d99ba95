// Package redis publishes run decisions to Redis: an append-only stream of
// loop events per run plus a small status hash that dashboards can poll.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"rsitrader/internal/trader"
)

// Commander is the subset of *goredis.Client the publisher uses.
type Commander interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
	HGetAll(ctx context.Context, key string) *goredis.StringStringMapCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *goredis.XMessageSliceCmd
	Close() error
}

// Config configures the publisher.
type Config struct {
	Addr     string
	Password string
	DB       int

	StreamMaxLen int64         // approximate cap per decision stream
	StatusTTL    time.Duration // expiry applied to stream and status keys
	QueueSize    int
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 5000
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
}

// StreamKey is the decision stream for a run.
func StreamKey(runID string) string { return "run:" + runID + ":decisions" }

// StatusKey is the status hash for a run.
func StatusKey(runID string) string { return "run:" + runID + ":status" }

// Publisher implements trader.EventSink. Record only enqueues; a single
// worker started by Run drains the queue through the circuit breaker.
type Publisher struct {
	client  Commander
	breaker *CircuitBreaker
	cfg     Config
	log     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan trader.Event
	dropped atomic.Int64
	started atomic.Bool
	once    sync.Once
	done    chan struct{}

	// OnDrop, when set, is called for each event that is not written.
	OnDrop func(reason string)
}

// Dial connects to Redis and pings it before returning a publisher.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	slog.Info("redis publisher connected", "addr", cfg.Addr, "db", cfg.DB)
	return NewPublisher(client, cfg), nil
}

// NewPublisher wraps an existing client.
func NewPublisher(client Commander, cfg Config) *Publisher {
	cfg.defaults()
	p := &Publisher{
		client:  client,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		cfg:     cfg,
		log:     slog.Default().With("component", "redis-publisher"),
		queue:   make(chan trader.Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	p.breaker.OnStateChange = func(from, to State) {
		p.log.Warn("circuit breaker transition", "from", from.String(), "to", to.String())
	}
	return p
}

// Client returns the underlying client for health probes.
func (p *Publisher) Client() Commander { return p.client }

// Breaker exposes the circuit breaker for health reporting.
func (p *Publisher) Breaker() *CircuitBreaker { return p.breaker }

// Dropped reports how many events were not written.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Record enqueues ev without blocking. A full queue drops the event.
func (p *Publisher) Record(_ context.Context, ev trader.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop("closed")
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.drop("queue_full")
	}
}

// Run drains the queue until ctx is cancelled or Close is called, then
// flushes whatever is still queued.
func (p *Publisher) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	defer close(p.done)
	for {
		select {
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			p.write(ev)
		case <-ctx.Done():
			p.flush()
			return
		}
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			p.write(ev)
		default:
			return
		}
	}
}

func (p *Publisher) write(ev trader.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	err := p.breaker.Execute(func() error { return p.Publish(ctx, ev) })
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		p.drop("circuit_open")
	default:
		p.drop("write_error")
		p.log.Warn("publish failed", "run_id", ev.RunID, "kind", ev.Kind, "error", err)
	}
}

// Publish writes ev synchronously: XADD to the run's decision stream and
// HSET of the status hash, both with the configured TTL.
func (p *Publisher) Publish(ctx context.Context, ev trader.Event) error {
	if ev.RunID == "" {
		return errors.New("event has no run id")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	stream := StreamKey(ev.RunID)
	if err := p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: p.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": string(ev.Kind),
			"data": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}

	status := StatusKey(ev.RunID)
	fields := map[string]interface{}{
		"last_kind":  string(ev.Kind),
		"cycle":      ev.Cycle,
		"token":      ev.Token,
		"position":   ev.Position.String(),
		"updated_at": ev.Time.UTC().Format(time.RFC3339Nano),
	}
	if ev.Price > 0 {
		fields["last_price"] = strconv.FormatFloat(ev.Price, 'f', -1, 64)
	}
	if ev.RSIReady {
		fields["last_rsi"] = strconv.FormatFloat(ev.RSI, 'f', 4, 64)
	}
	if ev.OrderID != "" {
		fields["last_order_id"] = ev.OrderID
	}
	if ev.Status != "" {
		fields["status"] = string(ev.Status)
	}
	if ev.Error != "" {
		fields["last_error"] = ev.Error
	}
	if err := p.client.HSet(ctx, status, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", status, err)
	}

	for _, key := range []string{stream, status} {
		if err := p.client.Expire(ctx, key, p.cfg.StatusTTL).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// Close stops accepting events, waits for Run to drain the queue and
// closes the client.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		if p.started.Load() {
			<-p.done
		}
		err = p.client.Close()
	})
	return err
}

func (p *Publisher) drop(reason string) {
	p.dropped.Add(1)
	if p.OnDrop != nil {
		p.OnDrop(reason)
	}
}
