package smartconnect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	StreamURL         = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
)

// Subscription action / modes / exchanges
const (
	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
	ModeDepth     = 4

	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

// ltpPacketLen is the size of an LTP-mode binary packet.
const ltpPacketLen = 51

// ExchangeType maps an exchange segment name to its stream code.
func ExchangeType(exchange string) (int, bool) {
	switch exchange {
	case "NSE":
		return NSE_CM, true
	case "NFO":
		return NSE_FO, true
	case "BSE":
		return BSE_CM, true
	case "BFO":
		return BSE_FO, true
	case "MCX":
		return MCX_FO, true
	case "NCDEX":
		return NCX_FO, true
	case "CDS":
		return CDE_FO, true
	}
	return 0, false
}

// TokenListEntry represents exchangeType + tokens for subscribe/unsubscribe
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type subscribeParams struct {
	Mode      int              `json:"mode"`
	TokenList []TokenListEntry `json:"tokenList"`
}

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID,omitempty"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

// Tick is one decoded LTP packet.
type Tick struct {
	Mode         int
	ExchangeType int
	Token        string
	Sequence     int64
	ExchangeTime time.Time
	LTPPaise     int64
}

// LTP returns the last traded price in rupees.
func (t Tick) LTP() float64 { return float64(t.LTPPaise) / 100.0 }

// ParseTick decodes the common 51-byte prefix of a binary stream packet.
// Layout (little endian): mode[0] exchange[1] token[2:27] seq[27:35]
// exchange_ts_ms[35:43] ltp_paise[43:51].
func ParseTick(b []byte) (Tick, error) {
	if len(b) < ltpPacketLen {
		return Tick{}, fmt.Errorf("binary payload too short: %d bytes", len(b))
	}
	return Tick{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        parseTokenValue(b[2:27]),
		Sequence:     int64(binary.LittleEndian.Uint64(b[27:35])),
		ExchangeTime: time.UnixMilli(int64(binary.LittleEndian.Uint64(b[35:43]))),
		LTPPaise:     int64(binary.LittleEndian.Uint64(b[43:51])),
	}, nil
}

func parseTokenValue(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	URL        string // default: StreamURL
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	HeartbeatInterval time.Duration // default: HeartBeatInterval
	ReconnectDelay    time.Duration // default: 2s
	MaxReconnects     int           // default: 5; consecutive failed dials before Run gives up
	Dialer            *websocket.Dialer

	// OnDisconnect, when set, is called each time an established
	// connection drops and a redial is scheduled.
	OnDisconnect func(error)
}

// Stream is a SmartAPI WebSocket v2 client in LTP mode. Subscriptions are
// remembered and replayed after every reconnect.
type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[int][]string // exchangeType -> tokens

	writeMu sync.Mutex
}

// NewStream validates cfg and returns an unconnected stream.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartconnect: provide valid value for all the tokens")
	}
	if cfg.URL == "" {
		cfg.URL = StreamURL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = HeartBeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Stream{cfg: cfg, dialer: dialer, subs: make(map[int][]string)}, nil
}

// Dial opens the websocket connection and replays stored subscriptions.
func (s *Stream) Dial(ctx context.Context) error {
	header := http.Header{}
	header.Add("Authorization", s.cfg.AuthToken)
	header.Add("x-api-key", s.cfg.APIKey)
	header.Add("x-client-code", s.cfg.ClientCode)
	header.Add("x-feed-token", s.cfg.FeedToken)

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("smartconnect: stream dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("smartconnect: stream dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	return s.resubscribe()
}

// Subscribe registers tokens for LTP updates. If connected, the request is
// sent immediately; otherwise it is sent on the next Dial.
func (s *Stream) Subscribe(correlationID string, tokenList []TokenListEntry) error {
	s.mu.Lock()
	for _, tl := range tokenList {
		s.subs[tl.ExchangeType] = appendUnique(s.subs[tl.ExchangeType], tl.Tokens...)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.writeJSON(conn, subscribeRequest{
		CorrelationID: correlationID,
		Action:        SubscribeAction,
		Params:        subscribeParams{Mode: ModeLTP, TokenList: tokenList},
	})
}

func appendUnique(dst []string, tokens ...string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, t := range dst {
		seen[t] = struct{}{}
	}
	for _, t := range tokens {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			dst = append(dst, t)
		}
	}
	return dst
}

// resubscribe resends stored subscription requests
func (s *Stream) resubscribe() error {
	s.mu.Lock()
	conn := s.conn
	var tokenList []TokenListEntry
	for ex, toks := range s.subs {
		tokenList = append(tokenList, TokenListEntry{ExchangeType: ex, Tokens: append([]string(nil), toks...)})
	}
	s.mu.Unlock()

	if conn == nil || len(tokenList) == 0 {
		return nil
	}
	return s.writeJSON(conn, subscribeRequest{
		Action: SubscribeAction,
		Params: subscribeParams{Mode: ModeLTP, TokenList: tokenList},
	})
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Run reads packets until ctx is cancelled, calling onTick for every LTP
// packet. Dropped connections are redialled after ReconnectDelay; Run
// returns an error once MaxReconnects consecutive dials fail.
func (s *Stream) Run(ctx context.Context, onTick func(Tick)) error {
	failures := 0
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			if err := s.Dial(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				slog.Warn("stream dial failed", "attempt", failures, "error", err)
				if failures >= s.cfg.MaxReconnects {
					return fmt.Errorf("smartconnect: max reconnect attempts reached: %w", err)
				}
				if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
					return ctx.Err()
				}
				continue
			}
			failures = 0
			continue
		}

		err := s.readLoop(ctx, conn, onTick)
		s.dropConn(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("stream disconnected, reconnecting", "error", err)
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(err)
		}
		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// readLoop reads from conn until it fails or ctx ends.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, onTick func(Tick)) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// unblock ReadMessage
				_ = conn.Close()
				return
			case <-ticker.C:
				s.writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte(HeartBeatMessage))
				s.writeMu.Unlock()
				if err != nil {
					slog.Debug("stream heartbeat failed", "error", err)
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			tick, perr := ParseTick(msg)
			if perr != nil {
				slog.Debug("stream parse error", "error", perr)
				continue
			}
			onTick(tick)
		case websocket.TextMessage:
			// "pong" replies and JSON error frames
			if string(msg) != "pong" {
				slog.Debug("stream text frame", "msg", string(msg))
			}
		}
	}
}

func (s *Stream) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// Close sends a close frame and closes the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
