package smartconnect

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ltpPacket(exchange int, token string, seq int64, ts time.Time, paise int64) []byte {
	b := make([]byte, ltpPacketLen)
	b[0] = ModeLTP
	b[1] = byte(exchange)
	copy(b[2:27], token)
	binary.LittleEndian.PutUint64(b[27:35], uint64(seq))
	binary.LittleEndian.PutUint64(b[35:43], uint64(ts.UnixMilli()))
	binary.LittleEndian.PutUint64(b[43:51], uint64(paise))
	return b
}

func TestParseTick(t *testing.T) {
	ts := time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC)
	tick, err := ParseTick(ltpPacket(NSE_FO, "43210", 7, ts, 21235))
	require.NoError(t, err)

	assert.Equal(t, ModeLTP, tick.Mode)
	assert.Equal(t, NSE_FO, tick.ExchangeType)
	assert.Equal(t, "43210", tick.Token)
	assert.Equal(t, int64(7), tick.Sequence)
	assert.True(t, tick.ExchangeTime.Equal(ts))
	assert.InDelta(t, 212.35, tick.LTP(), 1e-9)
}

func TestParseTick_Short(t *testing.T) {
	_, err := ParseTick(make([]byte, 50))
	assert.Error(t, err)
}

func TestExchangeType(t *testing.T) {
	ex, ok := ExchangeType("NFO")
	assert.True(t, ok)
	assert.Equal(t, NSE_FO, ex)
	_, ok = ExchangeType("LSE")
	assert.False(t, ok)
}

func TestNewStream_RequiresTokens(t *testing.T) {
	_, err := NewStream(StreamConfig{AuthToken: "a", APIKey: "k", ClientCode: "c"})
	assert.Error(t, err)
}

func TestStream_SubscribeAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeRequest, 1)
	ts := time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "feed", r.Header.Get("x-feed-token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		_ = conn.WriteMessage(websocket.BinaryMessage, ltpPacket(NSE_FO, "43210", 1, ts, 18000))
		// keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s, err := NewStream(StreamConfig{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		AuthToken: "jwt", APIKey: "k", ClientCode: "A1", FeedToken: "feed",
	})
	require.NoError(t, err)
	require.NoError(t, s.Subscribe("run-1", []TokenListEntry{{ExchangeType: NSE_FO, Tokens: []string{"43210"}}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks := make(chan Tick, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx, func(tk Tick) {
			select {
			case ticks <- tk:
			default:
			}
		})
	}()

	select {
	case req := <-subscribed:
		assert.Equal(t, SubscribeAction, req.Action)
		assert.Equal(t, ModeLTP, req.Params.Mode)
		require.Len(t, req.Params.TokenList, 1)
		assert.Equal(t, []string{"43210"}, req.Params.TokenList[0].Tokens)
	case <-ctx.Done():
		t.Fatal("no subscription received")
	}

	select {
	case tick := <-ticks:
		assert.Equal(t, "43210", tick.Token)
		assert.InDelta(t, 180.0, tick.LTP(), 1e-9)
	case <-ctx.Done():
		t.Fatal("no tick received")
	}

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
