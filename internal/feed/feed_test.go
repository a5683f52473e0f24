package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quotefeed/internal/market"
	"quotefeed/internal/symbols"
)

// wsServer runs a websocket endpoint whose handler gets the upgraded
// connection.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// holdOpen drains the connection until the peer goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestFeed(t *testing.T, endpoints []string, pairs []string) *Feed {
	t.Helper()
	f, err := New(Config{
		Venue:     "binance",
		Endpoints: endpoints,
		Pairs:     pairs,
		Translator: symbols.NewTranslator(map[string]string{
			"BTC-USDT": "BTCUSDT",
			"ETH-USDT": "ETHUSDT",
		}),
		Decoder: &BinanceDecoder{},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return f
}

func recvObservation(t *testing.T, f *Feed) market.Observation {
	t.Helper()
	select {
	case obs := <-f.Observations():
		return obs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observation")
		return market.Observation{}
	}
}

func TestFeed_DeliversObservations(t *testing.T) {
	subscribed := make(chan []byte, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- msg
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"u":1,"s":"BTCUSDT","b":"50000.10","B":"1","a":"50010.50","A":"2"}`))
		holdOpen(conn)
	})

	f := newTestFeed(t, []string{url}, []string{"BTC-USDT"})
	require.NoError(t, f.Connect())
	defer f.Disconnect()

	assert.True(t, f.IsConnected())
	assert.Equal(t, StateConnected, f.State())

	t.Run("subscription covers the configured pairs", func(t *testing.T) {
		var req binanceSubscribe
		require.NoError(t, json.Unmarshal(<-subscribed, &req))
		assert.Equal(t, []string{"btcusdt@bookTicker"}, req.Params)
	})

	t.Run("frames are normalized into canonical observations", func(t *testing.T) {
		obs := recvObservation(t, f)
		assert.Equal(t, "binance", obs.Venue)
		assert.Equal(t, "BTC-USDT", obs.Pair)
		assert.Equal(t, market.KindBookTop, obs.Kind)
		require.True(t, obs.HasBook())
		assert.True(t, obs.Bid.Decimal.Equal(decimal.RequireFromString("50000.10")))
		assert.True(t, obs.Ask.Decimal.Equal(decimal.RequireFromString("50010.50")))
		assert.False(t, obs.Timestamp.IsZero())
	})

	t.Run("stats reflect traffic", func(t *testing.T) {
		stats := f.GetStats()
		assert.True(t, stats.Connected)
		assert.GreaterOrEqual(t, stats.MessagesReceived, int64(1))
		assert.False(t, stats.LastMessageAt.IsZero())
	})
}

func TestFeed_MalformedFrameIsSwallowed(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"u":1,"s":"BTCUSDT","b":"50000","B":"1","a":"50010","A":"2"}`))
		holdOpen(conn)
	})

	f := newTestFeed(t, []string{url}, []string{"BTC-USDT"})
	require.NoError(t, f.Connect())
	defer f.Disconnect()

	// the valid frame still arrives; the garbage one is only counted
	obs := recvObservation(t, f)
	assert.Equal(t, "BTC-USDT", obs.Pair)

	stats := f.GetStats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.True(t, f.IsConnected(), "a malformed frame must not terminate the connection")
}

func TestFeed_UnmappedSymbolDroppedSilently(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"u":1,"s":"DOGEUSDT","b":"0.1","B":"1","a":"0.2","A":"2"}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"u":2,"s":"BTCUSDT","b":"50000","B":"1","a":"50010","A":"2"}`))
		holdOpen(conn)
	})

	f := newTestFeed(t, []string{url}, []string{"BTC-USDT"})
	require.NoError(t, f.Connect())
	defer f.Disconnect()

	obs := recvObservation(t, f)
	assert.Equal(t, "BTC-USDT", obs.Pair, "the unmapped symbol must be skipped, not delivered")
	assert.Equal(t, int64(0), f.GetStats().Errors, "an unmapped symbol is not an error")
}

func TestFeed_ConnectFailure(t *testing.T) {
	// nothing listens here
	f := newTestFeed(t, []string{"ws://127.0.0.1:1/ws"}, []string{"BTC-USDT"})

	err := f.Connect()
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "binance", connErr.Venue)

	assert.False(t, f.IsConnected())
	assert.Equal(t, StateReconnecting, f.State(), "a failed connect hands over to the reconnect scheduler")

	f.Disconnect()
	assert.Equal(t, StateDisconnected, f.State())

	err = f.Connect()
	assert.Error(t, err, "no connection attempts after Disconnect")
}

func TestFeed_EndpointRotation(t *testing.T) {
	f := newTestFeed(t, []string{"ws://127.0.0.1:1/ws", "ws://127.0.0.1:2/ws"}, []string{"BTC-USDT"})
	defer f.Disconnect()

	for i := 0; i < 3; i++ {
		assert.Error(t, f.connectOnce())
	}

	f.mu.Lock()
	idx, failures := f.endpointIdx, f.failures
	f.mu.Unlock()
	assert.Equal(t, 3, failures)
	assert.Equal(t, 1, idx, "every 3rd consecutive failure rotates the endpoint")

	for i := 0; i < 3; i++ {
		assert.Error(t, f.connectOnce())
	}
	f.mu.Lock()
	idx = f.endpointIdx
	f.mu.Unlock()
	assert.Equal(t, 0, idx, "rotation wraps around")
}

func TestFeed_DisconnectCancelsPendingReconnect(t *testing.T) {
	closing := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		<-closing
	})

	f := newTestFeed(t, []string{url}, []string{"BTC-USDT"})
	require.NoError(t, f.Connect())

	// server drops the connection; the feed schedules a reconnect
	close(closing)
	require.Eventually(t, func() bool { return f.State() == StateReconnecting },
		2*time.Second, 10*time.Millisecond)

	f.Disconnect()

	// past the 1s backoff minimum: no attempt may have run
	time.Sleep(1300 * time.Millisecond)
	assert.Equal(t, int64(0), f.GetStats().ReconnectAttempts)
	assert.Equal(t, StateDisconnected, f.State())
}

func TestFeed_SubscribePayloadSkipsUnknownPairs(t *testing.T) {
	f := newTestFeed(t, []string{"ws://unused"}, []string{"BTC-USDT", "XRP-USDT"})

	payload, err := f.subscribePayload()
	require.NoError(t, err)

	var req binanceSubscribe
	require.NoError(t, json.Unmarshal(payload, &req))
	assert.Equal(t, []string{"btcusdt@bookTicker"}, req.Params,
		"pairs without a venue symbol are skipped, not fatal")
}

func TestFeed_Reconnects(t *testing.T) {
	conns := make(chan struct{}, 4)
	var sessions atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		conns <- struct{}{}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if sessions.Add(1) == 1 {
			return // drop the first session right after subscribe
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"u":1,"s":"BTCUSDT","b":"50000","B":"1","a":"50010","A":"2"}`))
		holdOpen(conn)
	})

	f := newTestFeed(t, []string{url}, []string{"BTC-USDT"})
	require.NoError(t, f.Connect())
	defer f.Disconnect()

	<-conns
	// after the drop the feed comes back by itself and data flows again
	obs := recvObservation(t, f)
	assert.Equal(t, "BTC-USDT", obs.Pair)
	assert.GreaterOrEqual(t, f.GetStats().ReconnectAttempts, int64(1))
}
