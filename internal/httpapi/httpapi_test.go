package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quotefeed/internal/cache"
	"quotefeed/internal/compositor"
	"quotefeed/internal/feed"
	"quotefeed/internal/market"
)

type stubQuotes struct {
	quotes map[string]*market.Quote
}

func (s *stubQuotes) GetQuote(pair string) (*market.Quote, error) {
	if q, ok := s.quotes[pair]; ok {
		return q, nil
	}
	return nil, fmt.Errorf("quote %s: %w", pair, compositor.ErrInsufficientData)
}

func (s *stubQuotes) GetQuotes(pairs []string) []market.Quote {
	var out []market.Quote
	for _, p := range pairs {
		if q, ok := s.quotes[p]; ok {
			out = append(out, *q)
		}
	}
	return out
}

func (s *stubQuotes) GetAllQuotes() []market.Quote {
	var out []market.Quote
	for _, q := range s.quotes {
		out = append(out, *q)
	}
	return out
}

type stubFeed struct {
	connected bool
	stats     feed.Stats
}

func (s *stubFeed) IsConnected() bool    { return s.connected }
func (s *stubFeed) GetStats() feed.Stats { return s.stats }

func testQuote(pair string) *market.Quote {
	price := decimal.RequireFromString("50005")
	return &market.Quote{
		Pair:        pair,
		Price:       price,
		Bid:         decimal.RequireFromString("50000"),
		Ask:         decimal.RequireFromString("50010"),
		VwapShort:   price,
		SourceCount: 1,
		StalenessMs: 42,
		Venues: []market.VenueMid{{
			Venue: "binance", Mid: price, SpreadBps: 2, Weight: 1, AgeMs: 42,
		}},
		UpdatedAt: time.Now(),
	}
}

func newTestServer() (*Server, *stubQuotes) {
	quotes := &stubQuotes{quotes: map[string]*market.Quote{"BTC-USDT": testQuote("BTC-USDT")}}
	feeds := map[string]FeedStatus{
		"binance": &stubFeed{connected: true, stats: feed.Stats{Connected: true, MessagesReceived: 10}},
	}
	return NewServer(quotes, cache.New(0, zap.NewNop()), feeds, zap.NewNop()), quotes
}

func TestServer_Quote(t *testing.T) {
	srv, _ := newTestServer()
	router := srv.Router()

	t.Run("known pair returns the quote with decimal strings", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quote/BTC-USDT", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), `"price":"50005"`)
		assert.Contains(t, rec.Body.String(), `"source_count":1`)
	})

	t.Run("absent quote maps to service unavailable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quote/DOGE-USDT", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body["error"], "insufficient")
	})
}

func TestServer_Quotes(t *testing.T) {
	srv, quotes := newTestServer()
	quotes.quotes["ETH-USDT"] = testQuote("ETH-USDT")
	router := srv.Router()

	t.Run("explicit pairs, failures omitted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes?pairs=BTC-USDT,DOGE-USDT", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var got []market.Quote
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "BTC-USDT", got[0].Pair)
	})

	t.Run("no pairs parameter returns everything", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var got []market.Quote
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Len(t, got, 2)
	})
}

func TestServer_Stats(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Feeds map[string]feed.Stats `json:"feeds"`
		Cache cache.Stats           `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(10), body.Feeds["binance"].MessagesReceived)
	assert.Equal(t, 0, body.Cache.TotalEntries)
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["connected_feeds"])
}
