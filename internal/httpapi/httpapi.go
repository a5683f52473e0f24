// Package httpapi exposes the market-data pipeline over HTTP. An absent
// quote is an expected condition and maps to 503, not a server error.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quotefeed/internal/cache"
	"quotefeed/internal/compositor"
	"quotefeed/internal/feed"
	"quotefeed/internal/market"
	"quotefeed/internal/metrics"
)

// QuoteProvider is the compositor surface the API serves.
type QuoteProvider interface {
	GetQuote(pair string) (*market.Quote, error)
	GetQuotes(pairs []string) []market.Quote
	GetAllQuotes() []market.Quote
}

// FeedStatus is the per-venue observability surface.
type FeedStatus interface {
	IsConnected() bool
	GetStats() feed.Stats
}

// Server routes pipeline reads to HTTP.
type Server struct {
	quotes QuoteProvider
	cache  *cache.Cache
	feeds  map[string]FeedStatus
	logger *zap.Logger
}

func NewServer(quotes QuoteProvider, c *cache.Cache, feeds map[string]FeedStatus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		quotes: quotes,
		cache:  c,
		feeds:  feeds,
		logger: logger.Named("httpapi"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/quote/{pair}", s.handleQuote).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/quotes", s.handleQuotes).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	pair := mux.Vars(r)["pair"]
	if pair == "" {
		writeError(w, http.StatusBadRequest, "pair required")
		return
	}

	quote, err := s.quotes.GetQuote(pair)
	if err != nil {
		switch {
		case errors.Is(err, compositor.ErrInsufficientData), errors.Is(err, compositor.ErrStaleData):
			metrics.QuotesServed.WithLabelValues("no_quote").Inc()
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("quote request failed", zap.String("pair", pair), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	metrics.QuotesServed.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	var quotes []market.Quote
	if raw := r.URL.Query().Get("pairs"); raw != "" {
		var pairs []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pairs = append(pairs, p)
			}
		}
		quotes = s.quotes.GetQuotes(pairs)
	} else {
		quotes = s.quotes.GetAllQuotes()
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	feeds := make(map[string]feed.Stats, len(s.feeds))
	for name, f := range s.feeds {
		feeds[name] = f.GetStats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feeds": feeds,
		"cache": s.cache.GetStats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, f := range s.feeds {
		if f.IsConnected() {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"connected_feeds": connected,
		"total_feeds":     len(s.feeds),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
