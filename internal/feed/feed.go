// Package feed
//
// A Feed owns one persistent websocket connection to one venue, normalizes
// inbound frames into market.Observations and keeps itself connected:
//   - Disconnected -> Connecting -> Connected -> (on close/error) ->
//     Reconnecting -> Connecting -> ...
//   - Reconnect delay backs off exponentially from 1s, doubling up to 30s.
//   - Every 3rd consecutive failed attempt rotates to the next endpoint in
//     the venue's alternate-endpoint list, wrapping around.
//   - Disconnect() is terminal: it cancels any pending reconnect and no
//     further connection attempts occur.
//
// Transport and parse failures never propagate past the feed; only the
// initial Connect() failure is returned to the caller.
package feed

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quotefeed/internal/market"
	"quotefeed/internal/symbols"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionError reports a failed or lost venue connection. It is
// recoverable: the reconnect scheduler keeps retrying until Disconnect().
type ConnectionError struct {
	Venue    string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("venue %s: connecting %s: %v", e.Venue, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Tick is one decoded venue frame before symbol translation. Bid/Ask are the
// venue's raw decimal strings and are empty for trade prints.
type Tick struct {
	Symbol string
	Kind   market.ObservationKind
	Bid    string
	Ask    string
}

// Decoder understands one venue's wire dialect. Decode returns (nil, nil)
// for frames that carry no market data (subscription acks and the like);
// a non-nil error marks the frame malformed or unrecognized.
type Decoder interface {
	SubscribePayload(venueSymbols []string) ([]byte, error)
	Decode(frame []byte) (*Tick, error)
}

// Stats are the feed's observability counters.
type Stats struct {
	Connected         bool      `json:"connected"`
	ReconnectAttempts int64     `json:"reconnect_attempts"`
	MessagesReceived  int64     `json:"messages_received"`
	LastMessageAt     time.Time `json:"last_message_at"`
	Errors            int64     `json:"errors"`
}

// Config describes one venue feed. Endpoints is the fixed list of alternate
// URLs for the same venue; the first one is used until rotation kicks in.
type Config struct {
	Venue       string
	Endpoints   []string
	Pairs       []string
	Translator  *symbols.Translator
	Decoder     Decoder
	DialTimeout time.Duration
	Buffer      int
	Logger      *zap.Logger
}

const (
	defaultDialTimeout = 10 * time.Second
	defaultBuffer      = 256

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second

	// Consecutive failures before rotating to the next endpoint.
	rotateEvery = 3
)

// Feed streams normalized observations from one venue.
type Feed struct {
	venue       string
	endpoints   []string
	pairs       []string
	translator  *symbols.Translator
	decoder     Decoder
	dialTimeout time.Duration
	logger      *zap.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	closed         bool
	dialing        bool
	reconnectTimer *time.Timer
	endpointIdx    int
	failures       int
	reconnects     int64
	lastMessage    time.Time

	bo *backoff.Backoff

	messages atomic.Int64
	errs     atomic.Int64

	out  chan market.Observation
	done chan struct{}
}

// New builds a feed. It does not connect; call Connect().
func New(cfg Config) (*Feed, error) {
	if cfg.Venue == "" {
		return nil, errors.New("feed: venue name is required")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("feed %s: at least one endpoint is required", cfg.Venue)
	}
	if cfg.Translator == nil {
		return nil, fmt.Errorf("feed %s: translator is required", cfg.Venue)
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("feed %s: decoder is required", cfg.Venue)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		venue:       cfg.Venue,
		endpoints:   cfg.Endpoints,
		pairs:       cfg.Pairs,
		translator:  cfg.Translator,
		decoder:     cfg.Decoder,
		dialTimeout: cfg.DialTimeout,
		logger:      logger.Named("feed").With(zap.String("venue", cfg.Venue)),
		bo: &backoff.Backoff{
			Min:    reconnectMin,
			Max:    reconnectMax,
			Factor: 2,
		},
		out:  make(chan market.Observation, cfg.Buffer),
		done: make(chan struct{}),
	}, nil
}

// Observations is the delivery channel. Every parsed observation is sent
// exactly once, in receipt order. The channel is buffered; the consumer must
// keep draining it or the read loop eventually blocks. It is never closed.
func (f *Feed) Observations() <-chan market.Observation {
	return f.out
}

// Connect subscribes to all configured pairs the translator can map and
// opens the connection, returning a *ConnectionError if the transport does
// not open within the dial timeout. On failure the reconnect scheduler takes
// over; Connect itself never retries.
func (f *Feed) Connect() error {
	return f.connectOnce()
}

func (f *Feed) connectOnce() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return &ConnectionError{Venue: f.venue, Err: errors.New("feed is disconnected")}
	}
	if f.conn != nil || f.dialing {
		f.mu.Unlock()
		return nil
	}
	f.dialing = true
	f.state = StateConnecting
	endpoint := f.endpoints[f.endpointIdx]
	f.mu.Unlock()

	err := f.establish(endpoint)

	f.mu.Lock()
	f.dialing = false
	if err == nil {
		f.mu.Unlock()
		return nil
	}
	if f.closed {
		f.mu.Unlock()
		return err
	}
	f.state = StateReconnecting
	f.failures++
	if f.failures%rotateEvery == 0 {
		f.endpointIdx = (f.endpointIdx + 1) % len(f.endpoints)
		f.logger.Warn("rotating endpoint",
			zap.Int("consecutive_failures", f.failures),
			zap.String("next_endpoint", f.endpoints[f.endpointIdx]))
	}
	f.mu.Unlock()

	f.scheduleReconnect()
	return err
}

// establish dials one endpoint, sends the subscription request and starts
// the read loop.
func (f *Feed) establish(endpoint string) error {
	payload, err := f.subscribePayload()
	if err != nil {
		return &ConnectionError{Venue: f.venue, Endpoint: endpoint, Err: err}
	}

	dialer := websocket.Dialer{HandshakeTimeout: f.dialTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return &ConnectionError{Venue: f.venue, Endpoint: endpoint, Err: err}
	}

	if payload != nil {
		conn.SetWriteDeadline(time.Now().Add(f.dialTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			return &ConnectionError{Venue: f.venue, Endpoint: endpoint, Err: fmt.Errorf("subscribing: %w", err)}
		}
		conn.SetWriteDeadline(time.Time{})
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return &ConnectionError{Venue: f.venue, Endpoint: endpoint, Err: errors.New("feed is disconnected")}
	}
	f.conn = conn
	f.state = StateConnected
	f.failures = 0
	f.bo.Reset()
	f.mu.Unlock()

	f.logger.Info("connection established", zap.String("endpoint", endpoint))
	go f.readLoop(conn)
	return nil
}

// subscribePayload builds the venue subscription covering every configured
// pair the translator knows. Unmapped pairs are skipped with a warning, not
// a fatal error.
func (f *Feed) subscribePayload() ([]byte, error) {
	venueSymbols := make([]string, 0, len(f.pairs))
	for _, pair := range f.pairs {
		sym, ok := f.translator.VenueSymbol(pair)
		if !ok {
			f.logger.Warn("no venue symbol for pair, skipping", zap.String("pair", pair))
			continue
		}
		venueSymbols = append(venueSymbols, sym)
	}
	if len(venueSymbols) == 0 {
		return nil, nil
	}
	return f.decoder.SubscribePayload(venueSymbols)
}

// readLoop pulls frames until the connection drops. Each frame is handled
// independently: malformed frames bump the error counter and are swallowed,
// frames for unmapped symbols are dropped silently. Nothing here waits on
// network I/O besides the read itself.
func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			f.handleConnectionLoss(conn, err)
			return
		}

		f.messages.Add(1)
		f.mu.Lock()
		f.lastMessage = time.Now()
		f.mu.Unlock()

		tick, err := f.decoder.Decode(frame)
		if err != nil {
			f.errs.Add(1)
			f.logger.Debug("dropping frame", zap.Error(err))
			continue
		}
		if tick == nil {
			continue
		}

		pair, ok := f.translator.CanonicalPair(tick.Symbol)
		if !ok {
			continue
		}

		obs, ok := f.normalize(tick, pair)
		if !ok {
			f.errs.Add(1)
			continue
		}

		select {
		case f.out <- obs:
		case <-f.done:
			return
		}
	}
}

// normalize turns a decoded tick into a canonical observation, stamping it
// with local receipt time.
func (f *Feed) normalize(tick *Tick, pair string) (market.Observation, bool) {
	obs := market.Observation{
		Venue:     f.venue,
		Pair:      pair,
		Timestamp: time.Now(),
		Kind:      tick.Kind,
	}
	if tick.Kind == market.KindBookTop {
		bid, err := decimal.NewFromString(tick.Bid)
		if err != nil {
			return market.Observation{}, false
		}
		ask, err := decimal.NewFromString(tick.Ask)
		if err != nil {
			return market.Observation{}, false
		}
		obs.Bid = decimal.NullDecimal{Decimal: bid, Valid: true}
		obs.Ask = decimal.NullDecimal{Decimal: ask, Valid: true}
	}
	return obs, true
}

func (f *Feed) handleConnectionLoss(conn *websocket.Conn, err error) {
	conn.Close()

	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	if f.closed {
		f.state = StateDisconnected
		f.mu.Unlock()
		return
	}
	f.state = StateReconnecting
	f.mu.Unlock()

	f.errs.Add(1)
	f.logger.Warn("connection lost", zap.Error(err))
	f.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer. The delay runs asynchronously:
// nothing blocks waiting for it.
func (f *Feed) scheduleReconnect() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	delay := f.bo.Duration()
	f.reconnectTimer = time.AfterFunc(delay, f.reconnect)
	f.mu.Unlock()

	f.logger.Info("reconnecting", zap.Duration("in", delay))
}

func (f *Feed) reconnect() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.reconnects++
	f.mu.Unlock()

	if err := f.connectOnce(); err != nil {
		f.logger.Warn("reconnect attempt failed", zap.Error(err))
	}
}

// Disconnect closes the active connection, cancels any pending reconnect
// and suppresses all future connection attempts.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.state = StateDisconnected
	if f.reconnectTimer != nil {
		f.reconnectTimer.Stop()
		f.reconnectTimer = nil
	}
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	close(f.done)
	if conn != nil {
		conn.Close()
	}
	f.logger.Info("disconnected")
}

// IsConnected reports current connection liveness.
func (f *Feed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == StateConnected && f.conn != nil
}

// State returns the current lifecycle state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// GetStats returns connection and error counters.
func (f *Feed) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Connected:         f.state == StateConnected && f.conn != nil,
		ReconnectAttempts: f.reconnects,
		MessagesReceived:  f.messages.Load(),
		LastMessageAt:     f.lastMessage,
		Errors:            f.errs.Load(),
	}
}
