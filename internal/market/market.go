// Package market
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// ObservationKind distinguishes a book-top update from a trade print.
type ObservationKind string

const (
	KindBookTop ObservationKind = "book_top"
	KindTrade   ObservationKind = "trade"
)

// Observation is one normalized tick from a venue. Timestamp is the receipt
// time at the feed boundary, not an exchange-reported time, so staleness
// reflects local freshness regardless of exchange clock skew. Only book-top
// observations carry bid/ask. An Observation is immutable once constructed.
type Observation struct {
	Venue     string              `json:"venue"`
	Pair      string              `json:"pair"`
	Timestamp time.Time           `json:"timestamp"`
	Bid       decimal.NullDecimal `json:"bid,omitempty"`
	Ask       decimal.NullDecimal `json:"ask,omitempty"`
	Kind      ObservationKind     `json:"kind"`
}

// HasBook reports whether both sides of the book top are present.
func (o Observation) HasBook() bool {
	return o.Bid.Valid && o.Ask.Valid
}

// VenueMid is one venue's contribution to a composite quote, derived on
// read from a cache entry and never stored.
type VenueMid struct {
	Venue     string          `json:"venue"`
	Mid       decimal.Decimal `json:"mid"`
	SpreadBps float64         `json:"spread_bps"`
	Weight    float64         `json:"weight"`
	AgeMs     int64           `json:"age_ms"`
}

// Quote is the synthesized composite price for one pair. It is recomputed
// from current cache state on every request and never persisted.
type Quote struct {
	Pair        string          `json:"pair"`
	Price       decimal.Decimal `json:"price"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	VwapShort   decimal.Decimal `json:"vwap_short"`
	SourceCount int             `json:"source_count"`
	StalenessMs int64           `json:"staleness_ms"`
	Venues      []VenueMid      `json:"venues"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
