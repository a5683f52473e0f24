// Package compositor
package compositor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quotefeed/internal/market"
)

// "No quote" is an expected, frequent condition, so it is surfaced as a
// sentinel return value rather than treated as a failure.
var (
	// ErrInsufficientData means too few fresh venues qualify for the pair.
	ErrInsufficientData = errors.New("insufficient fresh venue data")
	// ErrStaleData means the composite staleness exceeds the configured bound.
	ErrStaleData = errors.New("composite staleness exceeds bound")
)

// SpreadPolicy selects how the composite bid/ask spread is derived from the
// contributing venues.
type SpreadPolicy string

const (
	// SpreadTightest uses the minimum spread among contributing venues.
	SpreadTightest SpreadPolicy = "tightest"
	// SpreadWeighted uses the weight-averaged spread across venues.
	SpreadWeighted SpreadPolicy = "weighted"
)

// ObservationSource is the slice of the cache the compositor reads.
type ObservationSource interface {
	GetByPair(pair string) []market.Observation
	GetStaleness(venue, pair string) (time.Duration, bool)
	Pairs() []string
}

// Config carries the quote qualification bounds.
type Config struct {
	// MinVenues is the minimum number of fresh venues required for a quote.
	MinVenues int
	// MaxStaleness bounds the composite staleness (the age of the stalest
	// contributing venue). Zero disables the bound, leaving only the
	// cache-wide read filter.
	MaxStaleness time.Duration
	// Spread selects the composite spread derivation, SpreadTightest by default.
	Spread SpreadPolicy
}

// Compositor synthesizes one composite quote per pair from all currently
// fresh venue observations, weighting each venue's mid by the inverse of
// its spread.
type Compositor struct {
	src    ObservationSource
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds a compositor over an observation source.
func New(src ObservationSource, cfg Config, logger *zap.Logger) *Compositor {
	if cfg.MinVenues < 1 {
		cfg.MinVenues = 1
	}
	if cfg.Spread == "" {
		cfg.Spread = SpreadTightest
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compositor{
		src:    src,
		cfg:    cfg,
		logger: logger.Named("compositor"),
		now:    time.Now,
	}
}

var two = decimal.NewFromInt(2)

// GetQuote produces the composite quote for a pair, or reports why none can
// be produced via ErrInsufficientData / ErrStaleData.
func (c *Compositor) GetQuote(pair string) (*market.Quote, error) {
	observations := c.src.GetByPair(pair)
	if len(observations) < c.cfg.MinVenues {
		return nil, fmt.Errorf("quote %s: %w", pair, ErrInsufficientData)
	}

	venues := make([]market.VenueMid, 0, len(observations))
	mids := make([]decimal.Decimal, 0, len(observations))
	var maxAgeMs int64
	for _, obs := range observations {
		if !obs.HasBook() {
			continue
		}
		age, ok := c.src.GetStaleness(obs.Venue, pair)
		if !ok {
			// Entry vanished between reads; treat the venue as gone.
			continue
		}
		bid, ask := obs.Bid.Decimal, obs.Ask.Decimal
		mid := bid.Add(ask).Div(two)
		spreadBps := 0.0
		if !mid.IsZero() {
			spreadBps = ask.Sub(bid).Div(mid).InexactFloat64() * 10000
		}
		ageMs := age.Milliseconds()
		if ageMs > maxAgeMs {
			maxAgeMs = ageMs
		}
		venues = append(venues, market.VenueMid{
			Venue:     obs.Venue,
			Mid:       mid,
			SpreadBps: spreadBps,
			AgeMs:     ageMs,
		})
		mids = append(mids, mid)
	}
	if len(venues) < c.cfg.MinVenues {
		return nil, fmt.Errorf("quote %s: %w", pair, ErrInsufficientData)
	}

	// The quote is only as fresh as its stalest input. This gate is distinct
	// from the cache-wide read filter: the operator may configure a stricter
	// bound than the cache threshold.
	if c.cfg.MaxStaleness > 0 && maxAgeMs > c.cfg.MaxStaleness.Milliseconds() {
		return nil, fmt.Errorf("quote %s: %w", pair, ErrStaleData)
	}

	// Tighter spread means higher trust and a higher weight. The +1 keeps a
	// zero spread from blowing up the division. Basis-point and weight
	// scratch values are float64; price math stays in decimals.
	totalWeight := 0.0
	raw := make([]float64, len(venues))
	for i, v := range venues {
		raw[i] = 1 / (v.SpreadBps + 1)
		totalWeight += raw[i]
	}
	price := decimal.Decimal{}
	for i := range venues {
		venues[i].Weight = raw[i] / totalWeight
		price = price.Add(mids[i].Mul(decimal.NewFromFloat(venues[i].Weight)))
	}

	spreadBps := c.compositeSpreadBps(venues)
	half := price.Mul(decimal.NewFromFloat(spreadBps / 2 / 10000))

	sort.Slice(venues, func(i, j int) bool { return venues[i].Venue < venues[j].Venue })

	return &market.Quote{
		Pair:        pair,
		Price:       price,
		Bid:         price.Sub(half),
		Ask:         price.Add(half),
		VwapShort:   price, // no trade-volume data yet; equals the composite price
		SourceCount: len(venues),
		StalenessMs: maxAgeMs,
		Venues:      venues,
		UpdatedAt:   c.now(),
	}, nil
}

// compositeSpreadBps derives the quote's own spread from the contributing
// venues according to the configured policy.
func (c *Compositor) compositeSpreadBps(venues []market.VenueMid) float64 {
	switch c.cfg.Spread {
	case SpreadWeighted:
		weighted := 0.0
		for _, v := range venues {
			weighted += v.SpreadBps * v.Weight
		}
		return weighted
	default:
		tightest := venues[0].SpreadBps
		for _, v := range venues[1:] {
			if v.SpreadBps < tightest {
				tightest = v.SpreadBps
			}
		}
		return tightest
	}
}

// GetQuotes returns quotes for every pair that individually qualifies.
// Pairs with no quote are omitted, so the result may be shorter than the
// input.
func (c *Compositor) GetQuotes(pairs []string) []market.Quote {
	quotes := make([]market.Quote, 0, len(pairs))
	for _, pair := range pairs {
		q, err := c.GetQuote(pair)
		if err != nil {
			c.logger.Debug("no quote", zap.String("pair", pair), zap.Error(err))
			continue
		}
		quotes = append(quotes, *q)
	}
	return quotes
}

// GetAllQuotes quotes every pair currently present in the cache, discovered
// from cached entries rather than static configuration.
func (c *Compositor) GetAllQuotes() []market.Quote {
	pairs := c.src.Pairs()
	sort.Strings(pairs)
	return c.GetQuotes(pairs)
}
