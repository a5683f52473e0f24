package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"quotefeed/internal/market"
)

// BinanceDecoder speaks the Binance websocket dialect: a SUBSCRIBE request
// on connect, then raw bookTicker frames
// ({"u":...,"s":"BTCUSDT","b":"...","B":"...","a":"...","A":"..."}) and,
// optionally, trade event frames ({"e":"trade","s":"BTCUSDT",...}).
type BinanceDecoder struct {
	// WithTrades also subscribes the @trade stream for each symbol.
	WithTrades bool
}

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// SubscribePayload builds one SUBSCRIBE request covering all symbols.
func (d *BinanceDecoder) SubscribePayload(venueSymbols []string) ([]byte, error) {
	params := make([]string, 0, 2*len(venueSymbols))
	for _, sym := range venueSymbols {
		lower := strings.ToLower(sym)
		params = append(params, lower+"@bookTicker")
		if d.WithTrades {
			params = append(params, lower+"@trade")
		}
	}
	return json.Marshal(binanceSubscribe{Method: "SUBSCRIBE", Params: params, ID: 1})
}

// Decode classifies one inbound frame. Subscription acks decode to
// (nil, nil); anything malformed or unrecognized is an error for the
// caller to count.
func (d *BinanceDecoder) Decode(frame []byte) (*Tick, error) {
	// Probe only the discriminating fields first: trade events reuse the
	// "b"/"a" keys for numeric order IDs, so the full shape depends on the
	// event type.
	var probe struct {
		Event string `json:"e"`
		ID    *int   `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if probe.ID != nil {
		// SUBSCRIBE/UNSUBSCRIBE response, carries no market data.
		return nil, nil
	}

	switch probe.Event {
	case "trade":
		var t struct {
			Symbol string `json:"s"`
		}
		if err := json.Unmarshal(frame, &t); err != nil {
			return nil, fmt.Errorf("decoding trade frame: %w", err)
		}
		if t.Symbol == "" {
			return nil, errors.New("trade frame missing symbol")
		}
		return &Tick{Symbol: t.Symbol, Kind: market.KindTrade}, nil
	case "":
		var bt struct {
			Symbol string `json:"s"`
			Bid    string `json:"b"`
			Ask    string `json:"a"`
		}
		if err := json.Unmarshal(frame, &bt); err != nil {
			return nil, fmt.Errorf("decoding bookTicker frame: %w", err)
		}
		if bt.Symbol == "" || bt.Bid == "" || bt.Ask == "" {
			return nil, errors.New("bookTicker frame missing required fields")
		}
		return &Tick{Symbol: bt.Symbol, Kind: market.KindBookTop, Bid: bt.Bid, Ask: bt.Ask}, nil
	default:
		return nil, fmt.Errorf("unrecognized event %q", probe.Event)
	}
}
