package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslator(t *testing.T) {
	tr := NewTranslator(map[string]string{
		"BTC-USDT": "BTCUSDT",
		"ETH-USDT": "ETHUSDT",
	})

	t.Run("canonical to venue", func(t *testing.T) {
		sym, ok := tr.VenueSymbol("BTC-USDT")
		assert.True(t, ok)
		assert.Equal(t, "BTCUSDT", sym)
	})

	t.Run("venue to canonical", func(t *testing.T) {
		pair, ok := tr.CanonicalPair("ETHUSDT")
		assert.True(t, ok)
		assert.Equal(t, "ETH-USDT", pair)
	})

	t.Run("unknown lookups report not found", func(t *testing.T) {
		_, ok := tr.VenueSymbol("XRP-USDT")
		assert.False(t, ok)
		_, ok = tr.CanonicalPair("XRPUSDT")
		assert.False(t, ok)
	})

	t.Run("pairs lists everything known", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"BTC-USDT", "ETH-USDT"}, tr.Pairs())
	})
}
