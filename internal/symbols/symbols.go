// Package symbols
package symbols

// Translator maps canonical pair names to venue-specific symbols and back.
// It is built once from configuration and immutable afterwards; "unknown
// symbol" is an expected outcome and is reported via the second return
// value, never as an error.
type Translator struct {
	toVenue     map[string]string
	toCanonical map[string]string
}

// NewTranslator builds a translator from a canonical-pair -> venue-symbol map.
func NewTranslator(mapping map[string]string) *Translator {
	t := &Translator{
		toVenue:     make(map[string]string, len(mapping)),
		toCanonical: make(map[string]string, len(mapping)),
	}
	for pair, sym := range mapping {
		t.toVenue[pair] = sym
		t.toCanonical[sym] = pair
	}
	return t
}

// VenueSymbol returns the venue-specific symbol for a canonical pair.
func (t *Translator) VenueSymbol(pair string) (string, bool) {
	sym, ok := t.toVenue[pair]
	return sym, ok
}

// CanonicalPair returns the canonical pair for a venue-specific symbol.
func (t *Translator) CanonicalPair(symbol string) (string, bool) {
	pair, ok := t.toCanonical[symbol]
	return pair, ok
}

// Pairs returns every canonical pair the translator knows about.
func (t *Translator) Pairs() []string {
	pairs := make([]string, 0, len(t.toVenue))
	for pair := range t.toVenue {
		pairs = append(pairs, pair)
	}
	return pairs
}
