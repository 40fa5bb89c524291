// Package symbol canonicalizes raw instrument identifiers into disambiguated
// keys. Spot and derivative listings of the same base asset must never map to
// the same key.
package symbol

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/newthinker/replay/internal/core"
)

// Common quote currencies in order of priority for detection
var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "USD", "BTC", "ETH", "BNB"}

// validPair matches normalized trading pairs
var validPair = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// product suffixes that appear inside raw exchange symbols
var productSuffixes = map[string]core.ProductType{
	"SWAP":    core.ProductSwap,
	"PERP":    core.ProductSwap,
	"FUTURES": core.ProductFutures,
}

// NormalizePair converts raw symbol spellings to the internal pair format.
// Input formats: "BTC-USDT", "btc/usdt", "BTCUSDT", "BTC-USDT-SWAP".
// Output: pair "BTCUSDT" plus the product type embedded in the raw symbol,
// if any.
func NormalizePair(input string) (pair string, embedded core.ProductType, ok bool) {
	if input == "" {
		return "", "", false
	}

	s := strings.ToUpper(input)
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "_", "-")

	// Peel a trailing product marker (OKX-style "BTC-USDT-SWAP").
	for suffix, product := range productSuffixes {
		if strings.HasSuffix(s, "-"+suffix) {
			s = strings.TrimSuffix(s, "-"+suffix)
			embedded = product
			break
		}
	}

	s = strings.ReplaceAll(s, "-", "")
	if !validPair.MatchString(s) {
		return "", "", false
	}

	// Require a recognizable quote so "BTC" alone is rejected rather than
	// guessed at.
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s, embedded, true
		}
	}
	return "", "", false
}

// Canonical builds the disambiguated instrument key from its parts:
// "BINANCE:BTCUSDT:SWAP". Deterministic and pure.
func Canonical(exchange, pair string, product core.ProductType) string {
	return fmt.Sprintf("%s:%s:%s",
		strings.ToUpper(exchange), strings.ToUpper(pair), strings.ToUpper(string(product)))
}

// Split is the inverse of Canonical.
func Split(key string) (exchange, pair string, product core.ProductType, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed canonical key: %q", key)
	}
	return parts[0], parts[1], core.ProductType(strings.ToLower(parts[2])), nil
}

// Resolver disambiguates raw symbols against the set of product types the
// catalog actually holds per (exchange, pair).
type Resolver struct {
	listings map[string][]core.ProductType // "EXCHANGE:PAIR" -> products with data
}

// NewResolver builds a resolver from catalog listings.
func NewResolver(listings map[string][]core.ProductType) *Resolver {
	return &Resolver{listings: listings}
}

// Resolve normalizes the raw symbol and returns the canonical key. When the
// caller supplies no product type the pair must be unambiguous in the catalog;
// otherwise resolution fails with suggestions naming the candidates.
func (r *Resolver) Resolve(exchange, raw string, product core.ProductType) (string, error) {
	pair, embedded, ok := NormalizePair(raw)
	if !ok {
		return "", core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unrecognized symbol %q", raw))
	}

	if product == "" {
		product = embedded
	} else if embedded != "" && embedded != product {
		return "", core.WrapError(core.ErrSymbolAmbiguous,
			fmt.Errorf("symbol %q embeds product type %s but request says %s", raw, embedded, product))
	}

	if product != "" {
		if !product.IsValid() {
			return "", core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("unknown product type %q", product))
		}
		return Canonical(exchange, pair, product), nil
	}

	candidates := r.listings[strings.ToUpper(exchange)+":"+pair]
	switch len(candidates) {
	case 0:
		// Nothing listed; default to spot and let availability validation
		// surface the shortage with suggestions.
		return Canonical(exchange, pair, core.ProductSpot), nil
	case 1:
		return Canonical(exchange, pair, candidates[0]), nil
	}

	suggestions := make([]string, 0, len(candidates))
	for _, c := range candidates {
		suggestions = append(suggestions, fmt.Sprintf("set product_type=%s", c))
	}
	sort.Strings(suggestions)
	return "", core.ErrSymbolAmbiguous.WithSuggestions(suggestions...)
}
