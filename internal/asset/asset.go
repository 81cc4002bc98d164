// Package asset handles price-feed symbol parsing and the registry of assets
// a contract may be written against.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bitforward/forward-engine/internal/model"
)

// Default supported collateral-currency price feeds.
var DefaultSymbols = []string{"USD", "CAD", "EUR", "GBP", "JPY", "CNY", "AUD"}

// symbolRegex matches an upper-case ASCII symbol, e.g. USD or BTCUSD.
var symbolRegex = regexp.MustCompile(`^[A-Z]{2,12}$`)

var ErrInvalidSymbol = errors.New("asset: invalid symbol format")

// ParseSymbol normalises and validates a symbol string.
func ParseSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}

// Registry is the fixed set of supported assets. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	symbols map[string]bool
}

// NewRegistry builds a registry from symbols. Invalid symbols are rejected.
func NewRegistry(symbols []string) (*Registry, error) {
	r := &Registry{symbols: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		sym, err := ParseSymbol(s)
		if err != nil {
			return nil, err
		}
		r.symbols[sym] = true
	}
	if len(r.symbols) == 0 {
		return nil, fmt.Errorf("%w: empty registry", ErrInvalidSymbol)
	}
	return r, nil
}

// Lookup returns the canonical symbol, or model.ErrAssetNotSupported.
func (r *Registry) Lookup(s string) (string, error) {
	sym, err := ParseSymbol(s)
	if err != nil || !r.symbols[sym] {
		return "", fmt.Errorf("%w: %s", model.ErrAssetNotSupported, s)
	}
	return sym, nil
}

// Supported reports whether s is in the registry.
func (r *Registry) Supported(s string) bool {
	_, err := r.Lookup(s)
	return err == nil
}

// Symbols returns the registry contents in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
