package upbit

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Universe is the set of tracked symbols. It is an immutable value handed to
// the gateway and fetcher at construction.
type Universe struct {
	symbols []string
}

// NewUniverse normalizes symbols to upper case, dropping blanks and duplicates.
func NewUniverse(symbols ...string) Universe {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return Universe{symbols: out}
}

// Symbols returns a copy of the tracked symbols.
func (u Universe) Symbols() []string {
	return slices.Clone(u.symbols)
}

func (u Universe) Len() int { return len(u.symbols) }

type marketLister interface {
	Markets(ctx context.Context) ([]Market, error)
}

// DiscoverUniverse builds a universe from every market quoted in quote,
// e.g. "KRW".
func DiscoverUniverse(ctx context.Context, api marketLister, quote string) (Universe, error) {
	markets, err := api.Markets(ctx)
	if err != nil {
		return Universe{}, fmt.Errorf("list markets: %w", err)
	}
	prefix := strings.ToUpper(quote) + "-"
	var symbols []string
	for _, m := range markets {
		if strings.HasPrefix(m.Market, prefix) {
			symbols = append(symbols, m.Market)
		}
	}
	if len(symbols) == 0 {
		return Universe{}, fmt.Errorf("no %s markets found", quote)
	}
	return NewUniverse(symbols...), nil
}
