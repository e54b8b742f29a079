package source

import (
	"fmt"
	"strings"

	"filingwatch/internal/domain"
)

// Market identifiers used by the registry.
const (
	MarketUS = "US"
	MarketIN = "IN"
)

// MarketForTicker derives the market a ticker trades on. Suffixed tickers
// follow the exchange convention (".NS"/".BO" for Indian listings);
// everything else is treated as a US listing.
func MarketForTicker(ticker string) string {
	upper := strings.ToUpper(ticker)
	switch {
	case strings.HasSuffix(upper, ".NS"), strings.HasSuffix(upper, ".BO"):
		return MarketIN
	default:
		return MarketUS
	}
}

// Registry partitions tickers by market and resolves the filing source
// bound to each market.
type Registry struct {
	sources map[string]domain.FilingSource
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]domain.FilingSource)}
}

// Register binds a filing source to a market, replacing any previous one.
func (r *Registry) Register(market string, src domain.FilingSource) {
	r.sources[market] = src
}

// GroupByMarket partitions tickers into per-market groups. Each ticker
// lands in exactly one group and relative order within a group is
// preserved.
func (r *Registry) GroupByMarket(tickers []string) map[string][]string {
	groups := make(map[string][]string)
	for _, ticker := range tickers {
		market := MarketForTicker(ticker)
		groups[market] = append(groups[market], ticker)
	}
	return groups
}

// Client resolves the filing source for a ticker's market.
func (r *Registry) Client(ticker string) (domain.FilingSource, error) {
	return r.MarketClient(MarketForTicker(ticker))
}

// MarketClient resolves the filing source registered for a market.
func (r *Registry) MarketClient(market string) (domain.FilingSource, error) {
	src, ok := r.sources[market]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", market, domain.ErrUnknownMarket)
	}
	return src, nil
}
