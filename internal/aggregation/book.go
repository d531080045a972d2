package aggregation

import (
	"marketbook/internal/types"

	"github.com/shopspring/decimal"
)

// Source is one venue's share of an aggregated level
type Source struct {
	Venue    string          `json:"venue"`
	Quantity decimal.Decimal `json:"quantity"`
}

// AggregatedLevel is the total quantity at a price across venues
type AggregatedLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Sources  []Source        `json:"sources"`
}

// AggregatedBook is a merged view, bids highest first and asks lowest
// first. Excluded lists venues left out because they were not Live; Stale
// lists venues that contributed anyway.
type AggregatedBook struct {
	Bids     []AggregatedLevel `json:"bids"`
	Asks     []AggregatedLevel `json:"asks"`
	Excluded []string          `json:"excluded,omitempty"`
	Stale    []string          `json:"stale,omitempty"`
}

var _ types.TopOfBook = AggregatedBook{}

// BestBidAsk returns the best aggregated prices when both sides exist
func (b AggregatedBook) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return b.Bids[0].Price, b.Asks[0].Price, true
}

// Depth returns up to n best levels of a side without attribution.
// types.AllLevels returns every level.
func (b AggregatedBook) Depth(side types.Side, n int) []types.PriceLevel {
	src := b.Bids
	if side == types.Ask {
		src = b.Asks
	}
	if n >= 0 && n < len(src) {
		src = src[:n]
	}
	levels := make([]types.PriceLevel, len(src))
	for i, l := range src {
		levels[i] = types.PriceLevel{Price: l.Price, Quantity: l.Quantity}
	}
	return levels
}

func bidLess(a, b types.PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
func askLess(a, b types.PriceLevel) bool { return a.Price.LessThan(b.Price) }

func aggBidLess(a, b *AggregatedLevel) bool { return a.Price.GreaterThan(b.Price) }
func aggAskLess(a, b *AggregatedLevel) bool { return a.Price.LessThan(b.Price) }
