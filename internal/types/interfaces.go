package types

import (
	"github.com/shopspring/decimal"
)

// PriceGrouper defines the interface for tick-size grouping of price levels
type PriceGrouper interface {
	// SetTickLevel updates the tick level for grouping
	SetTickLevel(tick TickLevel)

	// GetTickLevel returns the current tick level
	GetTickLevel() TickLevel

	// GroupBids buckets bid price levels
	GroupBids(levels []PriceLevel) []PriceLevel

	// GroupAsks buckets ask price levels
	GroupAsks(levels []PriceLevel) []PriceLevel
}

// TopOfBook is implemented by anything that can report its best prices
type TopOfBook interface {
	// BestBidAsk returns the best bid and ask prices. ok is false when a side is empty.
	BestBidAsk() (bid, ask decimal.Decimal, ok bool)
}
