package types

import (
	"github.com/shopspring/decimal"
)

// TickLevel represents available tick size options for price grouping
type TickLevel float64

const (
	Tick001 TickLevel = 0.01
	Tick01  TickLevel = 0.1
	Tick1   TickLevel = 1.0
	Tick10  TickLevel = 10.0
	Tick50  TickLevel = 50.0
	Tick100 TickLevel = 100.0
)

// AvailableTickLevels defines the available tick levels in order of precision
var AvailableTickLevels = []TickLevel{
	Tick001,
	Tick01,
	Tick1,
	Tick10,
	Tick50,
	Tick100,
}

// AllLevels asks a depth query for every level of a side
const AllLevels = -1

// Side identifies one side of the book
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// PriceLevel represents a single price level in the order book
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Stats holds liquidity information derived from a book
type Stats struct {
	BidLevels int
	AskLevels int
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Spread    decimal.Decimal

	// Liquidity depth metrics (in base asset units)
	BidLiquidity05Pct decimal.Decimal // Total bid size within 0.5% of mid
	AskLiquidity05Pct decimal.Decimal // Total ask size within 0.5% of mid
	BidLiquidity2Pct  decimal.Decimal // Total bid size within 2% of mid
	AskLiquidity2Pct  decimal.Decimal // Total ask size within 2% of mid
	BidLiquidity10Pct decimal.Decimal // Total bid size within 10% of mid
	AskLiquidity10Pct decimal.Decimal // Total ask size within 10% of mid

	// Liquidity imbalance (positive = more bids, negative = more asks)
	DeltaLiquidity05Pct decimal.Decimal
	DeltaLiquidity2Pct  decimal.Decimal
	DeltaLiquidity10Pct decimal.Decimal

	TotalBidsQty decimal.Decimal
	TotalAsksQty decimal.Decimal
	TotalDelta   decimal.Decimal
}

// IsValidTickLevel reports whether tick is one of AvailableTickLevels
func IsValidTickLevel(tick TickLevel) bool {
	for _, available := range AvailableTickLevels {
		if available == tick {
			return true
		}
	}
	return false
}

// GetNextTickLevel returns the next tick level in the sequence
func GetNextTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			// Return next tick level, or wrap around to first
			if i+1 < len(AvailableTickLevels) {
				return AvailableTickLevels[i+1]
			}
			return AvailableTickLevels[0]
		}
	}
	return AvailableTickLevels[0]
}

// GetPreviousTickLevel returns the previous tick level in the sequence
func GetPreviousTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			if i-1 >= 0 {
				return AvailableTickLevels[i-1]
			}
			return AvailableTickLevels[len(AvailableTickLevels)-1]
		}
	}
	return AvailableTickLevels[0]
}
