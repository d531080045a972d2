package orderbook

import (
	"marketbook/internal/types"

	"github.com/shopspring/decimal"
)

var (
	two   = decimal.NewFromInt(2)
	pct05 = decimal.RequireFromString("0.005")
	pct2  = decimal.RequireFromString("0.02")
	pct10 = decimal.RequireFromString("0.10")
)

// Stats computes spread and liquidity depth around the mid price
func (b *Book) Stats() types.Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := types.Stats{
		BidLevels: b.bids.Len(),
		AskLevels: b.asks.Len(),
	}

	bestBid, hasBid := b.bids.Min()
	bestAsk, hasAsk := b.asks.Min()
	if hasBid {
		stats.BestBid = bestBid.Price
	}
	if hasAsk {
		stats.BestAsk = bestAsk.Price
	}
	if !hasBid || !hasAsk {
		return stats
	}
	if bestAsk.Price.GreaterThan(bestBid.Price) {
		stats.Spread = bestAsk.Price.Sub(bestBid.Price)
	}

	midPrice := bestBid.Price.Add(bestAsk.Price).Div(two)

	minBid05Pct := midPrice.Sub(midPrice.Mul(pct05))
	minBid2Pct := midPrice.Sub(midPrice.Mul(pct2))
	minBid10Pct := midPrice.Sub(midPrice.Mul(pct10))

	b.bids.Ascend(func(level types.PriceLevel) bool {
		stats.TotalBidsQty = stats.TotalBidsQty.Add(level.Quantity)
		if level.Price.GreaterThanOrEqual(minBid05Pct) {
			stats.BidLiquidity05Pct = stats.BidLiquidity05Pct.Add(level.Quantity)
		}
		if level.Price.GreaterThanOrEqual(minBid2Pct) {
			stats.BidLiquidity2Pct = stats.BidLiquidity2Pct.Add(level.Quantity)
		}
		if level.Price.GreaterThanOrEqual(minBid10Pct) {
			stats.BidLiquidity10Pct = stats.BidLiquidity10Pct.Add(level.Quantity)
		}
		return true
	})

	maxAsk05Pct := midPrice.Add(midPrice.Mul(pct05))
	maxAsk2Pct := midPrice.Add(midPrice.Mul(pct2))
	maxAsk10Pct := midPrice.Add(midPrice.Mul(pct10))

	b.asks.Ascend(func(level types.PriceLevel) bool {
		stats.TotalAsksQty = stats.TotalAsksQty.Add(level.Quantity)
		if level.Price.LessThanOrEqual(maxAsk05Pct) {
			stats.AskLiquidity05Pct = stats.AskLiquidity05Pct.Add(level.Quantity)
		}
		if level.Price.LessThanOrEqual(maxAsk2Pct) {
			stats.AskLiquidity2Pct = stats.AskLiquidity2Pct.Add(level.Quantity)
		}
		if level.Price.LessThanOrEqual(maxAsk10Pct) {
			stats.AskLiquidity10Pct = stats.AskLiquidity10Pct.Add(level.Quantity)
		}
		return true
	})

	// positive = more bid liquidity
	stats.DeltaLiquidity05Pct = stats.BidLiquidity05Pct.Sub(stats.AskLiquidity05Pct)
	stats.DeltaLiquidity2Pct = stats.BidLiquidity2Pct.Sub(stats.AskLiquidity2Pct)
	stats.DeltaLiquidity10Pct = stats.BidLiquidity10Pct.Sub(stats.AskLiquidity10Pct)
	stats.TotalDelta = stats.TotalBidsQty.Sub(stats.TotalAsksQty)

	return stats
}
