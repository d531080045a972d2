package aggregation

import (
	"sync"

	"marketbook/internal/types"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// Grouper buckets price levels by tick size for display
type Grouper struct {
	mu          sync.RWMutex
	currentTick types.TickLevel
}

var _ types.PriceGrouper = (*Grouper)(nil)

// NewGrouper creates a new Grouper instance
func NewGrouper(tick types.TickLevel) *Grouper {
	return &Grouper{
		currentTick: tick,
	}
}

// SetTickLevel updates the tick level for grouping
func (g *Grouper) SetTickLevel(tick types.TickLevel) {
	g.mu.Lock()
	g.currentTick = tick
	g.mu.Unlock()
}

// GetTickLevel returns the current tick level
func (g *Grouper) GetTickLevel() types.TickLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.currentTick
}

// GroupBids buckets bid levels by tick size (floors prices), best first
func (g *Grouper) GroupBids(levels []types.PriceLevel) []types.PriceLevel {
	return g.group(levels, g.roundToTickBid, bidLess)
}

// GroupAsks buckets ask levels by tick size (ceils prices), best first
func (g *Grouper) GroupAsks(levels []types.PriceLevel) []types.PriceLevel {
	return g.group(levels, g.roundToTickAsk, askLess)
}

func (g *Grouper) group(levels []types.PriceLevel, round func(decimal.Decimal) decimal.Decimal, less btree.LessFunc[types.PriceLevel]) []types.PriceLevel {
	if len(levels) == 0 {
		return levels
	}

	buckets := btree.NewG[types.PriceLevel](16, less)
	for _, level := range levels {
		bucket := types.PriceLevel{Price: round(level.Price), Quantity: level.Quantity}
		if existing, ok := buckets.Get(bucket); ok {
			bucket.Quantity = existing.Quantity.Add(level.Quantity)
		}
		buckets.ReplaceOrInsert(bucket)
	}

	grouped := make([]types.PriceLevel, 0, buckets.Len())
	buckets.Ascend(func(level types.PriceLevel) bool {
		grouped = append(grouped, level)
		return true
	})
	return grouped
}

func (g *Grouper) tickSize() decimal.Decimal {
	return decimal.NewFromFloat(float64(g.GetTickLevel()))
}

// roundToTickBid rounds a bid price DOWN to maintain proper spread
func (g *Grouper) roundToTickBid(price decimal.Decimal) decimal.Decimal {
	tickSize := g.tickSize()
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// roundToTickAsk rounds an ask price UP to maintain proper spread
func (g *Grouper) roundToTickAsk(price decimal.Decimal) decimal.Decimal {
	tickSize := g.tickSize()
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Ceil().Mul(tickSize)
}

// Cumulative returns running quantity totals for levels ordered best first
func Cumulative(levels []types.PriceLevel) []decimal.Decimal {
	totals := make([]decimal.Decimal, len(levels))
	running := decimal.Zero
	for i, level := range levels {
		running = running.Add(level.Quantity)
		totals[i] = running
	}
	return totals
}

// FilterLevels filters price levels based on best ask price to remove outliers
func FilterLevels(levels []types.PriceLevel, bestAsk decimal.Decimal, isBid bool) []types.PriceLevel {
	if bestAsk.IsZero() || !isBid {
		return levels
	}

	filtered := make([]types.PriceLevel, 0, len(levels))
	maxPrice := bestAsk.Mul(decimal.NewFromInt(2))
	minPrice := bestAsk.Mul(decimal.RequireFromString("0.2"))

	for _, level := range levels {
		if level.Price.LessThanOrEqual(maxPrice) && level.Price.GreaterThanOrEqual(minPrice) {
			filtered = append(filtered, level)
		}
	}
	return filtered
}
