package orderbook

import (
	"iter"
	"sync"

	"marketbook/internal/types"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const treeDegree = 32

// Update is a single price-level mutation
type Update struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Side     types.Side
}

// Book holds one venue's price levels. Bids iterate from the highest price,
// asks from the lowest. A Book has a single writer (its venue's reconciler);
// readers may call it from other goroutines.
type Book struct {
	mu    sync.RWMutex
	bids  *btree.BTreeG[types.PriceLevel]
	asks  *btree.BTreeG[types.PriceLevel]
	stale bool
}

var _ types.TopOfBook = (*Book)(nil)

// New creates an empty Book
func New() *Book {
	return &Book{
		bids: btree.NewG[types.PriceLevel](treeDegree, bidLess),
		asks: btree.NewG[types.PriceLevel](treeDegree, askLess),
	}
}

func bidLess(a, b types.PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
func askLess(a, b types.PriceLevel) bool { return a.Price.LessThan(b.Price) }

// ApplySnapshot replaces both sides with the given levels. Zero quantities
// are dropped and the stale flag is cleared.
func (b *Book) ApplySnapshot(bids, asks []types.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids.Clear(false)
	b.asks.Clear(false)
	for _, level := range bids {
		if level.Quantity.IsPositive() {
			b.bids.ReplaceOrInsert(level)
		}
	}
	for _, level := range asks {
		if level.Quantity.IsPositive() {
			b.asks.ReplaceOrInsert(level)
		}
	}
	b.stale = false
}

// ApplyUpdate inserts or replaces the level at price, or removes it when
// quantity is not positive. Removing an absent level is a no-op.
func (b *Book) ApplyUpdate(price, quantity decimal.Decimal, side types.Side) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apply(Update{Price: price, Quantity: quantity, Side: side})
}

// BatchUpdate applies updates in order, each exactly once.
func (b *Book) BatchUpdate(updates []Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range updates {
		b.apply(u)
	}
}

// apply must be called with the write lock held
func (b *Book) apply(u Update) {
	tree := b.tree(u.Side)
	if !u.Quantity.IsPositive() {
		tree.Delete(types.PriceLevel{Price: u.Price})
		return
	}
	tree.ReplaceOrInsert(types.PriceLevel{Price: u.Price, Quantity: u.Quantity})
}

func (b *Book) tree(side types.Side) *btree.BTreeG[types.PriceLevel] {
	if side == types.Bid {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest bid level
func (b *Book) BestBid() (types.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Min()
}

// BestAsk returns the lowest ask level
func (b *Book) BestAsk() (types.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// BestBidAsk returns the best prices. ok is false if either side is empty
// or the book is crossed; a crossed pair is never reported as valid.
func (b *Book) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bestBid, hasBid := b.bids.Min()
	bestAsk, hasAsk := b.asks.Min()
	if !hasBid || !hasAsk || !bestBid.Price.LessThan(bestAsk.Price) {
		return decimal.Zero, decimal.Zero, false
	}
	return bestBid.Price, bestAsk.Price, true
}

// Crossed reports whether both sides are non-empty and best bid >= best ask
func (b *Book) Crossed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bestBid, hasBid := b.bids.Min()
	bestAsk, hasAsk := b.asks.Min()
	return hasBid && hasAsk && !bestBid.Price.LessThan(bestAsk.Price)
}

// Depth yields up to n best levels of a side, best first. n == 0 yields
// nothing and types.AllLevels (any negative n) yields every level. Each iteration works on a copy-on-write clone taken when
// iteration starts, so the sequence can be ranged over repeatedly and the
// loop body may call back into the Book.
func (b *Book) Depth(side types.Side, n int) iter.Seq[types.PriceLevel] {
	return func(yield func(types.PriceLevel) bool) {
		// Clone mutates copy-on-write bookkeeping, so it needs the write lock.
		b.mu.Lock()
		tree := b.tree(side).Clone()
		b.mu.Unlock()

		if n == 0 {
			return
		}
		count := 0
		tree.Ascend(func(level types.PriceLevel) bool {
			if n >= 0 && count >= n {
				return false
			}
			count++
			return yield(level)
		})
	}
}

// Levels materializes Depth into a slice
func (b *Book) Levels(side types.Side, n int) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, max(n, 0))
	for level := range b.Depth(side, n) {
		levels = append(levels, level)
	}
	return levels
}

// Len returns the number of levels on a side
func (b *Book) Len(side types.Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree(side).Len()
}

// Clear empties both sides and flags the book as stale
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Clear(false)
	b.asks.Clear(false)
	b.stale = true
}

// MarkStale flags the book contents as no longer trustworthy
func (b *Book) MarkStale(stale bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stale = stale
}

// Stale reports whether the book is being served while a resync is pending
func (b *Book) Stale() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stale
}
