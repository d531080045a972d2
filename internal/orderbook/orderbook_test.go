package orderbook

import (
	"fmt"
	"testing"

	"marketbook/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, qty string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Quantity: d(qty)}
}

func prices(levels []types.PriceLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func TestApplySnapshotRoundTrip(t *testing.T) {
	book := New()
	book.ApplySnapshot(
		[]types.PriceLevel{lvl("99", "1"), lvl("100", "2"), lvl("98.5", "0"), lvl("97", "4")},
		[]types.PriceLevel{lvl("103", "1"), lvl("101", "2"), lvl("102", "0")},
	)

	assert.Equal(t, []string{"100", "99", "97"}, prices(book.Levels(types.Bid, types.AllLevels)))
	assert.Equal(t, []string{"101", "103"}, prices(book.Levels(types.Ask, types.AllLevels)))
	assert.Equal(t, 3, book.Len(types.Bid))
	assert.Equal(t, 2, book.Len(types.Ask))
}

func TestApplySnapshotReplacesAndClearsStale(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("50", "1")}, []types.PriceLevel{lvl("60", "1")})
	book.MarkStale(true)
	require.True(t, book.Stale())

	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1")}, []types.PriceLevel{lvl("101", "1")})

	assert.False(t, book.Stale())
	assert.Equal(t, []string{"100"}, prices(book.Levels(types.Bid, types.AllLevels)))
	assert.Equal(t, []string{"101"}, prices(book.Levels(types.Ask, types.AllLevels)))
}

func TestApplyUpdateReplacesQuantity(t *testing.T) {
	book := New()
	book.ApplyUpdate(d("100"), d("1"), types.Bid)
	book.ApplyUpdate(d("100"), d("3.5"), types.Bid)

	best, ok := book.BestBid()
	require.True(t, ok)
	assert.True(t, best.Quantity.Equal(d("3.5")))
	assert.Equal(t, 1, book.Len(types.Bid))
}

func TestApplyUpdateTrailingZerosSameLevel(t *testing.T) {
	book := New()
	book.ApplyUpdate(d("100.50"), d("1"), types.Ask)
	book.ApplyUpdate(d("100.5"), d("2"), types.Ask)

	assert.Equal(t, 1, book.Len(types.Ask))
}

func TestZeroQuantityOnAbsentLevelIsNoop(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1")}, []types.PriceLevel{lvl("101", "1")})

	before := book.Levels(types.Bid, types.AllLevels)
	book.ApplyUpdate(d("95"), decimal.Zero, types.Bid)
	book.ApplyUpdate(d("95"), decimal.Zero, types.Bid)

	assert.Equal(t, before, book.Levels(types.Bid, types.AllLevels))
}

func TestRemovingLastBidLeavesNoValidTopOfBook(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1")}, []types.PriceLevel{lvl("101", "1")})

	book.ApplyUpdate(d("100"), decimal.Zero, types.Bid)

	assert.Equal(t, 0, book.Len(types.Bid))
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(d("101")))
	assert.True(t, ask.Quantity.Equal(d("1")))

	_, _, ok = book.BestBidAsk()
	assert.False(t, ok)
}

func TestBatchUpdateAppliesInOrder(t *testing.T) {
	book := New()
	book.BatchUpdate([]Update{
		{Price: d("100"), Quantity: d("1"), Side: types.Bid},
		{Price: d("100"), Quantity: decimal.Zero, Side: types.Bid},
		{Price: d("100"), Quantity: d("7"), Side: types.Bid},
		{Price: d("105"), Quantity: d("2"), Side: types.Ask},
	})

	best, ok := book.BestBid()
	require.True(t, ok)
	assert.True(t, best.Quantity.Equal(d("7")))
	assert.Equal(t, 1, book.Len(types.Ask))
}

func TestCrossedBookIsNeverReportedValid(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1")}, []types.PriceLevel{lvl("101", "1")})

	bid, ask, ok := book.BestBidAsk()
	require.True(t, ok)
	assert.True(t, bid.LessThan(ask))
	assert.False(t, book.Crossed())

	book.ApplyUpdate(d("101"), d("1"), types.Bid)

	assert.True(t, book.Crossed())
	_, _, ok = book.BestBidAsk()
	assert.False(t, ok)
}

func TestDepthLimitsAndRestarts(t *testing.T) {
	book := New()
	for i := 0; i < 10; i++ {
		book.ApplyUpdate(decimal.NewFromInt(int64(100+i)), d("1"), types.Ask)
	}

	seq := book.Depth(types.Ask, 3)
	first := make([]string, 0, 3)
	for level := range seq {
		first = append(first, level.Price.String())
	}
	second := make([]string, 0, 3)
	for level := range seq {
		second = append(second, level.Price.String())
	}

	assert.Equal(t, []string{"100", "101", "102"}, first)
	assert.Equal(t, first, second)
	assert.Len(t, book.Levels(types.Ask, types.AllLevels), 10)
	assert.Len(t, book.Levels(types.Ask, 50), 10)
}

func TestDepthZeroYieldsNothing(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1"), lvl("99", "1")}, []types.PriceLevel{lvl("101", "1")})

	for range book.Depth(types.Bid, 0) {
		t.Fatal("expected no levels for n == 0")
	}
	assert.Empty(t, book.Levels(types.Ask, 0))
	assert.Len(t, book.Levels(types.Bid, types.AllLevels), 2)
}

func TestDepthEarlyBreakAndReentry(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1"), lvl("99", "1")}, nil)

	for level := range book.Depth(types.Bid, types.AllLevels) {
		// the loop body may write to the book it iterates
		book.ApplyUpdate(level.Price, decimal.Zero, types.Bid)
		break
	}

	assert.Equal(t, []string{"99"}, prices(book.Levels(types.Bid, types.AllLevels)))
}

func TestClearMarksStale(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1")}, []types.PriceLevel{lvl("101", "1")})
	book.Clear()

	assert.True(t, book.Stale())
	assert.Equal(t, 0, book.Len(types.Bid))
	assert.Equal(t, 0, book.Len(types.Ask))
}

func TestStats(t *testing.T) {
	book := New()
	book.ApplySnapshot(
		[]types.PriceLevel{lvl("100", "1"), lvl("99", "2"), lvl("80", "4")},
		[]types.PriceLevel{lvl("102", "1"), lvl("103", "3"), lvl("150", "5")},
	)

	stats := book.Stats()

	assert.Equal(t, 3, stats.BidLevels)
	assert.Equal(t, 3, stats.AskLevels)
	assert.True(t, stats.Spread.Equal(d("2")))
	// mid 101: 0.5% band is [100.495, 101.505]
	assert.True(t, stats.BidLiquidity05Pct.IsZero())
	assert.True(t, stats.AskLiquidity05Pct.IsZero())
	// 2% band is [98.98, 103.02]
	assert.True(t, stats.BidLiquidity2Pct.Equal(d("3")))
	assert.True(t, stats.AskLiquidity2Pct.Equal(d("4")))
	assert.True(t, stats.DeltaLiquidity2Pct.Equal(d("-1")))
	assert.True(t, stats.TotalBidsQty.Equal(d("7")))
	assert.True(t, stats.TotalAsksQty.Equal(d("9")))
	assert.True(t, stats.TotalDelta.Equal(d("-2")))
}

func TestStatsOneSided(t *testing.T) {
	book := New()
	book.ApplySnapshot([]types.PriceLevel{lvl("100", "1")}, nil)

	stats := book.Stats()
	assert.True(t, stats.BestBid.Equal(d("100")))
	assert.True(t, stats.Spread.IsZero())
}

func BenchmarkApplyUpdate(b *testing.B) {
	book := New()
	updates := make([]decimal.Decimal, 1000)
	for i := range updates {
		updates[i] = decimal.RequireFromString(fmt.Sprintf("%d.%02d", 50000+i/100, i%100))
	}
	qty := decimal.NewFromInt(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		book.ApplyUpdate(updates[i%len(updates)], qty, types.Bid)
	}
}

func BenchmarkDepth(b *testing.B) {
	book := New()
	for i := 0; i < 5000; i++ {
		book.ApplyUpdate(decimal.NewFromInt(int64(50000+i)), decimal.NewFromInt(1), types.Ask)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for range book.Depth(types.Ask, 20) {
		}
	}
}
