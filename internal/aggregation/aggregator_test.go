package aggregation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"marketbook/internal/reconciler"
	"marketbook/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, qty string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Quantity: d(qty)}
}

func liveVenue(t *testing.T, agg *VenueAggregator, cfg VenueConfig, bids, asks []types.PriceLevel) *Venue {
	t.Helper()
	v, err := agg.AddVenue(cfg)
	require.NoError(t, err)
	v.Book().ApplySnapshot(bids, asks)
	v.SetState(reconciler.Live)
	return v
}

func TestTwoVenuesMergeDistinctLevels(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	liveVenue(t, agg, VenueConfig{Name: "test-merge-a"},
		[]types.PriceLevel{lvl("100", "2")}, []types.PriceLevel{lvl("101", "2")})
	liveVenue(t, agg, VenueConfig{Name: "test-merge-b"},
		[]types.PriceLevel{lvl("99.5", "3")}, []types.PriceLevel{lvl("101.5", "3")})

	book := agg.AggregatedBook()

	require.Len(t, book.Bids, 2)
	assert.True(t, book.Bids[0].Price.Equal(d("100")))
	assert.True(t, book.Bids[0].Quantity.Equal(d("2")))
	assert.True(t, book.Bids[1].Price.Equal(d("99.5")))
	assert.True(t, book.Bids[1].Quantity.Equal(d("3")))
	require.Len(t, book.Asks, 2)
	assert.True(t, book.Asks[0].Price.Equal(d("101")))
	assert.True(t, book.Asks[1].Price.Equal(d("101.5")))
	assert.Empty(t, book.Excluded)

	bid, ask, ok := book.BestBidAsk()
	require.True(t, ok)
	assert.True(t, bid.Equal(d("100")))
	assert.True(t, ask.Equal(d("101")))
}

func TestAggregatedDepthLimits(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	liveVenue(t, agg, VenueConfig{Name: "test-depth"},
		[]types.PriceLevel{lvl("100", "1"), lvl("99", "1"), lvl("98", "1")}, []types.PriceLevel{lvl("101", "1")})

	book := agg.AggregatedBook()

	assert.Empty(t, book.Depth(types.Bid, 0))
	bids := book.Depth(types.Bid, 2)
	require.Len(t, bids, 2)
	assert.True(t, bids[1].Price.Equal(d("99")))
	assert.Len(t, book.Depth(types.Bid, types.AllLevels), 3)
	assert.Len(t, book.Depth(types.Ask, 10), 1)
}

func TestSamePriceSumsWithSources(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	liveVenue(t, agg, VenueConfig{Name: "test-sum-a"}, []types.PriceLevel{lvl("100.00", "1")}, nil)
	liveVenue(t, agg, VenueConfig{Name: "test-sum-b"}, []types.PriceLevel{lvl("100", "2.5")}, nil)

	book := agg.AggregatedBook()

	require.Len(t, book.Bids, 1)
	assert.True(t, book.Bids[0].Quantity.Equal(d("3.5")))
	require.Len(t, book.Bids[0].Sources, 2)
	assert.Equal(t, "test-sum-a", book.Bids[0].Sources[0].Venue)
	assert.True(t, book.Bids[0].Sources[1].Quantity.Equal(d("2.5")))

	qty, err := agg.VolumeFromVenue(d("100"), types.Bid, "test-sum-b")
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("2.5")))

	qty, err = agg.VolumeFromVenue(d("99"), types.Bid, "test-sum-b")
	require.NoError(t, err)
	assert.True(t, qty.IsZero())
}

func TestNonLiveVenuesExcluded(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	liveVenue(t, agg, VenueConfig{Name: "test-excl-live"}, []types.PriceLevel{lvl("100", "1")}, nil)
	resync := liveVenue(t, agg, VenueConfig{Name: "test-excl-resync"}, []types.PriceLevel{lvl("105", "1")}, nil)
	resync.SetState(reconciler.Resyncing)
	resync.Book().MarkStale(true)
	failed := liveVenue(t, agg, VenueConfig{Name: "test-excl-failed"}, []types.PriceLevel{lvl("104", "1")}, nil)
	failed.SetState(reconciler.Failed)

	book := agg.AggregatedBook()

	require.Len(t, book.Bids, 1)
	assert.True(t, book.Bids[0].Price.Equal(d("100")))
	assert.Equal(t, []string{"test-excl-resync", "test-excl-failed"}, book.Excluded)
	assert.Empty(t, book.Stale)
}

func TestIncludeStaleFlagsContributors(t *testing.T) {
	agg := NewVenueAggregator(Options{IncludeStale: true})
	liveVenue(t, agg, VenueConfig{Name: "test-stale-live"}, []types.PriceLevel{lvl("100", "1")}, nil)
	gap := liveVenue(t, agg, VenueConfig{Name: "test-stale-gap"}, []types.PriceLevel{lvl("99", "1")}, nil)
	gap.SetState(reconciler.GapDetected)

	book := agg.AggregatedBook()

	assert.Len(t, book.Bids, 2)
	assert.Equal(t, []string{"test-stale-gap"}, book.Stale)
	assert.Empty(t, book.Excluded)
}

func TestUSDVenueConvertedToUSDT(t *testing.T) {
	agg := NewVenueAggregator(Options{Precision: 2})
	agg.SetUSDTRate(d("0.99"))
	liveVenue(t, agg, VenueConfig{Name: "test-usd", Denomination: USD}, []types.PriceLevel{lvl("100", "1")}, nil)
	liveVenue(t, agg, VenueConfig{Name: "test-usdt"}, []types.PriceLevel{lvl("99", "1")}, nil)

	book := agg.AggregatedBook()

	require.Len(t, book.Bids, 1)
	assert.True(t, book.Bids[0].Price.Equal(d("99")))
	assert.True(t, book.Bids[0].Quantity.Equal(d("2")))

	qty, err := agg.VolumeFromVenue(d("100"), types.Bid, "test-usd")
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("1")))

	// non-positive rates are ignored
	agg.SetUSDTRate(decimal.Zero)
	assert.True(t, agg.USDTRate().Equal(d("0.99")))
}

func TestAggregatorPrecisionTruncates(t *testing.T) {
	agg := NewVenueAggregator(Options{Precision: 1})
	liveVenue(t, agg, VenueConfig{Name: "test-prec-a"}, []types.PriceLevel{lvl("100.04", "1")}, nil)
	liveVenue(t, agg, VenueConfig{Name: "test-prec-b"}, []types.PriceLevel{lvl("100.01", "1")}, nil)

	book := agg.AggregatedBook()
	require.Len(t, book.Bids, 1)
	assert.True(t, book.Bids[0].Price.Equal(d("100")))
}

func TestUnknownAndDuplicateVenue(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	_, err := agg.AddVenue(VenueConfig{Name: "test-dup"})
	require.NoError(t, err)

	_, err = agg.AddVenue(VenueConfig{Name: "test-dup"})
	assert.ErrorIs(t, err, ErrDuplicateVenue)

	err = agg.UpdateOrderbook("nope", d("1"), d("1"), types.Bid)
	assert.ErrorIs(t, err, ErrUnknownVenue)

	err = agg.RecordMetrics("nope", time.Millisecond, d("1"), d("2"))
	assert.ErrorIs(t, err, ErrUnknownVenue)

	_, err = agg.VolumeFromVenue(d("1"), types.Bid, "nope")
	assert.ErrorIs(t, err, ErrUnknownVenue)

	assert.ErrorIs(t, agg.Remove("nope"), ErrUnknownVenue)
	require.NoError(t, agg.Remove("test-dup"))
	assert.Empty(t, agg.Venues())
}

func TestUpdateOrderbookRoutesToVenue(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	a, err := agg.AddVenue(VenueConfig{Name: "test-route-a", Precision: 2})
	require.NoError(t, err)
	b, err := agg.AddVenue(VenueConfig{Name: "test-route-b"})
	require.NoError(t, err)

	require.NoError(t, agg.UpdateOrderbook("test-route-a", d("100.129"), d("1"), types.Ask))

	best, ok := a.Book().BestAsk()
	require.True(t, ok)
	assert.True(t, best.Price.Equal(d("100.12")))
	assert.Equal(t, 0, b.Book().Len(types.Ask))
}

func TestRecordMetricsRollingAverage(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	v, err := agg.AddVenue(VenueConfig{Name: "test-record"})
	require.NoError(t, err)

	require.NoError(t, agg.RecordMetrics("test-record", 10*time.Millisecond, d("100"), d("101")))
	require.NoError(t, agg.RecordMetrics("test-record", 20*time.Millisecond, d("100"), d("102")))

	snap := v.Metrics().Snapshot()
	assert.Equal(t, 15*time.Millisecond, snap.AvgLatency)
	assert.Equal(t, 20*time.Millisecond, snap.MaxLatency)
	assert.True(t, snap.BestAsk.Equal(d("102")))
}

func TestMetricsRowsIncludeAggregated(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	liveVenue(t, agg, VenueConfig{Name: "test-rows-a"}, []types.PriceLevel{lvl("100", "1")}, []types.PriceLevel{lvl("102", "1")})
	liveVenue(t, agg, VenueConfig{Name: "test-rows-b"}, []types.PriceLevel{lvl("100.5", "1")}, []types.PriceLevel{lvl("101", "1")})

	rows := agg.MetricsRows()

	require.Len(t, rows, 3)
	assert.Equal(t, "test-rows-a", rows[0].Venue)
	last := rows[2]
	assert.Equal(t, AggregatedRow, last.Venue)
	assert.True(t, last.Metrics.BestBid.Equal(d("100.5")))
	assert.True(t, last.Metrics.BestAsk.Equal(d("101")))
}

func TestMetricsRowsWithoutAggregatedTop(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	liveVenue(t, agg, VenueConfig{Name: "test-rows-onesided"}, []types.PriceLevel{lvl("100", "1")}, nil)

	rows := agg.MetricsRows()
	require.Len(t, rows, 1)
}

func TestHealth(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	liveVenue(t, agg, VenueConfig{Name: "test-health-live"}, nil, nil)
	v, err := agg.AddVenue(VenueConfig{Name: "test-health-resync"})
	require.NoError(t, err)
	v.SetState(reconciler.Resyncing)
	v.Book().MarkStale(true)

	health := agg.Health()

	require.Len(t, health, 2)
	assert.True(t, health[0].Healthy)
	assert.Equal(t, "Live", health[0].State)
	assert.False(t, health[1].Healthy)
	assert.True(t, health[1].Stale)
	assert.Equal(t, "Resyncing", health[1].State)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	agg := NewVenueAggregator(Options{})
	names := []string{"test-conc-a", "test-conc-b", "test-conc-c"}
	for _, name := range names {
		liveVenue(t, agg, VenueConfig{Name: name}, nil, nil)
	}

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(offset int, venue string) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				price := decimal.NewFromInt(int64(1000 + offset*10 + j%10))
				_ = agg.UpdateOrderbook(venue, price, decimal.NewFromInt(1), types.Ask)
			}
		}(i, name)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			_ = agg.AggregatedBook()
		}
	}()
	wg.Wait()

	book := agg.AggregatedBook()
	assert.Len(t, book.Asks, 30)
}

func BenchmarkAggregatedBook(b *testing.B) {
	agg := NewVenueAggregator(Options{})
	for i := 0; i < 4; i++ {
		v, _ := agg.AddVenue(VenueConfig{Name: fmt.Sprintf("bench-%d", i)})
		for j := 0; j < 500; j++ {
			v.Book().ApplyUpdate(decimal.NewFromInt(int64(50000-j)), decimal.NewFromInt(1), types.Bid)
			v.Book().ApplyUpdate(decimal.NewFromInt(int64(50001+j)), decimal.NewFromInt(1), types.Ask)
		}
		v.SetState(reconciler.Live)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.AggregatedBook()
	}
}
