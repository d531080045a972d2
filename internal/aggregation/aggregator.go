// Package aggregation merges per-venue books into one consolidated view
// and groups levels by tick size for display.
package aggregation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"marketbook/internal/metrics"
	"marketbook/internal/reconciler"
	"marketbook/internal/types"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownVenue   = errors.New("unknown venue")
	ErrDuplicateVenue = errors.New("venue already registered")
)

// AggregatedRow is the name of the synthetic metrics row
const AggregatedRow = "Aggregated"

// Options configures a VenueAggregator
type Options struct {
	// Precision of merged prices; zero selects the default
	Precision int32
	// IncludeStale lets venues that are not Live contribute, flagged in
	// AggregatedBook.Stale instead of being excluded.
	IncludeStale bool
}

// VenueAggregator owns the venues and merges their books on demand. Each
// venue's book is written only by its reconciler; the aggregator only reads.
type VenueAggregator struct {
	mu           sync.RWMutex
	venues       map[string]*Venue
	order        []string
	quantizer    types.Quantizer
	includeStale bool
	usdtRate     decimal.Decimal
}

func NewVenueAggregator(opts Options) *VenueAggregator {
	if opts.Precision <= 0 {
		opts.Precision = types.DefaultPrecision
	}
	return &VenueAggregator{
		venues:       make(map[string]*Venue),
		quantizer:    types.NewQuantizer(opts.Precision),
		includeStale: opts.IncludeStale,
		usdtRate:     decimal.NewFromInt(1),
	}
}

// AddVenue registers a venue with a fresh book and metrics
func (a *VenueAggregator) AddVenue(cfg VenueConfig) (*Venue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.venues[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateVenue, cfg.Name)
	}
	v := newVenue(cfg)
	a.venues[cfg.Name] = v
	a.order = append(a.order, cfg.Name)
	return v, nil
}

// Venue looks up a registered venue
func (a *VenueAggregator) Venue(name string) (*Venue, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	v, ok := a.venues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return v, nil
}

// Remove drops a venue permanently
func (a *VenueAggregator) Remove(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.venues[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	delete(a.venues, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return nil
}

// Venues returns the registered venues in registration order
func (a *VenueAggregator) Venues() []*Venue {
	a.mu.RLock()
	defer a.mu.RUnlock()

	venues := make([]*Venue, 0, len(a.order))
	for _, name := range a.order {
		venues = append(venues, a.venues[name])
	}
	return venues
}

// UpdateOrderbook routes one level change to the named venue's book. The
// price is quantized with the venue's precision.
func (a *VenueAggregator) UpdateOrderbook(venue string, price, quantity decimal.Decimal, side types.Side) error {
	v, err := a.Venue(venue)
	if err != nil {
		return err
	}
	v.book.ApplyUpdate(v.quantizer.Quantize(price), quantity, side)
	return nil
}

// RecordMetrics folds one observed update latency and top of book into a
// venue's metrics.
func (a *VenueAggregator) RecordMetrics(venue string, latency time.Duration, bestBid, bestAsk decimal.Decimal) error {
	v, err := a.Venue(venue)
	if err != nil {
		return err
	}
	v.metrics.RecordUpdate(latency)
	v.metrics.SetPrices(bestBid, bestAsk)
	return nil
}

// SetUSDTRate sets how many USDT one USD buys. USD-denominated venue
// prices are multiplied by it before merging.
func (a *VenueAggregator) SetUSDTRate(rate decimal.Decimal) {
	if !rate.IsPositive() {
		return
	}
	a.mu.Lock()
	a.usdtRate = rate
	a.mu.Unlock()
}

func (a *VenueAggregator) USDTRate() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usdtRate
}

// normalize converts a venue price to the merged grid
func (a *VenueAggregator) normalize(price decimal.Decimal, denomination Denomination, rate decimal.Decimal) decimal.Decimal {
	if denomination == USD {
		price = price.Mul(rate)
	}
	return a.quantizer.Quantize(price)
}

// AggregatedBook recomputes the merged book from every venue's current
// levels.
func (a *VenueAggregator) AggregatedBook() AggregatedBook {
	venues := a.Venues()
	rate := a.USDTRate()

	bids := btree.NewG[*AggregatedLevel](16, aggBidLess)
	asks := btree.NewG[*AggregatedLevel](16, aggAskLess)
	var result AggregatedBook

	for _, v := range venues {
		live := v.State().Healthy() && !v.book.Stale()
		if !live {
			if !a.includeStale {
				result.Excluded = append(result.Excluded, v.name)
				continue
			}
			result.Stale = append(result.Stale, v.name)
		}

		for level := range v.book.Depth(types.Bid, types.AllLevels) {
			a.merge(bids, v, level, rate)
		}
		for level := range v.book.Depth(types.Ask, types.AllLevels) {
			a.merge(asks, v, level, rate)
		}
	}

	result.Bids = flatten(bids)
	result.Asks = flatten(asks)
	return result
}

func (a *VenueAggregator) merge(tree *btree.BTreeG[*AggregatedLevel], v *Venue, level types.PriceLevel, rate decimal.Decimal) {
	price := a.normalize(level.Price, v.denomination, rate)
	agg, ok := tree.Get(&AggregatedLevel{Price: price})
	if !ok {
		agg = &AggregatedLevel{Price: price}
		tree.ReplaceOrInsert(agg)
	}
	agg.Quantity = agg.Quantity.Add(level.Quantity)
	for i := range agg.Sources {
		if agg.Sources[i].Venue == v.name {
			agg.Sources[i].Quantity = agg.Sources[i].Quantity.Add(level.Quantity)
			return
		}
	}
	agg.Sources = append(agg.Sources, Source{Venue: v.name, Quantity: level.Quantity})
}

func flatten(tree *btree.BTreeG[*AggregatedLevel]) []AggregatedLevel {
	levels := make([]AggregatedLevel, 0, tree.Len())
	tree.Ascend(func(l *AggregatedLevel) bool {
		levels = append(levels, *l)
		return true
	})
	return levels
}

// VolumeFromVenue returns the quantity one venue contributes at a price
// quoted in that venue's own denomination.
func (a *VenueAggregator) VolumeFromVenue(price decimal.Decimal, side types.Side, venue string) (decimal.Decimal, error) {
	v, err := a.Venue(venue)
	if err != nil {
		return decimal.Zero, err
	}
	target := a.normalize(price, v.denomination, a.USDTRate())

	book := a.AggregatedBook()
	levels := book.Bids
	if side == types.Ask {
		levels = book.Asks
	}
	for _, level := range levels {
		if !level.Price.Equal(target) {
			continue
		}
		for _, src := range level.Sources {
			if src.Venue == venue {
				return src.Quantity, nil
			}
		}
		break
	}
	return decimal.Zero, nil
}

// MetricsRow is one line of the venue status table
type MetricsRow struct {
	Venue   string
	State   reconciler.State
	Metrics metrics.Snapshot
}

// MetricsRows returns one row per venue, plus an AggregatedRow carrying the
// merged top of book when both sides exist.
func (a *VenueAggregator) MetricsRows() []MetricsRow {
	venues := a.Venues()
	rows := make([]MetricsRow, 0, len(venues)+1)
	for _, v := range venues {
		rows = append(rows, MetricsRow{Venue: v.name, State: v.State(), Metrics: v.metrics.Snapshot()})
	}

	if bid, ask, ok := a.AggregatedBook().BestBidAsk(); ok {
		rows = append(rows, MetricsRow{
			Venue: AggregatedRow,
			State: reconciler.Live,
			Metrics: metrics.Snapshot{
				Venue:      AggregatedRow,
				BestBid:    bid,
				BestAsk:    ask,
				HasPrices:  true,
				LastUpdate: time.Now(),
			},
		})
	}
	return rows
}

// Health reports every venue's status in registration order
func (a *VenueAggregator) Health() []VenueHealth {
	venues := a.Venues()
	health := make([]VenueHealth, len(venues))
	for i, v := range venues {
		health[i] = v.Health()
	}
	return health
}
