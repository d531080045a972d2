package aggregation

import (
	"sync/atomic"
	"time"

	"marketbook/internal/metrics"
	"marketbook/internal/orderbook"
	"marketbook/internal/reconciler"
	"marketbook/internal/types"
)

// Denomination is the quote currency a venue prices in
type Denomination string

const (
	USDT Denomination = "USDT"
	USD  Denomination = "USD"
)

// VenueConfig describes a venue to register
type VenueConfig struct {
	Name         string
	Denomination Denomination
	// Precision is the ingestion precision; zero selects the default
	Precision int32
}

// Venue owns one venue's book, metrics and reconciliation state. It is the
// reconciler's Target.
type Venue struct {
	name         string
	denomination Denomination
	quantizer    types.Quantizer
	book         *orderbook.Book
	metrics      *metrics.VenueMetrics
	state        atomic.Int32
}

var _ reconciler.Target = (*Venue)(nil)

func newVenue(cfg VenueConfig) *Venue {
	if cfg.Denomination == "" {
		cfg.Denomination = USDT
	}
	if cfg.Precision <= 0 {
		cfg.Precision = types.DefaultPrecision
	}
	v := &Venue{
		name:         cfg.Name,
		denomination: cfg.Denomination,
		quantizer:    types.NewQuantizer(cfg.Precision),
		book:         orderbook.New(),
		metrics:      metrics.NewVenueMetrics(cfg.Name),
	}
	v.state.Store(int32(reconciler.Connecting))
	return v
}

func (v *Venue) Name() string                   { return v.name }
func (v *Venue) Denomination() Denomination     { return v.denomination }
func (v *Venue) Quantizer() types.Quantizer     { return v.quantizer }
func (v *Venue) Book() *orderbook.Book          { return v.book }
func (v *Venue) Metrics() *metrics.VenueMetrics { return v.metrics }

func (v *Venue) SetState(s reconciler.State) {
	v.state.Store(int32(s))
	v.metrics.SetState(int(s))
}

func (v *Venue) State() reconciler.State {
	return reconciler.State(v.state.Load())
}

// VenueHealth is a venue's externally visible status
type VenueHealth struct {
	Venue      string    `json:"venue"`
	State      string    `json:"state"`
	Healthy    bool      `json:"healthy"`
	Stale      bool      `json:"stale"`
	LastUpdate time.Time `json:"last_update"`
	Gaps       uint64    `json:"gaps"`
	Reconnects uint64    `json:"reconnects"`
}

func (v *Venue) Health() VenueHealth {
	state := v.State()
	snap := v.metrics.Snapshot()
	stale := v.book.Stale()
	return VenueHealth{
		Venue:      v.name,
		State:      state.String(),
		Healthy:    state.Healthy() && !stale,
		Stale:      stale,
		LastUpdate: snap.LastUpdate,
		Gaps:       snap.GapsDetected,
		Reconnects: snap.Reconnects,
	}
}
