// Package metrics keeps rolling per-venue counters and mirrors them into
// Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time copy of a venue's metrics
type Snapshot struct {
	Venue            string
	SessionID        string
	UpdatesProcessed uint64
	GapsDetected     uint64
	ParseErrors      uint64
	Reconnects       uint64
	CrossedBooks     uint64
	BufferDrops      uint64
	LastLatency      time.Duration
	AvgLatency       time.Duration
	MaxLatency       time.Duration
	BestBid          decimal.Decimal
	BestAsk          decimal.Decimal
	HasPrices        bool
	LastUpdate       time.Time
	Stale            bool
}

// VenueMetrics is safe for concurrent use. Counters only move forward until
// Reset is called.
type VenueMetrics struct {
	mu    sync.Mutex
	venue string
	now   func() time.Time

	sessionID    uuid.UUID
	updates      uint64
	gaps         uint64
	parseErrors  uint64
	reconnects   uint64
	crossed      uint64
	bufferDrops  uint64
	lastLatency  time.Duration
	avgLatencyNs float64
	maxLatency   time.Duration
	bestBid      decimal.Decimal
	bestAsk      decimal.Decimal
	hasPrices    bool
	lastUpdate   time.Time
	stale        bool
}

// NewVenueMetrics creates metrics for the named venue
func NewVenueMetrics(venue string) *VenueMetrics {
	return &VenueMetrics{
		venue:     venue,
		now:       time.Now,
		sessionID: uuid.New(),
	}
}

// Venue returns the venue name
func (m *VenueMetrics) Venue() string { return m.venue }

// NewSession rotates the session id, returning the new one
func (m *VenueMetrics) NewSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = uuid.New()
	return m.sessionID.String()
}

// RecordUpdate counts one applied diff and folds its latency into the
// rolling average and maximum.
func (m *VenueMetrics) RecordUpdate(latency time.Duration) {
	m.mu.Lock()
	n := float64(m.updates)
	m.avgLatencyNs = (m.avgLatencyNs*n + float64(latency)) / (n + 1)
	m.updates++
	m.lastLatency = latency
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	m.lastUpdate = m.now()
	m.mu.Unlock()

	UpdatesProcessedTotal.WithLabelValues(m.venue).Inc()
	UpdateLatencyMs.WithLabelValues(m.venue).Observe(float64(latency) / float64(time.Millisecond))
}

func (m *VenueMetrics) RecordGap() {
	m.mu.Lock()
	m.gaps++
	m.mu.Unlock()
	GapsDetectedTotal.WithLabelValues(m.venue).Inc()
}

// RecordParseError counts a diff rejected for malformed levels. It is kept
// apart from gaps since the sequence chain itself was intact.
func (m *VenueMetrics) RecordParseError() {
	m.mu.Lock()
	m.parseErrors++
	m.mu.Unlock()
	ParseErrorsTotal.WithLabelValues(m.venue).Inc()
}

func (m *VenueMetrics) RecordReconnect() {
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
	ReconnectsTotal.WithLabelValues(m.venue).Inc()
}

func (m *VenueMetrics) RecordCrossed() {
	m.mu.Lock()
	m.crossed++
	m.mu.Unlock()
}

func (m *VenueMetrics) RecordBufferDrop() {
	m.mu.Lock()
	m.bufferDrops++
	m.mu.Unlock()
	BufferDropsTotal.WithLabelValues(m.venue).Inc()
}

// RecordRebuild counts a snapshot rebuild with its reason
func (m *VenueMetrics) RecordRebuild(reason string) {
	BookRebuildsTotal.WithLabelValues(m.venue, reason).Inc()
}

// SetState publishes the reconciliation state ordinal
func (m *VenueMetrics) SetState(ordinal int) {
	ReconciliationState.WithLabelValues(m.venue).Set(float64(ordinal))
}

// SetPrices records the current top of book
func (m *VenueMetrics) SetPrices(bid, ask decimal.Decimal) {
	m.mu.Lock()
	m.bestBid = bid
	m.bestAsk = ask
	m.hasPrices = true
	m.mu.Unlock()

	BestPrice.WithLabelValues(m.venue, "bid").Set(bid.InexactFloat64())
	BestPrice.WithLabelValues(m.venue, "ask").Set(ask.InexactFloat64())
}

// ClearPrices forgets the top of book, e.g. once a side empties
func (m *VenueMetrics) ClearPrices() {
	m.mu.Lock()
	m.bestBid = decimal.Zero
	m.bestAsk = decimal.Zero
	m.hasPrices = false
	m.mu.Unlock()
}

func (m *VenueMetrics) MarkStale(stale bool) {
	m.mu.Lock()
	m.stale = stale
	m.mu.Unlock()

	v := 0.0
	if stale {
		v = 1
	}
	BookStale.WithLabelValues(m.venue).Set(v)
}

// Reset zeroes every counter and starts a new session
func (m *VenueMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessionID = uuid.New()
	m.updates = 0
	m.gaps = 0
	m.parseErrors = 0
	m.reconnects = 0
	m.crossed = 0
	m.bufferDrops = 0
	m.lastLatency = 0
	m.avgLatencyNs = 0
	m.maxLatency = 0
	m.bestBid = decimal.Zero
	m.bestAsk = decimal.Zero
	m.hasPrices = false
	m.lastUpdate = time.Time{}
	m.stale = false
}

func (m *VenueMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Venue:            m.venue,
		SessionID:        m.sessionID.String(),
		UpdatesProcessed: m.updates,
		GapsDetected:     m.gaps,
		ParseErrors:      m.parseErrors,
		Reconnects:       m.reconnects,
		CrossedBooks:     m.crossed,
		BufferDrops:      m.bufferDrops,
		LastLatency:      m.lastLatency,
		AvgLatency:       time.Duration(m.avgLatencyNs),
		MaxLatency:       m.maxLatency,
		BestBid:          m.bestBid,
		BestAsk:          m.bestAsk,
		HasPrices:        m.hasPrices,
		LastUpdate:       m.lastUpdate,
		Stale:            m.stale,
	}
}
