package exchange

import (
	"context"
	"sync"
	"time"
)

// ExchangeName represents supported exchange identifiers
type ExchangeName string

const (
	Binance ExchangeName = "binance"
	Bybit   ExchangeName = "bybit"
	OKX     ExchangeName = "okx"
)

// Exchange defines the interface that all exchange adapters must implement
type Exchange interface {
	// GetName returns the exchange name (e.g., "binance", "bybit", "okx")
	GetName() ExchangeName

	// GetSymbol returns the trading symbol
	GetSymbol() string

	// Connect dials the venue and sends the depth subscription. The
	// subscription ack arrives later as an EventSubscribed.
	Connect(ctx context.Context) error

	// Close closes the connection gracefully and closes the Events channel
	Close() error

	// GetSnapshot fetches a full orderbook snapshot
	GetSnapshot(ctx context.Context) (*Snapshot, error)

	// Events returns the stream of lifecycle and depth events in receipt order
	Events() <-chan Event

	// Health returns connection health information
	Health() HealthStatus
}

// EventKind tags an Event
type EventKind int

const (
	EventSubscribed EventKind = iota
	EventDepthUpdate
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSubscribed:
		return "subscribed"
	case EventDepthUpdate:
		return "depth_update"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message from a transport. Update is set for
// EventDepthUpdate, Reason for EventDisconnected and Err for EventError.
type Event struct {
	Kind       EventKind
	Update     *DepthUpdate
	Reason     string
	Err        error
	ReceivedAt time.Time
}

// Snapshot represents a canonical orderbook snapshot (normalized across exchanges)
type Snapshot struct {
	Exchange     ExchangeName // Exchange name
	Symbol       string       // Trading symbol
	LastUpdateID int64        // Last update ID from exchange
	Bids         []PriceLevel // Bid levels [price, quantity]
	Asks         []PriceLevel // Ask levels [price, quantity]
	Timestamp    time.Time    // Snapshot timestamp
}

// DepthUpdate represents a canonical depth update event (normalized across exchanges)
type DepthUpdate struct {
	Exchange      ExchangeName // Exchange name
	Symbol        string       // Trading symbol
	EventTime     time.Time    // Event timestamp
	FirstUpdateID int64        // First update ID in this event
	FinalUpdateID int64        // Final update ID in this event
	Bids          []PriceLevel // Updated bid levels
	Asks          []PriceLevel // Updated ask levels
}

// PriceLevel represents a single price level [price, quantity]
type PriceLevel struct {
	Price    string // Price as string to avoid precision loss
	Quantity string // Quantity as string to avoid precision loss
}

// HealthStatus represents connection health information
type HealthStatus struct {
	Connected     bool
	LastMessage   time.Time
	MessageCount  int64
	ErrorCount    int64
	ReconnectTime *time.Time
}

// HealthTracker accumulates HealthStatus for an adapter
type HealthTracker struct {
	mu     sync.RWMutex
	status HealthStatus
}

func (h *HealthTracker) SetConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.Connected = connected
	if connected {
		now := time.Now()
		h.status.ReconnectTime = &now
	}
}

func (h *HealthTracker) Message() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.MessageCount++
	h.status.LastMessage = time.Now()
}

func (h *HealthTracker) Error() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.ErrorCount++
}

func (h *HealthTracker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}
