package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketbook/internal/exchange"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWSURL        = "wss://stream.bybit.com/v5/public/spot"
	defaultDepth        = 200
	defaultPingInterval = 20 * time.Second
)

// SpotExchange implements the Exchange interface for Bybit Spot. Bybit has
// no REST snapshot matching its stream, so the adapter keeps the snapshot
// frame pushed after each subscribe and hands it out from GetSnapshot.
// Snapshot and delta frames are sequenced by the update id "u".
type SpotExchange struct {
	symbol       string
	topic        string
	wsURL        string
	pingInterval time.Duration
	logger       zerolog.Logger

	writeMu sync.Mutex
	wsConn  *websocket.Conn

	events    chan exchange.Event
	done      chan struct{}
	closeOnce sync.Once
	health    exchange.HealthTracker
	acked     atomic.Bool

	snapshotMu    sync.Mutex
	snapshot      *exchange.Snapshot // received but not yet handed out
	snapshotReady chan struct{}
}

// NewSpotExchange creates a new Bybit Spot exchange instance
func NewSpotExchange(config Config) *SpotExchange {
	depth := config.Depth
	if depth <= 0 {
		depth = defaultDepth
	}
	ex := &SpotExchange{
		symbol:        strings.ToUpper(config.Symbol),
		wsURL:         config.WSURL,
		pingInterval:  config.PingInterval,
		logger:        config.Logger.With().Str("venue", string(exchange.Bybit)).Logger(),
		events:        make(chan exchange.Event, 1000),
		done:          make(chan struct{}),
		snapshotReady: make(chan struct{}, 1),
	}
	ex.topic = fmt.Sprintf("orderbook.%d.%s", depth, ex.symbol)
	if ex.wsURL == "" {
		ex.wsURL = defaultWSURL
	}
	if ex.pingInterval <= 0 {
		ex.pingInterval = defaultPingInterval
	}
	return ex
}

// GetName returns the exchange name
func (e *SpotExchange) GetName() exchange.ExchangeName {
	return exchange.Bybit
}

// GetSymbol returns the trading symbol
func (e *SpotExchange) GetSymbol() string {
	return e.symbol
}

// Connect establishes WebSocket connection to Bybit Spot and subscribes to the book topic
func (e *SpotExchange) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		e.health.Error()
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	e.wsConn = conn

	if err := e.send(SubscribeMessage{Op: "subscribe", Args: []string{e.topic}}); err != nil {
		e.health.Error()
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	e.health.SetConnected(true)
	e.logger.Info().Str("topic", e.topic).Msg("WebSocket connected, subscription sent")

	go e.readMessages()
	go e.keepAlive()

	return nil
}

// Close closes the WebSocket connection
func (e *SpotExchange) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		if e.wsConn == nil {
			return
		}
		e.writeMu.Lock()
		_ = e.wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		e.writeMu.Unlock()
		err = e.wsConn.Close()
		e.health.SetConnected(false)
	})
	return err
}

// GetSnapshot returns the pending in-stream snapshot. If none is pending the
// topic is resubscribed, which makes Bybit push a fresh one.
func (e *SpotExchange) GetSnapshot(ctx context.Context) (*exchange.Snapshot, error) {
	if snap := e.takeSnapshot(); snap != nil {
		return snap, nil
	}

	e.logger.Debug().Msg("No pending snapshot, resubscribing")
	if err := e.send(SubscribeMessage{Op: "unsubscribe", Args: []string{e.topic}}); err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	if err := e.send(SubscribeMessage{Op: "subscribe", Args: []string{e.topic}}); err != nil {
		return nil, fmt.Errorf("resubscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.done:
			return nil, errors.New("exchange closed")
		case <-e.snapshotReady:
			if snap := e.takeSnapshot(); snap != nil {
				return snap, nil
			}
		}
	}
}

// Events returns the event stream. It is closed when the reader exits.
func (e *SpotExchange) Events() <-chan exchange.Event {
	return e.events
}

// Health returns connection health information
func (e *SpotExchange) Health() exchange.HealthStatus {
	return e.health.Status()
}

func (e *SpotExchange) send(msg SubscribeMessage) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.wsConn == nil {
		return errors.New("not connected")
	}
	return e.wsConn.WriteJSON(msg)
}

func (e *SpotExchange) keepAlive() {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if err := e.send(SubscribeMessage{Op: "ping"}); err != nil {
				e.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (e *SpotExchange) takeSnapshot() *exchange.Snapshot {
	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()
	snap := e.snapshot
	e.snapshot = nil
	return snap
}

func (e *SpotExchange) storeSnapshot(snap *exchange.Snapshot) {
	e.snapshotMu.Lock()
	e.snapshot = snap
	e.snapshotMu.Unlock()

	select {
	case e.snapshotReady <- struct{}{}:
	default:
	}
}

// readMessages continuously reads WebSocket messages
func (e *SpotExchange) readMessages() {
	defer close(e.events)
	defer e.health.SetConnected(false)

	for {
		_, raw, err := e.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			e.health.Error()
			e.logger.Warn().Err(err).Msg("WebSocket read error")
			e.emit(exchange.Event{Kind: exchange.EventDisconnected, Reason: err.Error()})
			return
		}
		receivedAt := time.Now()
		e.health.Message()

		event, ok, err := e.handleMessage(raw)
		if err != nil {
			e.health.Error()
			e.emit(exchange.Event{Kind: exchange.EventError, Err: err, ReceivedAt: receivedAt})
			continue
		}
		if !ok {
			continue
		}
		event.ReceivedAt = receivedAt
		if !e.emit(event) {
			return
		}
	}
}

func (e *SpotExchange) emit(event exchange.Event) bool {
	select {
	case e.events <- event:
		return true
	case <-e.done:
		return false
	}
}

// handleMessage classifies one frame. Snapshot frames are stored rather
// than emitted; ok is false for frames that carry no event.
func (e *SpotExchange) handleMessage(raw []byte) (exchange.Event, bool, error) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return exchange.Event{}, false, fmt.Errorf("decode frame: %w", err)
	}

	if msg.Success != nil {
		if !*msg.Success {
			return exchange.Event{}, false, fmt.Errorf("%s rejected: %s", msg.Op, msg.RetMsg)
		}
		// only the first subscribe ack of a connection opens the session
		if msg.Op == "subscribe" && e.acked.CompareAndSwap(false, true) {
			return exchange.Event{Kind: exchange.EventSubscribed}, true, nil
		}
		return exchange.Event{}, false, nil
	}

	if msg.Topic != e.topic {
		return exchange.Event{}, false, nil
	}

	switch msg.Type {
	case "snapshot":
		e.storeSnapshot(&exchange.Snapshot{
			Exchange:     e.GetName(),
			Symbol:       msg.Data.Symbol,
			LastUpdateID: msg.Data.UpdateID,
			Bids:         convertLevels(msg.Data.Bids),
			Asks:         convertLevels(msg.Data.Asks),
			Timestamp:    time.UnixMilli(msg.TS),
		})
		return exchange.Event{}, false, nil
	case "delta":
		return exchange.Event{Kind: exchange.EventDepthUpdate, Update: &exchange.DepthUpdate{
			Exchange:      e.GetName(),
			Symbol:        msg.Data.Symbol,
			EventTime:     time.UnixMilli(msg.TS),
			FirstUpdateID: msg.Data.UpdateID,
			FinalUpdateID: msg.Data.UpdateID,
			Bids:          convertLevels(msg.Data.Bids),
			Asks:          convertLevels(msg.Data.Asks),
		}}, true, nil
	default:
		return exchange.Event{}, false, nil
	}
}

func convertLevels(raw [][]string) []exchange.PriceLevel {
	levels := make([]exchange.PriceLevel, len(raw))
	for i, pair := range raw {
		if len(pair) >= 2 {
			levels[i] = exchange.PriceLevel{Price: pair[0], Quantity: pair[1]}
		}
	}
	return levels
}
