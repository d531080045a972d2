package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketbook/internal/exchange"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWSURL        = "wss://ws.okx.com:8443/ws/v5/public"
	defaultPingInterval = 25 * time.Second
	booksChannel        = "books"
)

// SpotExchange implements the Exchange interface for OKX spot over the
// public "books" channel. Like Bybit, the snapshot is pushed after each
// subscribe. Pushes are chained by prevSeqId/seqId, which map onto
// FirstUpdateID = prevSeqId+1 and FinalUpdateID = seqId.
type SpotExchange struct {
	symbol       string
	instID       string // OKX format (e.g., BTC-USDT)
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
	snapshot      *exchange.Snapshot
	snapshotReady chan struct{}
}

// NewSpotExchange creates a new OKX Spot exchange instance
func NewSpotExchange(config Config) *SpotExchange {
	ex := &SpotExchange{
		symbol:        strings.ToUpper(config.Symbol),
		instID:        convertToOKXSymbol(config.Symbol),
		wsURL:         config.WSURL,
		pingInterval:  config.PingInterval,
		logger:        config.Logger.With().Str("venue", string(exchange.OKX)).Logger(),
		events:        make(chan exchange.Event, 1000),
		done:          make(chan struct{}),
		snapshotReady: make(chan struct{}, 1),
	}
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
	return exchange.OKX
}

// GetSymbol returns the trading symbol
func (e *SpotExchange) GetSymbol() string {
	return e.symbol
}

func (e *SpotExchange) subscription(op string) Request {
	return Request{Op: op, Args: []Arg{{Channel: booksChannel, InstID: e.instID}}}
}

// Connect dials the public endpoint and subscribes to the books channel
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

	if err := e.send(e.subscription("subscribe")); err != nil {
		e.health.Error()
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	e.health.SetConnected(true)
	e.logger.Info().Str("instId", e.instID).Msg("WebSocket connected, subscription sent")

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

// GetSnapshot returns the pending pushed snapshot, resubscribing for a
// fresh one when none is pending.
func (e *SpotExchange) GetSnapshot(ctx context.Context) (*exchange.Snapshot, error) {
	if snap := e.takeSnapshot(); snap != nil {
		return snap, nil
	}

	e.logger.Debug().Msg("No pending snapshot, resubscribing")
	if err := e.send(e.subscription("unsubscribe")); err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	if err := e.send(e.subscription("subscribe")); err != nil {
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

func (e *SpotExchange) send(msg any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.wsConn == nil {
		return errors.New("not connected")
	}
	return e.wsConn.WriteJSON(msg)
}

// keepAlive sends the plain-text ping OKX expects on idle connections
func (e *SpotExchange) keepAlive() {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.writeMu.Lock()
			err := e.wsConn.WriteMessage(websocket.TextMessage, []byte("ping"))
			e.writeMu.Unlock()
			if err != nil {
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

// handleMessage classifies one frame; ok is false for frames that carry no
// event.
func (e *SpotExchange) handleMessage(raw []byte) (exchange.Event, bool, error) {
	if string(raw) == "pong" {
		return exchange.Event{}, false, nil
	}

	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return exchange.Event{}, false, fmt.Errorf("decode frame: %w", err)
	}

	switch msg.Event {
	case "":
	case "error":
		return exchange.Event{}, false, fmt.Errorf("request rejected: code=%s, msg=%s", msg.Code, msg.Msg)
	case "subscribe":
		if e.acked.CompareAndSwap(false, true) {
			return exchange.Event{Kind: exchange.EventSubscribed}, true, nil
		}
		return exchange.Event{}, false, nil
	default:
		return exchange.Event{}, false, nil
	}

	if msg.Arg.Channel != booksChannel || msg.Arg.InstID != e.instID || len(msg.Data) == 0 {
		return exchange.Event{}, false, nil
	}
	data := msg.Data[0]
	ts := parseMillis(data.Ts)

	switch msg.Action {
	case "snapshot":
		e.storeSnapshot(&exchange.Snapshot{
			Exchange:     e.GetName(),
			Symbol:       e.instID,
			LastUpdateID: data.SeqID,
			Bids:         convertLevels(data.Bids),
			Asks:         convertLevels(data.Asks),
			Timestamp:    ts,
		})
		return exchange.Event{}, false, nil
	case "update":
		return exchange.Event{Kind: exchange.EventDepthUpdate, Update: &exchange.DepthUpdate{
			Exchange:      e.GetName(),
			Symbol:        e.instID,
			EventTime:     ts,
			FirstUpdateID: data.PrevSeqID + 1,
			FinalUpdateID: data.SeqID,
			Bids:          convertLevels(data.Bids),
			Asks:          convertLevels(data.Asks),
		}}, true, nil
	default:
		return exchange.Event{}, false, nil
	}
}

func parseMillis(text string) time.Time {
	ms, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func convertLevels(raw [][]string) []exchange.PriceLevel {
	levels := make([]exchange.PriceLevel, len(raw))
	for i, level := range raw {
		if len(level) >= 2 {
			levels[i] = exchange.PriceLevel{Price: level[0], Quantity: level[1]}
		}
	}
	return levels
}

// convertToOKXSymbol converts various symbol formats to OKX format
// Examples: BTCUSDT -> BTC-USDT, BTC-USDT -> BTC-USDT
func convertToOKXSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if base, ok := strings.CutSuffix(symbol, quote); ok && base != "" {
			return base + "-" + quote
		}
	}
	return symbol
}
