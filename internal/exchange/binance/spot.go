package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketbook/internal/exchange"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWSURL         = "wss://stream.binance.com:9443/ws"
	defaultRESTURL       = "https://api.binance.com/api/v3/depth"
	defaultSnapshotLimit = 5000
	subscribeID          = 1
)

// SpotExchange implements the Exchange interface for Binance Spot
type SpotExchange struct {
	symbol        string
	wsURL         string
	restURL       string
	snapshotLimit int
	client        *resty.Client
	logger        zerolog.Logger

	writeMu sync.Mutex
	wsConn  *websocket.Conn

	events    chan exchange.Event
	done      chan struct{}
	closeOnce sync.Once
	health    exchange.HealthTracker
}

// NewSpotExchange creates a new Binance Spot exchange instance
func NewSpotExchange(config Config) *SpotExchange {
	ex := &SpotExchange{
		symbol:        strings.ToUpper(config.Symbol),
		wsURL:         config.WSURL,
		restURL:       config.RESTURL,
		snapshotLimit: config.SnapshotLimit,
		client:        resty.New().SetTimeout(10 * time.Second),
		logger:        config.Logger.With().Str("venue", string(exchange.Binance)).Logger(),
		events:        make(chan exchange.Event, 1000),
		done:          make(chan struct{}),
	}
	if ex.wsURL == "" {
		ex.wsURL = defaultWSURL
	}
	if ex.restURL == "" {
		ex.restURL = defaultRESTURL
	}
	if ex.snapshotLimit <= 0 {
		ex.snapshotLimit = defaultSnapshotLimit
	}
	return ex
}

// GetName returns the exchange name
func (e *SpotExchange) GetName() exchange.ExchangeName {
	return exchange.Binance
}

// GetSymbol returns the trading symbol
func (e *SpotExchange) GetSymbol() string {
	return e.symbol
}

// Connect dials the raw stream endpoint and subscribes to the diff depth stream
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

	req := SubscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{strings.ToLower(e.symbol) + "@depth@100ms"},
		ID:     subscribeID,
	}
	e.writeMu.Lock()
	err = conn.WriteJSON(req)
	e.writeMu.Unlock()
	if err != nil {
		conn.Close()
		e.health.Error()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	e.health.SetConnected(true)
	e.logger.Info().Str("url", e.wsURL).Msg("WebSocket connected, subscription sent")

	go e.readMessages()

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

// GetSnapshot fetches an orderbook snapshot via REST API
func (e *SpotExchange) GetSnapshot(ctx context.Context) (*exchange.Snapshot, error) {
	e.logger.Debug().Msg("Fetching orderbook snapshot")

	var snapshot SnapshotResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", e.symbol).
		SetQueryParam("limit", strconv.Itoa(e.snapshotLimit)).
		SetResult(&snapshot).
		Get(e.restURL)
	if err != nil {
		e.health.Error()
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if resp.IsError() {
		e.health.Error()
		return nil, fmt.Errorf("failed to get snapshot: status %d: %s", resp.StatusCode(), resp.String())
	}

	return e.convertSnapshot(&snapshot), nil
}

// Events returns the event stream. It is closed when the reader exits.
func (e *SpotExchange) Events() <-chan exchange.Event {
	return e.events
}

// Health returns connection health information
func (e *SpotExchange) Health() exchange.HealthStatus {
	return e.health.Status()
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

		event, ok, err := e.parseMessage(raw)
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

// emit blocks until the event is queued or the adapter is closed
func (e *SpotExchange) emit(event exchange.Event) bool {
	select {
	case e.events <- event:
		return true
	case <-e.done:
		return false
	}
}

// parseMessage classifies one frame. ok is false for frames that carry no
// event, such as replies to other requests.
func (e *SpotExchange) parseMessage(raw []byte) (exchange.Event, bool, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return exchange.Event{}, false, fmt.Errorf("decode frame: %w", err)
	}

	switch {
	case env.EventType == "depthUpdate":
		var update DepthUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			return exchange.Event{}, false, fmt.Errorf("decode depth update: %w", err)
		}
		return exchange.Event{Kind: exchange.EventDepthUpdate, Update: e.convertDepthUpdate(&update)}, true, nil
	case env.Error != nil:
		return exchange.Event{}, false, errors.New("subscription rejected: " + env.Error.Msg)
	case env.ID != nil && *env.ID == subscribeID:
		return exchange.Event{Kind: exchange.EventSubscribed}, true, nil
	default:
		return exchange.Event{}, false, nil
	}
}

// convertSnapshot converts Binance snapshot to canonical format
func (e *SpotExchange) convertSnapshot(snapshot *SnapshotResponse) *exchange.Snapshot {
	return &exchange.Snapshot{
		Exchange:     e.GetName(),
		Symbol:       e.symbol,
		LastUpdateID: snapshot.LastUpdateID,
		Bids:         convertLevels(snapshot.Bids),
		Asks:         convertLevels(snapshot.Asks),
		Timestamp:    time.Now(),
	}
}

// convertDepthUpdate converts Binance depth update to canonical format
func (e *SpotExchange) convertDepthUpdate(update *DepthUpdate) *exchange.DepthUpdate {
	return &exchange.DepthUpdate{
		Exchange:      e.GetName(),
		Symbol:        update.Symbol,
		EventTime:     time.UnixMilli(update.EventTime),
		FirstUpdateID: update.FirstUpdateID,
		FinalUpdateID: update.FinalUpdateID,
		Bids:          convertLevels(update.Bids),
		Asks:          convertLevels(update.Asks),
	}
}

// convertLevels keeps malformed pairs as empty strings so the reconciler
// rejects the whole message instead of silently applying part of it.
func convertLevels(raw [][]string) []exchange.PriceLevel {
	levels := make([]exchange.PriceLevel, len(raw))
	for i, pair := range raw {
		if len(pair) >= 2 {
			levels[i] = exchange.PriceLevel{Price: pair[0], Quantity: pair[1]}
		}
	}
	return levels
}
