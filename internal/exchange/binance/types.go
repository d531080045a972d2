package binance

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Config holds Binance Spot adapter settings. Empty URLs fall back to the
// public endpoints.
type Config struct {
	Symbol        string
	WSURL         string
	RESTURL       string
	SnapshotLimit int
	Logger        zerolog.Logger
}

// SnapshotResponse represents the REST API response for Binance order book snapshot
type SnapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// SubscribeRequest is the combined-stream subscription control message
type SubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// wsEnvelope is decoded first to classify a frame as a control reply or a
// depth event. EventTime must be declared: encoding/json matches keys
// case-insensitively, so without it the numeric "E" lands in EventType.
type wsEnvelope struct {
	ID        *int64          `json:"id"`
	Error     *wsError        `json:"error"`
	EventType string          `json:"e"`
	EventTime json.RawMessage `json:"E"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// DepthUpdate represents a depth update event from Binance WebSocket
type DepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}
