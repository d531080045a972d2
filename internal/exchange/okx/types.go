package okx

import (
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for OKX exchange
type Config struct {
	Symbol       string
	WSURL        string
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// Arg identifies a public channel subscription
type Arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// Request is a subscribe or unsubscribe control message
type Request struct {
	Op   string `json:"op"`
	Args []Arg  `json:"args"`
}

// WSMessage is any frame on the public socket. Control replies carry
// Event; book pushes carry Action and Data.
type WSMessage struct {
	Event  string     `json:"event"`
	Code   string     `json:"code"`
	Msg    string     `json:"msg"`
	Arg    Arg        `json:"arg"`
	Action string     `json:"action"` // "snapshot" or "update"
	Data   []BookData `json:"data"`
}

// BookData represents one book push. Levels are [price, size, deprecated, order_count].
type BookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	PrevSeqID int64      `json:"prevSeqId"`
	SeqID     int64      `json:"seqId"`
}
