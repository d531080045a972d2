package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketbook/internal/exchange"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	subAck   = `{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"},"connId":"a4d3ae55"}`
	snapshot = `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["101","1","0","1"]],"bids":[["100","1","0","1"]],"ts":"1700000000000","checksum":-855196043,"prevSeqId":-1,"seqId":123456}]}`
	update   = `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[],"bids":[["100","0","0","0"]],"ts":"1700000000100","checksum":1,"prevSeqId":123456,"seqId":123470}]}`
)

func TestConvertToOKXSymbol(t *testing.T) {
	tests := map[string]string{
		"BTCUSDT":  "BTC-USDT",
		"ethusdc":  "ETH-USDC",
		"BTCUSD":   "BTC-USD",
		"BTC-USDT": "BTC-USDT",
		"ETHBTC":   "ETHBTC",
	}
	for in, want := range tests {
		assert.Equal(t, want, convertToOKXSymbol(in), in)
	}
}

func TestHandleMessage(t *testing.T) {
	ex := NewSpotExchange(Config{Symbol: "BTCUSDT", Logger: zerolog.Nop()})

	event, ok, err := ex.handleMessage([]byte(subAck))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, exchange.EventSubscribed, event.Kind)

	_, ok, err = ex.handleMessage([]byte(subAck))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ex.handleMessage([]byte("pong"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ex.handleMessage([]byte(snapshot))
	require.NoError(t, err)
	assert.False(t, ok)

	event, ok, err = ex.handleMessage([]byte(update))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, exchange.EventDepthUpdate, event.Kind)
	assert.Equal(t, int64(123457), event.Update.FirstUpdateID, "chained to the previous seqId")
	assert.Equal(t, int64(123470), event.Update.FinalUpdateID)
	assert.Equal(t, []exchange.PriceLevel{{Price: "100", Quantity: "0"}}, event.Update.Bids)
	assert.Equal(t, time.UnixMilli(1700000000100), event.Update.EventTime)

	_, _, err = ex.handleMessage([]byte(`{"event":"error","code":"60018","msg":"Wrong URL or channel"}`))
	assert.ErrorContains(t, err, "60018")

	_, ok, err = ex.handleMessage([]byte(`{"arg":{"channel":"books","instId":"ETH-USDT"},"action":"update","data":[{"seqId":3}]}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotMarkerIsSeqID(t *testing.T) {
	ex := NewSpotExchange(Config{Symbol: "BTCUSDT", Logger: zerolog.Nop()})
	_, _, err := ex.handleMessage([]byte(snapshot))
	require.NoError(t, err)

	snap, err := ex.GetSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(123456), snap.LastUpdateID)
	assert.Equal(t, []exchange.PriceLevel{{Price: "101", Quantity: "1"}}, snap.Asks)

	_, err = ex.GetSnapshot(context.Background())
	assert.ErrorContains(t, err, "not connected")
}

func TestResyncResubscribes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ops := make(chan string, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			ops <- req.Op
			if req.Op == "subscribe" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(subAck))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(snapshot))
			}
		}
	}))
	defer srv.Close()

	ex := NewSpotExchange(Config{
		Symbol: "BTCUSDT",
		WSURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger: zerolog.Nop(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ex.Connect(ctx))
	defer ex.Close()

	assert.Equal(t, exchange.EventSubscribed, (<-ex.Events()).Kind)

	for range 2 {
		snap, err := ex.GetSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(123456), snap.LastUpdateID)
	}

	assert.Equal(t, "subscribe", <-ops)
	assert.Equal(t, "unsubscribe", <-ops)
	assert.Equal(t, "subscribe", <-ops)
}
