package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketbook/internal/aggregation"
	"marketbook/internal/reconciler"
	"marketbook/internal/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lvl(price, qty string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

func newTestAggregator(t *testing.T) *aggregation.VenueAggregator {
	t.Helper()
	agg := aggregation.NewVenueAggregator(aggregation.Options{})

	a, err := agg.AddVenue(aggregation.VenueConfig{Name: "ws-test-a"})
	require.NoError(t, err)
	a.Book().ApplySnapshot(
		[]types.PriceLevel{lvl("100.4", "1"), lvl("99.2", "2")},
		[]types.PriceLevel{lvl("101.3", "1")},
	)
	a.SetState(reconciler.Live)

	b, err := agg.AddVenue(aggregation.VenueConfig{Name: "ws-test-b"})
	require.NoError(t, err)
	b.Book().ApplySnapshot([]types.PriceLevel{lvl("100.9", "3")}, []types.PriceLevel{lvl("102", "1")})
	b.SetState(reconciler.Resyncing)
	b.Book().MarkStale(true)
	return agg
}

func TestBuildOrderbookMessageGroupsAndAccumulates(t *testing.T) {
	s := NewServer(newTestAggregator(t), Options{Tick: types.Tick1}, zerolog.Nop())

	msg := s.buildOrderbookMessage(s.agg.AggregatedBook(), 42)

	assert.Equal(t, MessageTypeOrderbook, msg.Type)
	assert.Equal(t, AggregatedExchange, msg.Exchange)
	assert.Equal(t, []string{"ws-test-b"}, msg.Excluded)
	require.Len(t, msg.Bids, 2)
	assert.Equal(t, "100", msg.Bids[0].Price)
	assert.Equal(t, "99", msg.Bids[1].Price)
	assert.Equal(t, "3", msg.Bids[1].Cumulative)
	require.Len(t, msg.Asks, 1)
	assert.Equal(t, "102", msg.Asks[0].Price)
	assert.Equal(t, int64(42), msg.Timestamp)
}

func TestDepthCapsLevels(t *testing.T) {
	s := NewServer(newTestAggregator(t), Options{Tick: types.Tick01, Depth: 1}, zerolog.Nop())

	msg := s.buildOrderbookMessage(s.agg.AggregatedBook(), 0)
	require.Len(t, msg.Bids, 1)
	assert.Equal(t, "100.4", msg.Bids[0].Price)
}

func TestSetTickLevel(t *testing.T) {
	s := NewServer(newTestAggregator(t), Options{}, zerolog.Nop())
	assert.Equal(t, types.Tick1, s.grouper.GetTickLevel())

	s.handleClientMessage(ClientMessage{Type: "set_tick", Tick: 10})
	assert.Equal(t, types.Tick10, s.grouper.GetTickLevel())

	s.handleClientMessage(ClientMessage{Type: "set_tick", Tick: 3})
	assert.Equal(t, types.Tick10, s.grouper.GetTickLevel(), "invalid ticks are ignored")
}

func TestStatsMessages(t *testing.T) {
	s := NewServer(newTestAggregator(t), Options{}, zerolog.Nop())

	msgs := s.buildMessages(1)
	require.Len(t, msgs, 4, "orderbook, one stats message per venue, aggregated row")

	live, ok := msgs[1].(StatsMessage)
	require.True(t, ok)
	assert.Equal(t, "ws-test-a", live.Exchange)
	assert.Equal(t, "Live", live.State)
	assert.True(t, live.Healthy)
	assert.Equal(t, "3", live.TotalBidsQty)

	resync := msgs[2].(StatsMessage)
	assert.False(t, resync.Healthy)
	assert.True(t, resync.Stale)

	merged := msgs[3].(StatsMessage)
	assert.Equal(t, aggregation.AggregatedRow, merged.Exchange)
	assert.Equal(t, "100.4", merged.BestBid)
	assert.Empty(t, merged.TotalBidsQty)
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewServer(newTestAggregator(t), Options{}, zerolog.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health []aggregation.VenueHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Len(t, health, 2)
	assert.True(t, health[0].Healthy)
	assert.False(t, health[1].Healthy)
}

func TestHealthEndpointUnavailableWithoutLiveVenue(t *testing.T) {
	agg := aggregation.NewVenueAggregator(aggregation.Options{})
	_, err := agg.AddVenue(aggregation.VenueConfig{Name: "ws-test-down"})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(agg, Options{}, zerolog.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "marketbook_up 1\n")
	})
	srv := httptest.NewServer(NewServer(newTestAggregator(t), Options{Metrics: metricsHandler}, zerolog.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "marketbook_up")
}

func TestWebSocketPush(t *testing.T) {
	s := NewServer(newTestAggregator(t), Options{PushInterval: 10 * time.Millisecond}, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.pushLoop(ctx)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "set_tick", Tick: 10}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg OrderbookMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != MessageTypeOrderbook || msg.Tick != 10 {
			continue
		}
		require.Len(t, msg.Bids, 2)
		assert.Equal(t, "100", msg.Bids[0].Price)
		assert.Equal(t, "90", msg.Bids[1].Price)
		assert.Equal(t, "3", msg.Bids[1].Cumulative)
		return
	}
}
