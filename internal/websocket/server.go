package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"marketbook/internal/aggregation"
	"marketbook/internal/types"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeStats     MessageType = "stats"
)

// AggregatedExchange names the merged book in pushed messages
const AggregatedExchange = "aggregated"

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type string  `json:"type"`
	Tick float64 `json:"tick,omitempty"`
}

type OrderbookMessage struct {
	Type      MessageType  `json:"type"`
	Exchange  string       `json:"exchange"`
	Tick      float64      `json:"tick"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Excluded  []string     `json:"excluded,omitempty"`
	Stale     []string     `json:"stale,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

type StatsMessage struct {
	Type                MessageType `json:"type"`
	Exchange            string      `json:"exchange"`
	State               string      `json:"state"`
	Healthy             bool        `json:"healthy"`
	Stale               bool        `json:"stale"`
	UpdatesProcessed    uint64      `json:"updatesProcessed"`
	GapsDetected        uint64      `json:"gapsDetected"`
	ParseErrors         uint64      `json:"parseErrors"`
	Reconnects          uint64      `json:"reconnects"`
	AvgLatencyMs        float64     `json:"avgLatencyMs"`
	MaxLatencyMs        float64     `json:"maxLatencyMs"`
	BestBid             string      `json:"bestBid"`
	BestAsk             string      `json:"bestAsk"`
	MidPrice            string      `json:"midPrice"`
	Spread              string      `json:"spread"`
	BidLiquidity05Pct   string      `json:"bidLiquidity05Pct,omitempty"`
	AskLiquidity05Pct   string      `json:"askLiquidity05Pct,omitempty"`
	DeltaLiquidity05Pct string      `json:"deltaLiquidity05Pct,omitempty"`
	BidLiquidity2Pct    string      `json:"bidLiquidity2Pct,omitempty"`
	AskLiquidity2Pct    string      `json:"askLiquidity2Pct,omitempty"`
	DeltaLiquidity2Pct  string      `json:"deltaLiquidity2Pct,omitempty"`
	BidLiquidity10Pct   string      `json:"bidLiquidity10Pct,omitempty"`
	AskLiquidity10Pct   string      `json:"askLiquidity10Pct,omitempty"`
	DeltaLiquidity10Pct string      `json:"deltaLiquidity10Pct,omitempty"`
	TotalBidsQty        string      `json:"totalBidsQty,omitempty"`
	TotalAsksQty        string      `json:"totalAsksQty,omitempty"`
	TotalDelta          string      `json:"totalDelta,omitempty"`
	Timestamp           int64       `json:"timestamp"`
}

type PriceLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Cumulative string `json:"cumulative"`
}

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	Addr         string
	PushInterval time.Duration
	// Depth caps the grouped levels pushed per side
	Depth        int
	Tick         types.TickLevel
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// Server pushes aggregated books and venue stats to websocket clients and
// serves health and metrics over HTTP.
type Server struct {
	agg     *aggregation.VenueAggregator
	grouper *aggregation.Grouper
	opts    Options
	logger  zerolog.Logger

	upgrader   websocket.Upgrader
	clientsMux sync.Mutex
	clients    map[*websocket.Conn]struct{}
	router     *mux.Router
}

func NewServer(agg *aggregation.VenueAggregator, opts Options, logger zerolog.Logger) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = 200 * time.Millisecond
	}
	if opts.Depth <= 0 {
		opts.Depth = 50
	}
	if !types.IsValidTickLevel(opts.Tick) {
		opts.Tick = types.Tick1
	}
	s := &Server{
		agg:     agg,
		grouper: aggregation.NewGrouper(opts.Tick),
		opts:    opts,
		logger:  logger.With().Str("component", "websocket").Logger(),
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler exposes the routes for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	go s.pushLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.agg.Health()
	status := http.StatusServiceUnavailable
	for _, h := range health {
		if h.Healthy {
			status = http.StatusOK
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Debug().Err(err).Msg("write health")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	s.clientsMux.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMux.Unlock()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	defer func() {
		s.removeClient(conn)
		s.logger.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			s.logger.Debug().Err(err).Msg("parse client message")
			continue
		}

		s.handleClientMessage(clientMsg)
	}
}

func (s *Server) handleClientMessage(msg ClientMessage) {
	switch msg.Type {
	case "set_tick":
		s.setTickLevel(msg.Tick)
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unknown client message")
	}
}

func (s *Server) setTickLevel(tick float64) {
	tickLevel := types.TickLevel(tick)
	if !types.IsValidTickLevel(tickLevel) {
		s.logger.Debug().Float64("tick", tick).Msg("invalid tick level ignored")
		return
	}
	s.grouper.SetTickLevel(tickLevel)
	s.logger.Info().Float64("tick", tick).Msg("tick level changed")
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMux.Lock()
	delete(s.clients, conn)
	s.clientsMux.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) snapshotClients() []*websocket.Conn {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	return conns
}

// broadcast writes msgs to every client. Only pushLoop writes to clients,
// so each connection has a single writer.
func (s *Server) broadcast(conns []*websocket.Conn, msgs []any) {
	for _, conn := range conns {
		for _, msg := range msgs {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Msg("write to client")
				s.removeClient(conn)
				break
			}
		}
	}
}

func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conns := s.snapshotClients()
		if len(conns) == 0 {
			continue
		}
		s.broadcast(conns, s.buildMessages(time.Now().UnixMilli()))
	}
}

func (s *Server) buildMessages(timestamp int64) []any {
	book := s.agg.AggregatedBook()
	msgs := []any{s.buildOrderbookMessage(book, timestamp)}
	for _, row := range s.agg.MetricsRows() {
		msgs = append(msgs, s.buildStatsMessage(row, timestamp))
	}
	return msgs
}

func (s *Server) buildOrderbookMessage(book aggregation.AggregatedBook, timestamp int64) OrderbookMessage {
	_, ask, _ := book.BestBidAsk()
	bids := aggregation.FilterLevels(s.grouper.GroupBids(book.Depth(types.Bid, types.AllLevels)), ask, true)
	asks := s.grouper.GroupAsks(book.Depth(types.Ask, types.AllLevels))

	return OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Exchange:  AggregatedExchange,
		Tick:      float64(s.grouper.GetTickLevel()),
		Bids:      toWire(bids, s.opts.Depth),
		Asks:      toWire(asks, s.opts.Depth),
		Excluded:  book.Excluded,
		Stale:     book.Stale,
		Timestamp: timestamp,
	}
}

// toWire keeps the best n levels with running totals
func toWire(levels []types.PriceLevel, n int) []PriceLevel {
	if n < len(levels) {
		levels = levels[:n]
	}
	totals := aggregation.Cumulative(levels)
	wire := make([]PriceLevel, len(levels))
	for i, level := range levels {
		wire[i] = PriceLevel{
			Price:      level.Price.String(),
			Quantity:   level.Quantity.String(),
			Cumulative: totals[i].String(),
		}
	}
	return wire
}

func (s *Server) buildStatsMessage(row aggregation.MetricsRow, timestamp int64) StatsMessage {
	m := row.Metrics
	msg := StatsMessage{
		Type:             MessageTypeStats,
		Exchange:         row.Venue,
		State:            row.State.String(),
		Healthy:          row.State.Healthy() && !m.Stale,
		Stale:            m.Stale,
		UpdatesProcessed: m.UpdatesProcessed,
		GapsDetected:     m.GapsDetected,
		ParseErrors:      m.ParseErrors,
		Reconnects:       m.Reconnects,
		AvgLatencyMs:     float64(m.AvgLatency) / float64(time.Millisecond),
		MaxLatencyMs:     float64(m.MaxLatency) / float64(time.Millisecond),
		BestBid:          m.BestBid.String(),
		BestAsk:          m.BestAsk.String(),
		MidPrice:         m.BestBid.Add(m.BestAsk).Div(decimal.NewFromInt(2)).String(),
		Spread:           m.BestAsk.Sub(m.BestBid).String(),
		Timestamp:        timestamp,
	}

	venue, err := s.agg.Venue(row.Venue)
	if err != nil {
		// synthetic rows have no book of their own
		return msg
	}
	health := venue.Health()
	msg.Healthy = health.Healthy
	msg.Stale = health.Stale || m.Stale
	stats := venue.Book().Stats()
	msg.BidLiquidity05Pct = stats.BidLiquidity05Pct.String()
	msg.AskLiquidity05Pct = stats.AskLiquidity05Pct.String()
	msg.DeltaLiquidity05Pct = stats.DeltaLiquidity05Pct.String()
	msg.BidLiquidity2Pct = stats.BidLiquidity2Pct.String()
	msg.AskLiquidity2Pct = stats.AskLiquidity2Pct.String()
	msg.DeltaLiquidity2Pct = stats.DeltaLiquidity2Pct.String()
	msg.BidLiquidity10Pct = stats.BidLiquidity10Pct.String()
	msg.AskLiquidity10Pct = stats.AskLiquidity10Pct.String()
	msg.DeltaLiquidity10Pct = stats.DeltaLiquidity10Pct.String()
	msg.TotalBidsQty = stats.TotalBidsQty.String()
	msg.TotalAsksQty = stats.TotalAsksQty.String()
	msg.TotalDelta = stats.TotalDelta.String()
	return msg
}
