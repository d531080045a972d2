package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	UpdatesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketbook_updates_processed_total", Help: "Diffs applied to a venue book"}, []string{"venue"})
	GapsDetectedTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketbook_gaps_detected_total", Help: "Sequence gaps by venue"}, []string{"venue"})
	ParseErrorsTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketbook_parse_errors_total", Help: "Diffs rejected for malformed levels"}, []string{"venue"})
	ReconnectsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketbook_reconnects_total", Help: "Transport reconnects by venue"}, []string{"venue"})
	BookRebuildsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketbook_book_rebuilds_total", Help: "Snapshot rebuilds by venue and reason"}, []string{"venue", "reason"})
	BufferDropsTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "marketbook_buffer_drops_total", Help: "Buffered diffs dropped on overflow"}, []string{"venue"})
	UpdateLatencyMs       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "marketbook_update_latency_ms", Help: "Receive to apply latency", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"venue"})
	BestPrice             = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "marketbook_best_price", Help: "Best price by venue and side"}, []string{"venue", "side"})
	ReconciliationState   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "marketbook_reconciliation_state", Help: "Current reconciliation state ordinal"}, []string{"venue"})
	BookStale             = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "marketbook_book_stale", Help: "1 while a venue book is served stale"}, []string{"venue"})
)

// Rebuild reasons
const (
	ReasonInitial = "initial"
	ReasonGap     = "gap"
	ReasonCrossed = "crossed"
	ReasonParse   = "parse"
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		UpdatesProcessedTotal, GapsDetectedTotal, ParseErrorsTotal, ReconnectsTotal, BookRebuildsTotal, BufferDropsTotal,
		UpdateLatencyMs, BestPrice, ReconciliationState, BookStale,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
