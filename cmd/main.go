package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketbook/internal/aggregation"
	"marketbook/internal/config"
	"marketbook/internal/factory"
	"marketbook/internal/logging"
	"marketbook/internal/metrics"
	"marketbook/internal/reconciler"
	"marketbook/internal/supervisor"
	"marketbook/internal/websocket"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	var configPath = flag.String("config", "", "Path to a YAML config file")
	var symbol = flag.String("symbol", "", "Trading symbol to monitor on every venue")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.SetSymbol(*symbol)
	}

	logger := logging.New(cfg.Logging)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("All exchanges closed. Goodbye!")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := metrics.Init(logger)

	agg := aggregation.NewVenueAggregator(aggregation.Options{
		Precision:    cfg.Aggregation.Precision,
		IncludeStale: cfg.Aggregation.IncludeStale,
	})
	agg.SetUSDTRate(cfg.USDTRate())

	g, ctx := errgroup.WithContext(ctx)

	for _, exCfg := range cfg.Exchanges {
		venue, err := agg.AddVenue(aggregation.VenueConfig{
			Name:         string(exCfg.Name),
			Denomination: aggregation.Denomination(exCfg.Denomination),
			Precision:    exCfg.Precision,
		})
		if err != nil {
			return err
		}

		opts := cfg.ReconcilerOptions()
		opts.Continuity = factory.ContinuityFor(exCfg.Name)
		opts.Quantizer = venue.Quantizer()
		limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Reconciler.SnapshotsPerMinute)), 1)

		newSession := func() (supervisor.Session, error) {
			ex, err := factory.NewExchange(factory.ExchangeConfig{
				Name:    exCfg.Name,
				Symbol:  exCfg.Symbol,
				WSURL:   exCfg.WSURL,
				RESTURL: exCfg.RESTURL,
				Depth:   exCfg.Depth,
				Logger:  logger,
			})
			if err != nil {
				return nil, err
			}
			return reconciler.New(ex, venue, limiter, logger, opts), nil
		}
		sup := supervisor.New(venue.Name(), newSession, venue.Metrics(), cfg.SupervisorPolicy(), logger)

		logger.Info().Str("venue", venue.Name()).Str("symbol", exCfg.Symbol).Msg("starting venue")
		g.Go(func() error {
			// a venue that gives up stays Failed; the others keep running
			if err := sup.Run(ctx); err != nil {
				logger.Error().Err(err).Str("venue", venue.Name()).Msg("venue stopped")
			}
			return nil
		})
	}

	server := websocket.NewServer(agg, websocket.Options{
		Addr:         cfg.Server.Addr,
		PushInterval: cfg.Display.UpdateInterval,
		Depth:        cfg.Display.Top,
		Tick:         cfg.App.DefaultTickLevel,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Metrics:      metrics.Handler(reg),
	}, logger)
	g.Go(func() error {
		return server.Run(ctx)
	})

	if cfg.App.StatusInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.App.StatusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					printCombinedStats(agg)
				}
			}
		})
	}

	return g.Wait()
}

const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
	colorBold    = "\033[1m"
)

func printCombinedStats(agg *aggregation.VenueAggregator) {
	rows := agg.MetricsRows()
	if len(rows) == 0 {
		return
	}

	fmt.Println()
	fmt.Printf("%s%-11s %-22s %9s %6s %6s %9s %9s %14s %14s%s\n", colorBold,
		"VENUE", "STATE", "UPDATES", "GAPS", "RECON", "AVG ms", "MAX ms", "BEST BID", "BEST ASK", colorReset)

	for _, row := range rows {
		m := row.Metrics
		state := row.State.String()
		stateColor := colorGreen
		if !row.State.Healthy() || m.Stale {
			stateColor = colorRed
		}
		if m.Stale {
			state += " (stale)"
		}
		fmt.Printf("%-11s %s%-22s%s %9d %6d %6d %9.2f %9.2f %s%14s%s %s%14s%s\n",
			row.Venue,
			stateColor, state, colorReset,
			m.UpdatesProcessed, m.GapsDetected, m.Reconnects,
			ms(m.AvgLatency), ms(m.MaxLatency),
			colorGreen, priceOrDash(m.BestBid, m.HasPrices), colorReset,
			colorRed, priceOrDash(m.BestAsk, m.HasPrices), colorReset)
	}

	for _, venue := range agg.Venues() {
		if !venue.State().Healthy() {
			continue
		}
		stats := venue.Book().Stats()
		midPrice := stats.BestBid.Add(stats.BestAsk).Div(decimal.NewFromInt(2))

		fmt.Println()
		fmt.Printf("%s%s%s", colorBold, venue.Name(), colorReset)
		fmt.Printf("  Mid: %s%10s%s │ Spread: %s%8s%s\n",
			colorYellow, midPrice.StringFixed(2), colorReset,
			colorMagenta, stats.Spread.StringFixed(4), colorReset)

		fmt.Printf("  DEPTH 0.5%% Bids: %s%9s%s │ Asks: %s%9s%s │ Δ: %s%10s%s\n",
			colorGreen, stats.BidLiquidity05Pct.StringFixed(2), colorReset,
			colorRed, stats.AskLiquidity05Pct.StringFixed(2), colorReset,
			getDeltaColor(stats.DeltaLiquidity05Pct), stats.DeltaLiquidity05Pct.StringFixed(2), colorReset)

		fmt.Printf("  DEPTH 2%%:  Bids: %s%9s%s │ Asks: %s%9s%s │ Δ: %s%10s%s\n",
			colorGreen, stats.BidLiquidity2Pct.StringFixed(2), colorReset,
			colorRed, stats.AskLiquidity2Pct.StringFixed(2), colorReset,
			getDeltaColor(stats.DeltaLiquidity2Pct), stats.DeltaLiquidity2Pct.StringFixed(2), colorReset)

		fmt.Printf("  DEPTH 10%%  Bids: %s%9s%s │ Asks: %s%9s%s │ Δ: %s%10s%s\n",
			colorGreen, stats.BidLiquidity10Pct.StringFixed(2), colorReset,
			colorRed, stats.AskLiquidity10Pct.StringFixed(2), colorReset,
			getDeltaColor(stats.DeltaLiquidity10Pct), stats.DeltaLiquidity10Pct.StringFixed(2), colorReset)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func priceOrDash(price decimal.Decimal, ok bool) string {
	if !ok {
		return "-"
	}
	return price.StringFixed(2)
}

func getDeltaColor(delta decimal.Decimal) string {
	if delta.GreaterThan(decimal.Zero) {
		return colorGreen
	} else if delta.LessThan(decimal.Zero) {
		return colorRed
	}
	return colorYellow
}
