package factory

import (
	"fmt"

	"marketbook/internal/exchange"
	"marketbook/internal/exchange/binance"
	"marketbook/internal/exchange/bybit"
	"marketbook/internal/exchange/okx"
	"marketbook/internal/reconciler"

	"github.com/rs/zerolog"
)

// ExchangeConfig holds configuration for creating an exchange
type ExchangeConfig struct {
	Name    exchange.ExchangeName
	Symbol  string
	WSURL   string
	RESTURL string
	// Depth is the snapshot limit on Binance and the stream depth on Bybit
	Depth  int
	Logger zerolog.Logger
}

// NewExchange creates a new exchange instance based on the configuration.
// Adapters are single use, so every session needs a fresh one.
func NewExchange(config ExchangeConfig) (exchange.Exchange, error) {
	switch config.Name {
	case exchange.Binance:
		return binance.NewSpotExchange(binance.Config{
			Symbol:        config.Symbol,
			WSURL:         config.WSURL,
			RESTURL:       config.RESTURL,
			SnapshotLimit: config.Depth,
			Logger:        config.Logger,
		}), nil

	case exchange.Bybit:
		return bybit.NewSpotExchange(bybit.Config{
			Symbol: config.Symbol,
			WSURL:  config.WSURL,
			Depth:  config.Depth,
			Logger: config.Logger,
		}), nil

	case exchange.OKX:
		return okx.NewSpotExchange(okx.Config{
			Symbol: config.Symbol,
			WSURL:  config.WSURL,
			Logger: config.Logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown exchange: %s", config.Name)
	}
}

// ContinuityFor returns the rule the venue's first post-snapshot diff
// follows. Binance diffs may straddle the snapshot id; Bybit and OKX pushes
// are strictly chained to the pushed snapshot.
func ContinuityFor(name exchange.ExchangeName) reconciler.Continuity {
	if name == exchange.Binance {
		return reconciler.ContinuityStraddle
	}
	return reconciler.ContinuityStrict
}

// ValidateExchangeName checks if the exchange name is supported
func ValidateExchangeName(name string) bool {
	switch exchange.ExchangeName(name) {
	case exchange.Binance, exchange.Bybit, exchange.OKX:
		return true
	default:
		return false
	}
}

// GetSupportedExchanges returns a list of all supported exchanges
func GetSupportedExchanges() []exchange.ExchangeName {
	return []exchange.ExchangeName{exchange.Binance, exchange.Bybit, exchange.OKX}
}
