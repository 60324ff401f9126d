package factory

import (
	"fmt"

	"cryptoterm/internal/exchange"
	"cryptoterm/internal/exchange/binance"
	"cryptoterm/internal/exchange/sim"
	"cryptoterm/internal/types"

	"go.uber.org/zap"
)

// ExchangeConfig holds configuration for creating an exchange
type ExchangeConfig struct {
	Name       exchange.ExchangeName
	Symbol     string
	Decoder    types.FrameDecoder
	Logger     *zap.Logger
	BufferSize int
}

// NewExchange creates a new exchange instance based on the configuration
func NewExchange(config ExchangeConfig) (exchange.Exchange, error) {
	if config.Symbol == "" {
		return nil, fmt.Errorf("exchange %s: empty symbol", config.Name)
	}

	cfg := binance.Config{
		Symbol:     config.Symbol,
		Decoder:    config.Decoder,
		Logger:     config.Logger,
		BufferSize: config.BufferSize,
	}

	switch config.Name {
	case exchange.Binancef:
		return binance.NewFuturesExchange(cfg), nil
	case exchange.Binance:
		return binance.NewSpotExchange(cfg), nil
	case exchange.Sim:
		return sim.New(sim.Config{
			Symbol:     config.Symbol,
			Decoder:    config.Decoder,
			Logger:     config.Logger,
			BufferSize: config.BufferSize,
		}), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", config.Name)
	}
}

// ValidateExchangeName checks if the exchange name is supported
func ValidateExchangeName(name string) bool {
	switch exchange.ExchangeName(name) {
	case exchange.Binancef, exchange.Binance, exchange.Sim:
		return true
	default:
		return false
	}
}

// GetSupportedExchanges returns a list of all supported exchanges
func GetSupportedExchanges() []exchange.ExchangeName {
	return []exchange.ExchangeName{exchange.Binancef, exchange.Binance, exchange.Sim}
}
