package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"cryptoterm/internal/exchange"
	"cryptoterm/internal/factory"
	"cryptoterm/internal/kernel"
	"cryptoterm/internal/types"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration
type Config struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Kernel    KernelConfig     `yaml:"kernel"`
	Server    ServerConfig     `yaml:"server"`
	Redis     RedisConfig      `yaml:"redis"`
	Log       LogConfig        `yaml:"log"`
	App       AppConfig        `yaml:"app"`
}

// ExchangeConfig holds exchange-specific configuration
type ExchangeConfig struct {
	Name   exchange.ExchangeName `yaml:"name"`
	Symbol string                `yaml:"symbol"`
}

// KernelConfig holds metrics kernel settings
type KernelConfig struct {
	LevelCap    int           `yaml:"level_cap"`
	WasmURL     string        `yaml:"wasm_url"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// ServerConfig holds websocket server settings
type ServerConfig struct {
	Port         int           `yaml:"port"`
	PushInterval time.Duration `yaml:"push_interval"`
	WasmDir      string        `yaml:"wasm_dir"`
	Depth        int           `yaml:"depth"`
}

// RedisConfig holds the optional latest-metrics cache settings. An empty
// Addr disables the cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AppConfig holds general application configuration
type AppConfig struct {
	DefaultTickLevel    types.TickLevel `yaml:"default_tick"`
	ReinitCheckInterval time.Duration   `yaml:"reinit_check_interval"`
	MaxBufferSize       int             `yaml:"max_buffer_size"`
	UpdateChannelSize   int             `yaml:"update_channel_size"`
	LogInterval         time.Duration   `yaml:"log_interval"`
}

// Default returns the default configuration for BTCUSDT on Binance Futures
func Default() Config {
	return Config{
		Exchanges: []ExchangeConfig{
			{
				Name:   exchange.Binancef,
				Symbol: "BTCUSDT",
			},
		},
		Kernel: KernelConfig{
			LevelCap:    kernel.DefaultLevelCap,
			WasmURL:     "web/orderbook.wasm",
			LoadTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Port:         8080,
			PushInterval: 500 * time.Millisecond,
			WasmDir:      "web",
			Depth:        20,
		},
		Redis: RedisConfig{
			TTL: time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		App: AppConfig{
			DefaultTickLevel:    types.Tick1,
			ReinitCheckInterval: 5 * time.Second,
			MaxBufferSize:       100,
			UpdateChannelSize:   1000,
			LogInterval:         10 * time.Second,
		},
	}
}

// Load merges the YAML file at path over Default, then applies .env and
// CRYPTOTERM_* overrides. An empty path skips the file. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// missing .env is fine
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration can start the monitor
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("%w: no exchanges configured", ErrInvalidConfig)
	}
	for i, ex := range c.Exchanges {
		if !factory.ValidateExchangeName(string(ex.Name)) {
			return fmt.Errorf("%w: exchanges[%d]: unsupported exchange %q, want one of %v",
				ErrInvalidConfig, i, ex.Name, factory.GetSupportedExchanges())
		}
		if ex.Symbol == "" {
			return fmt.Errorf("%w: exchanges[%d]: empty symbol", ErrInvalidConfig, i)
		}
	}
	if c.Kernel.LevelCap <= 0 {
		return fmt.Errorf("%w: kernel.level_cap must be positive", ErrInvalidConfig)
	}
	if c.Kernel.LoadTimeout <= 0 {
		return fmt.Errorf("%w: kernel.load_timeout must be positive", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.PushInterval <= 0 {
		return fmt.Errorf("%w: server.push_interval must be positive", ErrInvalidConfig)
	}
	if c.Server.Depth <= 0 {
		return fmt.Errorf("%w: server.depth must be positive", ErrInvalidConfig)
	}
	if !types.ValidTickLevel(c.App.DefaultTickLevel) {
		return fmt.Errorf("%w: app.default_tick %g is not a known tick level", ErrInvalidConfig, float64(c.App.DefaultTickLevel))
	}
	if c.App.MaxBufferSize <= 0 || c.App.UpdateChannelSize <= 0 {
		return fmt.Errorf("%w: app buffer sizes must be positive", ErrInvalidConfig)
	}
	if c.App.ReinitCheckInterval <= 0 || c.App.LogInterval <= 0 {
		return fmt.Errorf("%w: app intervals must be positive", ErrInvalidConfig)
	}
	return nil
}

// SetTickLevel updates the default tick level
func (c *Config) SetTickLevel(tick types.TickLevel) {
	c.App.DefaultTickLevel = tick
}

// Addr returns the listen address for Port
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
