package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cryptoterm/internal/exchange"
	"cryptoterm/internal/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CRYPTOTERM_"

// applyEnvOverrides overwrites fields whose CRYPTOTERM_* variable is set and
// non-empty. A value that does not parse is an error.
func applyEnvOverrides(cfg *Config) error {
	env := &envReader{}

	if v := env.lookup("EXCHANGES"); v != "" {
		exchanges, err := parseExchanges(v)
		if err != nil {
			return err
		}
		cfg.Exchanges = exchanges
	}

	env.setInt(&cfg.Kernel.LevelCap, "KERNEL_LEVEL_CAP")
	env.setStr(&cfg.Kernel.WasmURL, "KERNEL_WASM_URL")
	env.setDuration(&cfg.Kernel.LoadTimeout, "KERNEL_LOAD_TIMEOUT")

	env.setInt(&cfg.Server.Port, "SERVER_PORT")
	env.setDuration(&cfg.Server.PushInterval, "SERVER_PUSH_INTERVAL")
	env.setStr(&cfg.Server.WasmDir, "SERVER_WASM_DIR")
	env.setInt(&cfg.Server.Depth, "SERVER_DEPTH")

	env.setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	env.setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	env.setInt(&cfg.Redis.DB, "REDIS_DB")
	env.setDuration(&cfg.Redis.TTL, "REDIS_TTL")

	env.setStr(&cfg.Log.Level, "LOG_LEVEL")
	env.setBool(&cfg.Log.Development, "LOG_DEVELOPMENT")

	var tick float64
	if env.setFloat(&tick, "APP_DEFAULT_TICK") {
		cfg.App.DefaultTickLevel = types.TickLevel(tick)
	}
	env.setDuration(&cfg.App.ReinitCheckInterval, "APP_REINIT_CHECK_INTERVAL")
	env.setInt(&cfg.App.MaxBufferSize, "APP_MAX_BUFFER_SIZE")
	env.setInt(&cfg.App.UpdateChannelSize, "APP_UPDATE_CHANNEL_SIZE")
	env.setDuration(&cfg.App.LogInterval, "APP_LOG_INTERVAL")

	return env.err
}

// parseExchanges reads "name:SYMBOL,name:SYMBOL"
func parseExchanges(v string) ([]ExchangeConfig, error) {
	var out []ExchangeConfig
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, symbol, ok := strings.Cut(part, ":")
		if !ok || name == "" || symbol == "" {
			return nil, fmt.Errorf("%w: %sEXCHANGES entry %q is not name:SYMBOL", ErrInvalidConfig, EnvPrefix, part)
		}
		out = append(out, ExchangeConfig{
			Name:   exchange.ExchangeName(strings.ToLower(name)),
			Symbol: strings.ToUpper(symbol),
		})
	}
	return out, nil
}

// envReader keeps the first parse failure
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func (r *envReader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, key, value, err)
	}
}

func (r *envReader) setStr(dst *string, key string) {
	if v := r.lookup(key); v != "" {
		*dst = v
	}
}

func (r *envReader) setInt(dst *int, key string) {
	if v := r.lookup(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) setFloat(dst *float64, key string) bool {
	v := r.lookup(key)
	if v == "" {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return false
	}
	*dst = f
	return true
}

func (r *envReader) setBool(dst *bool, key string) {
	if v := r.lookup(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) setDuration(dst *time.Duration, key string) {
	if v := r.lookup(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}
