package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cryptoterm/internal/cache"
	"cryptoterm/internal/config"
	"cryptoterm/internal/decoder"
	"cryptoterm/internal/exchange"
	"cryptoterm/internal/factory"
	"cryptoterm/internal/kernel"
	"cryptoterm/internal/logger"
	"cryptoterm/internal/orderbook"
	"cryptoterm/internal/profile"
	"cryptoterm/internal/types"
	"cryptoterm/internal/websocket"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	symbol := flag.String("symbol", "", "Override the symbol of every configured exchange")
	tick := flag.Float64("tick", 0, "Override the default ladder tick size")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		for i := range cfg.Exchanges {
			cfg.Exchanges[i].Symbol = strings.ToUpper(*symbol)
		}
	}
	if *tick != 0 {
		cfg.SetTickLevel(types.TickLevel(*tick))
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	host := profile.Detect()
	host.Apply(cfg)
	log.Info("starting orderbook monitor",
		zap.Stringer("profile", host),
		zap.Strings("exchanges", exchangeNames(cfg.Exchanges)),
		zap.Int("levelCap", cfg.Kernel.LevelCap),
		zap.Duration("pushInterval", cfg.Server.PushInterval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("monitor stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("all exchanges closed, goodbye")
}

func exchangeNames(exchanges []config.ExchangeConfig) []string {
	names := make([]string, len(exchanges))
	for i, ex := range exchanges {
		names[i] = string(ex.Name) + ":" + ex.Symbol
	}
	return names
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	k := kernel.New(kernel.Options{
		LevelCap:    cfg.Kernel.LevelCap,
		ModuleURL:   cfg.Kernel.WasmURL,
		LoadTimeout: cfg.Kernel.LoadTimeout,
		Logger:      log,
		Metrics:     kernel.NewMetrics(reg),
	})
	defer k.Close(context.Background())

	dec := decoder.New(reg)

	opts := websocket.Options{
		Config:      cfg.Server,
		DefaultTick: cfg.App.DefaultTickLevel,
		Kernel:      k,
		Registry:    reg,
		Logger:      log,
	}
	metricsCache, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		log.Warn("metrics cache disabled", zap.Error(err))
	}
	if metricsCache != nil {
		defer metricsCache.Close()
		opts.Sink = metricsCache
	}

	feeds := make([]websocket.Feed, 0, len(cfg.Exchanges))
	for _, exCfg := range cfg.Exchanges {
		ex, err := factory.NewExchange(factory.ExchangeConfig{
			Name:       exCfg.Name,
			Symbol:     exCfg.Symbol,
			Decoder:    dec,
			Logger:     log,
			BufferSize: cfg.App.UpdateChannelSize,
		})
		if err != nil {
			return fmt.Errorf("create exchange: %w", err)
		}
		book := orderbook.New(log.With(zap.String("exchange", string(exCfg.Name))), cfg.App.MaxBufferSize)
		feeds = append(feeds, websocket.Feed{Exchange: ex, Book: book})
	}

	server := websocket.NewServer(feeds, opts)

	g, gctx := errgroup.WithContext(ctx)

	// Compute answers from the fallback until the native module settles
	g.Go(func() error {
		state := k.Load(gctx)
		log.Info("metrics kernel ready", zap.Stringer("state", state), zap.String("backend", k.BackendName()))
		return nil
	})

	g.Go(func() error {
		return server.Start(gctx)
	})

	for _, f := range feeds {
		f := f
		g.Go(func() error {
			runFeed(gctx, f, server, cfg.App, log)
			return nil
		})
	}

	g.Go(func() error {
		logStats(gctx, feeds, k, dec, cfg.App.LogInterval, log)
		return nil
	})

	return g.Wait()
}

// runFeed keeps one book in sync with its venue until ctx ends or the stream
// closes. Failures are logged; they never stop the other feeds.
func runFeed(ctx context.Context, f websocket.Feed, server *websocket.Server, app config.AppConfig, log *zap.Logger) {
	ex, ob := f.Exchange, f.Book
	log = log.With(zap.String("exchange", string(ex.GetName())), zap.String("symbol", ex.GetSymbol()))
	log.Info("starting connection")

	if err := ex.Connect(ctx); err != nil {
		log.Error("failed to connect", zap.Error(err))
		return
	}
	defer ex.Close()

	snapshot, err := ex.GetSnapshot(ctx)
	if err != nil {
		log.Error("failed to get snapshot", zap.Error(err))
		return
	}
	if err := ob.LoadSnapshot(snapshot); err != nil {
		log.Error("failed to load snapshot", zap.Error(err))
		return
	}

	updatesDone := make(chan struct{})
	go func() {
		defer close(updatesDone)
		for update := range ex.Updates() {
			ob.HandleDepthUpdate(update)
		}
	}()

	go func() {
		for trade := range ex.Trades() {
			server.PublishTrade(string(ex.GetName()), trade)
		}
	}()

	go func() {
		ticker := time.NewTicker(app.ReinitCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ob.CheckAndReinitialize(func() (*exchange.Snapshot, error) {
					return ex.GetSnapshot(ctx)
				})
			case <-updatesDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	ob.ProcessBufferedEvents()
	log.Info("orderbook initialized")

	select {
	case <-updatesDone:
		log.Warn("connection closed")
	case <-ctx.Done():
		log.Info("shutting down")
	}
}

func logStats(ctx context.Context, feeds []websocket.Feed, k *kernel.Kernel, dec *decoder.Decoder, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, f := range feeds {
			if !f.Book.IsInitialized() {
				continue
			}
			bids, asks := f.Book.Sides(k.LevelCap())
			res := k.Compute(bids, asks)
			stats := f.Book.GetStats()
			health := f.Exchange.Health()

			log.Info("orderbook stats",
				zap.String("exchange", string(f.Exchange.GetName())),
				zap.String("symbol", f.Exchange.GetSymbol()),
				zap.Float64("mid", res.MidPrice),
				zap.Float64("spread", res.Spread),
				zap.Float64("spreadPct", res.SpreadPct),
				zap.Float64("imbalance", res.Imbalance),
				zap.Bool("oneSided", res.OneSided()),
				zap.Float64("bidVwap", res.BidVWAP),
				zap.Float64("askVwap", res.AskVWAP),
				zap.Stringer("bidDepth05", stats.BidLiquidity05Pct),
				zap.Stringer("askDepth05", stats.AskLiquidity05Pct),
				zap.Stringer("bidDepth2", stats.BidLiquidity2Pct),
				zap.Stringer("askDepth2", stats.AskLiquidity2Pct),
				zap.Int("levels", stats.BidLevels+stats.AskLevels),
				zap.Int64("messages", health.MessageCount),
				zap.Int64("trades", health.TradeCount),
				zap.Duration("uptime", time.Since(stats.ConnectionTime).Round(time.Second)),
				zap.String("backend", k.BackendName()),
				zap.Duration("compute", k.LastDuration()))
		}

		counts := dec.Counts()
		log.Debug("decoder counts",
			zap.Int64("binary", counts.Binary),
			zap.Int64("json", counts.JSON),
			zap.Int64("failed", counts.Failed))
	}
}
