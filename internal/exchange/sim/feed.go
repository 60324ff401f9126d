// Package sim is an offline venue. It random-walks a book on a 0.1 price grid,
// emits contiguous depth diffs, and prints trades in the binary frame layout
// so they travel through the same decoder as live frames.
package sim

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cryptoterm/internal/decoder"
	"cryptoterm/internal/exchange"
	"cryptoterm/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultInterval   = 100 * time.Millisecond
	defaultDepth      = 50
	defaultStartPrice = 50000.0
	defaultBufferSize = 1000

	// grid indexes are prices in tenths
	tickExp = -1
)

var errAlreadyConnected = errors.New("sim feed already connected")

// Config holds simulated venue settings
type Config struct {
	Symbol     string
	Decoder    types.FrameDecoder
	Logger     *zap.Logger
	BufferSize int

	Interval   time.Duration // <= 0 means 100ms
	Depth      int           // levels per side; <= 0 means 50
	StartPrice float64       // <= 0 means 50000
	Seed       int64         // 0 seeds from the clock
}

// Feed implements exchange.Exchange without a network
type Feed struct {
	symbol   string
	symbolID uint64
	decoder  types.FrameDecoder
	logger   *zap.Logger
	interval time.Duration
	depth    int

	mu           sync.Mutex
	rng          *rand.Rand
	center       int64
	bids         map[int64]decimal.Decimal
	asks         map[int64]decimal.Decimal
	lastUpdateID int64

	updateChan chan *exchange.DepthUpdate
	tradeChan  chan *types.DecodedTrade
	done       chan struct{}
	closeOnce  sync.Once
	started    atomic.Bool

	healthMu sync.Mutex
	health   exchange.HealthStatus
}

// New seeds a full book around StartPrice
func New(cfg Config) *Feed {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = defaultStartPrice
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	symbol := strings.ToUpper(cfg.Symbol)
	f := &Feed{
		symbol:       symbol,
		symbolID:     decoder.SymbolID(symbol),
		decoder:      cfg.Decoder,
		logger:       cfg.Logger.With(zap.String("exchange", string(exchange.Sim)), zap.String("symbol", symbol)),
		interval:     cfg.Interval,
		depth:        cfg.Depth,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		center:       decimal.NewFromFloat(cfg.StartPrice).Shift(-tickExp).IntPart(),
		bids:         make(map[int64]decimal.Decimal, cfg.Depth),
		asks:         make(map[int64]decimal.Decimal, cfg.Depth),
		lastUpdateID: 1,
		updateChan:   make(chan *exchange.DepthUpdate, cfg.BufferSize),
		tradeChan:    make(chan *types.DecodedTrade, cfg.BufferSize),
		done:         make(chan struct{}),
	}
	for i := 1; i <= f.depth; i++ {
		f.bids[f.center-int64(i)] = f.restingQty()
		f.asks[f.center+int64(i)] = f.restingQty()
	}
	return f
}

// GetName returns the exchange name
func (f *Feed) GetName() exchange.ExchangeName {
	return exchange.Sim
}

// GetSymbol returns the trading symbol
func (f *Feed) GetSymbol() string {
	return f.symbol
}

// Connect starts the generator. The channels close when ctx is cancelled or
// Close is called.
func (f *Feed) Connect(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return errAlreadyConnected
	}
	f.setConnected(true)
	f.logger.Info("simulated feed started", zap.Duration("interval", f.interval))

	go f.run(ctx)
	return nil
}

// Close stops the generator
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
	})
	return nil
}

// GetSnapshot returns the current book, best prices first
func (f *Feed) GetSnapshot(ctx context.Context) (*exchange.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return &exchange.Snapshot{
		Exchange:     exchange.Sim,
		Symbol:       f.symbol,
		LastUpdateID: f.lastUpdateID,
		Bids:         levels(f.bids, true),
		Asks:         levels(f.asks, false),
		Timestamp:    time.Now(),
	}, nil
}

// Updates returns a channel that receives depth updates
func (f *Feed) Updates() <-chan *exchange.DepthUpdate {
	return f.updateChan
}

// Trades returns a channel that receives decoded trades
func (f *Feed) Trades() <-chan *types.DecodedTrade {
	return f.tradeChan
}

// IsConnected reports whether the generator is running
func (f *Feed) IsConnected() bool {
	return f.Health().Connected
}

// Health returns generator counters
func (f *Feed) Health() exchange.HealthStatus {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()
	return f.health
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.updateChan)
	defer close(f.tradeChan)
	defer f.setConnected(false)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
		}

		update, trade := f.step(time.Now())
		f.mutateHealth(func(s *exchange.HealthStatus) {
			s.MessageCount++
			s.LastPing = time.Now()
		})

		select {
		case f.updateChan <- update:
		default:
			f.logger.Warn("update channel full, skipping update")
		}
		f.emitTrade(trade)
	}
}

// emitTrade round-trips the trade through its binary frame
func (f *Feed) emitTrade(trade types.DecodedTrade) {
	if f.decoder == nil {
		return
	}
	frame := decoder.EncodeTrade(decoder.EventID(types.EventTrade), f.symbolID, trade)
	decoded := f.decoder.Decode(frame)
	if decoded == nil {
		f.mutateHealth(func(s *exchange.HealthStatus) { s.ErrorCount++ })
		return
	}
	f.mutateHealth(func(s *exchange.HealthStatus) { s.TradeCount++ })

	select {
	case f.tradeChan <- decoded:
	default:
	}
}

// step moves the mid by at most one tick, refills the grid around it, and
// reprices a couple of resting levels. The returned diff continues
// lastUpdateID.
func (f *Feed) step(now time.Time) (*exchange.DepthUpdate, types.DecodedTrade) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.center += int64(f.rng.Intn(3) - 1)

	bidChanges := f.regrid(f.bids, -1)
	askChanges := f.regrid(f.asks, 1)
	for i := 0; i < 2; i++ {
		idx := f.center - int64(f.rng.Intn(f.depth)+1)
		bidChanges[idx] = f.restingQty()
		idx = f.center + int64(f.rng.Intn(f.depth)+1)
		askChanges[idx] = f.restingQty()
	}
	apply(f.bids, bidChanges)
	apply(f.asks, askChanges)

	prev := f.lastUpdateID
	f.lastUpdateID++
	update := &exchange.DepthUpdate{
		Exchange:      exchange.Sim,
		Symbol:        f.symbol,
		EventTime:     now,
		FirstUpdateID: f.lastUpdateID,
		FinalUpdateID: f.lastUpdateID,
		PrevUpdateID:  prev,
		Bids:          levels(bidChanges, true),
		Asks:          levels(askChanges, false),
	}

	buyer := f.rng.Intn(2) == 0
	touch := f.center - 1
	if buyer {
		touch = f.center + 1
	}
	trade := types.DecodedTrade{
		EventType:        types.EventTrade,
		Symbol:           f.symbol,
		Price:            decimal.New(touch, tickExp).InexactFloat64(),
		Quantity:         decimal.NewFromFloat(0.001 + f.rng.Float64()/2).Round(3).InexactFloat64(),
		TimestampMs:      now.UnixMilli(),
		IsBuyerInitiated: buyer,
	}
	return update, trade
}

// regrid returns the changes that make side cover exactly depth indexes on
// the given side of center: zero for levels that fell off, fresh quantity for
// levels that came into range.
func (f *Feed) regrid(side map[int64]decimal.Decimal, dir int64) map[int64]decimal.Decimal {
	want := make(map[int64]struct{}, f.depth)
	for i := 1; i <= f.depth; i++ {
		want[f.center+dir*int64(i)] = struct{}{}
	}

	changes := make(map[int64]decimal.Decimal)
	for idx := range side {
		if _, ok := want[idx]; !ok {
			changes[idx] = decimal.Zero
		}
	}
	for idx := range want {
		if _, ok := side[idx]; !ok {
			changes[idx] = f.restingQty()
		}
	}
	return changes
}

// restingQty must be called with mu held or before the feed is shared
func (f *Feed) restingQty() decimal.Decimal {
	return decimal.NewFromFloat(0.001 + f.rng.Float64()*5).Round(3)
}

func apply(side, changes map[int64]decimal.Decimal) {
	for idx, qty := range changes {
		if qty.IsZero() {
			delete(side, idx)
			continue
		}
		side[idx] = qty
	}
}

// levels renders grid levels as venue strings, bids descending and asks ascending
func levels(side map[int64]decimal.Decimal, desc bool) []exchange.PriceLevel {
	idxs := make([]int64, 0, len(side))
	for idx := range side {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool {
		if desc {
			return idxs[i] > idxs[j]
		}
		return idxs[i] < idxs[j]
	})

	out := make([]exchange.PriceLevel, len(idxs))
	for i, idx := range idxs {
		out[i] = exchange.PriceLevel{
			Price:    decimal.New(idx, tickExp).String(),
			Quantity: side[idx].String(),
		}
	}
	return out
}

func (f *Feed) mutateHealth(fn func(*exchange.HealthStatus)) {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()
	fn(&f.health)
}

func (f *Feed) setConnected(connected bool) {
	f.mutateHealth(func(s *exchange.HealthStatus) {
		s.Connected = connected
		if !connected {
			now := time.Now()
			s.ReconnectTime = &now
		}
	})
}

var _ exchange.Exchange = (*Feed)(nil)
