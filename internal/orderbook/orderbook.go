package orderbook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptoterm/internal/aggregation"
	"cryptoterm/internal/exchange"
	"cryptoterm/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultMaxBuffer is the buffered-event count that triggers a resnapshot
const DefaultMaxBuffer = 100

// OrderBook manages the real-time order book state of one venue
type OrderBook struct {
	mu           sync.RWMutex
	logger       *zap.Logger
	bids         map[string]types.PriceLevel
	asks         map[string]types.PriceLevel
	lastUpdateID int64
	eventBuffer  []*exchange.DepthUpdate
	maxBuffer    int
	initialized  bool
	stats        types.Stats
	bestBid      decimal.Decimal
	bestAsk      decimal.Decimal
}

// New creates a new OrderBook instance
func New(logger *zap.Logger, maxBuffer int) *OrderBook {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &OrderBook{
		logger:    logger,
		bids:      make(map[string]types.PriceLevel),
		asks:      make(map[string]types.PriceLevel),
		maxBuffer: maxBuffer,
		stats: types.Stats{
			ConnectionTime: time.Now(),
		},
	}
}

// LoadSnapshot replaces the book with a venue snapshot
func (ob *OrderBook) LoadSnapshot(snapshot *exchange.Snapshot) error {
	bids, err := parseLevels(snapshot.Bids)
	if err != nil {
		return fmt.Errorf("invalid bid: %w", err)
	}
	asks, err := parseLevels(snapshot.Asks)
	if err != nil {
		return fmt.Errorf("invalid ask: %w", err)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.lastUpdateID = snapshot.LastUpdateID
	ob.bids = bids
	ob.asks = asks
	ob.refreshBest()
	ob.updateStats()
	return nil
}

func parseLevels(levels []exchange.PriceLevel) (map[string]types.PriceLevel, error) {
	out := make(map[string]types.PriceLevel, len(levels))
	for _, l := range levels {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", l.Price, err)
		}
		qty, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			return nil, fmt.Errorf("quantity %s: %w", l.Quantity, err)
		}
		if !qty.IsZero() {
			out[l.Price] = types.PriceLevel{Price: price, Quantity: qty}
		}
	}
	return out, nil
}

// HandleDepthUpdate processes a depth update from the stream. Updates that
// arrive before initialization or after a sequence gap are buffered.
func (ob *OrderBook) HandleDepthUpdate(update *exchange.DepthUpdate) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if !ob.initialized {
		ob.eventBuffer = append(ob.eventBuffer, update)
		return
	}

	if update.PrevUpdateID != ob.lastUpdateID && !ob.bridges(update) {
		ob.eventBuffer = append(ob.eventBuffer, update)
		ob.stats.BufferedEvents = len(ob.eventBuffer)
		return
	}

	ob.applyUpdate(update)
}

// bridges reports whether update spans lastUpdateID+1 (must be called with mutex locked)
func (ob *OrderBook) bridges(update *exchange.DepthUpdate) bool {
	return update.FirstUpdateID <= ob.lastUpdateID+1 && update.FinalUpdateID > ob.lastUpdateID
}

// ProcessBufferedEvents replays buffered events that continue the snapshot
// and marks the book initialized.
func (ob *OrderBook) ProcessBufferedEvents() {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	valid := make([]*exchange.DepthUpdate, 0, len(ob.eventBuffer))
	for _, event := range ob.eventBuffer {
		if event.FinalUpdateID > ob.lastUpdateID {
			valid = append(valid, event)
		}
	}
	ob.eventBuffer = nil

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].FirstUpdateID < valid[j].FirstUpdateID
	})

	applied := 0
	for _, event := range valid {
		if ob.bridges(event) {
			ob.applyUpdate(event)
			applied++
		}
	}

	ob.initialized = true
	ob.stats.BufferedEvents = 0
	ob.logger.Debug("orderbook initialized",
		zap.Int("replayed", applied),
		zap.Int64("lastUpdateId", ob.lastUpdateID))
}

// CheckAndReinitialize reloads a snapshot when too many events are buffered
func (ob *OrderBook) CheckAndReinitialize(getSnapshot func() (*exchange.Snapshot, error)) {
	ob.mu.Lock()
	bufferLen := len(ob.eventBuffer)
	if bufferLen <= ob.maxBuffer {
		ob.mu.Unlock()
		return
	}
	ob.initialized = false
	ob.mu.Unlock()

	ob.logger.Info("reinitializing due to buffer accumulation", zap.Int("buffered", bufferLen))

	snapshot, err := getSnapshot()
	if err != nil {
		ob.logger.Warn("failed to fetch snapshot for reinitialize", zap.Error(err))
		return
	}
	if err := ob.LoadSnapshot(snapshot); err != nil {
		ob.logger.Warn("failed to load snapshot during reinitialize", zap.Error(err))
		return
	}
	ob.ProcessBufferedEvents()
}

// Sides returns up to depth levels per side, best price first. depth <= 0
// returns every level.
func (ob *OrderBook) Sides(depth int) (bids, asks []types.OrderLevel) {
	rawBids, rawAsks := ob.Levels()
	return aggregation.BidLadder(rawBids, depth), aggregation.AskLadder(rawAsks, depth)
}

// Levels returns unordered copies of both sides
func (ob *OrderBook) Levels() (bids, asks []types.PriceLevel) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = make([]types.PriceLevel, 0, len(ob.bids))
	for _, l := range ob.bids {
		bids = append(bids, l)
	}
	asks = make([]types.PriceLevel, 0, len(ob.asks))
	for _, l := range ob.asks {
		asks = append(asks, l)
	}
	return bids, asks
}

// GetStats returns a copy of the current statistics
func (ob *OrderBook) GetStats() types.Stats {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.stats
}

// IsInitialized returns whether the orderbook is initialized
func (ob *OrderBook) IsInitialized() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.initialized
}

// GetBufferLength returns the current buffer length
func (ob *OrderBook) GetBufferLength() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.eventBuffer)
}

// applyUpdate applies a depth update (must be called with mutex locked)
func (ob *OrderBook) applyUpdate(update *exchange.DepthUpdate) {
	applySide(ob.bids, update.Bids)
	applySide(ob.asks, update.Asks)
	ob.refreshBest()

	ob.lastUpdateID = update.FinalUpdateID
	ob.stats.EventsProcessed++
	ob.stats.LastEventTime = update.EventTime
	ob.updateStats()
}

// applySide upserts levels and removes zero-quantity ones; unparsable levels are skipped
func applySide(side map[string]types.PriceLevel, changes []exchange.PriceLevel) {
	for _, c := range changes {
		price, err := decimal.NewFromString(c.Price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(c.Quantity)
		if err != nil {
			continue
		}

		if qty.IsZero() {
			delete(side, c.Price)
			continue
		}
		side[c.Price] = types.PriceLevel{Price: price, Quantity: qty}
	}
}

// refreshBest rescans both sides (must be called with mutex locked)
func (ob *OrderBook) refreshBest() {
	ob.bestBid = decimal.Zero
	for _, l := range ob.bids {
		if l.Price.GreaterThan(ob.bestBid) {
			ob.bestBid = l.Price
		}
	}

	ob.bestAsk = decimal.Zero
	for _, l := range ob.asks {
		if ob.bestAsk.IsZero() || l.Price.LessThan(ob.bestAsk) {
			ob.bestAsk = l.Price
		}
	}
}

// updateStats refreshes cached statistics (must be called with mutex locked)
func (ob *OrderBook) updateStats() {
	ob.stats.BidLevels = len(ob.bids)
	ob.stats.AskLevels = len(ob.asks)
	ob.stats.BufferedEvents = len(ob.eventBuffer)
	ob.stats.BestBid = ob.bestBid
	ob.stats.BestAsk = ob.bestAsk

	ob.stats.Spread = decimal.Zero
	ob.stats.BidLiquidity05Pct = decimal.Zero
	ob.stats.AskLiquidity05Pct = decimal.Zero
	ob.stats.BidLiquidity2Pct = decimal.Zero
	ob.stats.AskLiquidity2Pct = decimal.Zero

	if ob.bestBid.IsZero() || ob.bestAsk.IsZero() {
		return
	}
	if ob.bestAsk.GreaterThan(ob.bestBid) {
		ob.stats.Spread = ob.bestAsk.Sub(ob.bestBid)
	}

	mid := ob.bestBid.Add(ob.bestAsk).Div(decimal.NewFromInt(2))
	band05 := mid.Mul(decimal.NewFromFloat(0.005))
	band2 := mid.Mul(decimal.NewFromFloat(0.02))

	for _, l := range ob.bids {
		if l.Price.GreaterThanOrEqual(mid.Sub(band05)) {
			ob.stats.BidLiquidity05Pct = ob.stats.BidLiquidity05Pct.Add(l.Quantity)
		}
		if l.Price.GreaterThanOrEqual(mid.Sub(band2)) {
			ob.stats.BidLiquidity2Pct = ob.stats.BidLiquidity2Pct.Add(l.Quantity)
		}
	}
	for _, l := range ob.asks {
		if l.Price.LessThanOrEqual(mid.Add(band05)) {
			ob.stats.AskLiquidity05Pct = ob.stats.AskLiquidity05Pct.Add(l.Quantity)
		}
		if l.Price.LessThanOrEqual(mid.Add(band2)) {
			ob.stats.AskLiquidity2Pct = ob.stats.AskLiquidity2Pct.Add(l.Quantity)
		}
	}
}

var _ types.LevelSource = (*OrderBook)(nil)
