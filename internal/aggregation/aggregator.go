package aggregation

import (
	"sort"

	"cryptoterm/internal/types"

	"github.com/shopspring/decimal"
)

// Aggregator buckets book levels into tick-sized price rungs
type Aggregator struct {
	currentTick types.TickLevel
}

// New creates a new Aggregator instance
func New(tick types.TickLevel) *Aggregator {
	return &Aggregator{
		currentTick: tick,
	}
}

// SetTickLevel updates the tick level for aggregation
func (a *Aggregator) SetTickLevel(tick types.TickLevel) {
	a.currentTick = tick
}

// GetTickLevel returns the current tick level
func (a *Aggregator) GetTickLevel() types.TickLevel {
	return a.currentTick
}

// AggregateBids buckets bid levels by tick size, flooring prices
func (a *Aggregator) AggregateBids(levels []types.PriceLevel) []types.PriceLevel {
	return a.bucket(levels, decimal.Decimal.Floor)
}

// AggregateAsks buckets ask levels by tick size, ceiling prices
func (a *Aggregator) AggregateAsks(levels []types.PriceLevel) []types.PriceLevel {
	return a.bucket(levels, decimal.Decimal.Ceil)
}

func (a *Aggregator) bucket(levels []types.PriceLevel, round func(decimal.Decimal) decimal.Decimal) []types.PriceLevel {
	if len(levels) == 0 {
		return levels
	}

	tickSize := decimal.NewFromFloat(float64(a.currentTick))
	if tickSize.IsZero() {
		return levels
	}

	byPrice := make(map[string]types.PriceLevel, len(levels))
	for _, level := range levels {
		price := round(level.Price.Div(tickSize)).Mul(tickSize)
		key := price.String()

		if existing, ok := byPrice[key]; ok {
			existing.Quantity = existing.Quantity.Add(level.Quantity)
			byPrice[key] = existing
			continue
		}
		byPrice[key] = types.PriceLevel{Price: price, Quantity: level.Quantity}
	}

	aggregated := make([]types.PriceLevel, 0, len(byPrice))
	for _, level := range byPrice {
		aggregated = append(aggregated, level)
	}
	return aggregated
}

// BidLadder sorts bids by price descending and keeps at most depth levels
// (depth <= 0 keeps all).
func BidLadder(levels []types.PriceLevel, depth int) []types.OrderLevel {
	sorted := append([]types.PriceLevel(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Price.GreaterThan(sorted[j].Price)
	})
	return toOrderLevels(sorted, depth)
}

// AskLadder sorts asks by price ascending and keeps at most depth levels
// (depth <= 0 keeps all).
func AskLadder(levels []types.PriceLevel, depth int) []types.OrderLevel {
	sorted := append([]types.PriceLevel(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Price.LessThan(sorted[j].Price)
	})
	return toOrderLevels(sorted, depth)
}

func toOrderLevels(levels []types.PriceLevel, depth int) []types.OrderLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]types.OrderLevel, len(levels))
	for i, level := range levels {
		out[i] = types.OrderLevel{
			Price:    level.Price.InexactFloat64(),
			Quantity: level.Quantity.InexactFloat64(),
		}
	}
	return out
}

// FilterLevels drops bids priced outside [0.2×, 2×] of the best ask
func FilterLevels(levels []types.PriceLevel, bestAsk decimal.Decimal, isBid bool) []types.PriceLevel {
	if bestAsk.IsZero() || !isBid {
		return levels
	}

	filtered := make([]types.PriceLevel, 0, len(levels))
	maxPrice := bestAsk.Mul(decimal.NewFromInt(2))
	minPrice := bestAsk.Mul(decimal.NewFromFloat(0.2))

	for _, level := range levels {
		if level.Price.LessThanOrEqual(maxPrice) && level.Price.GreaterThanOrEqual(minPrice) {
			filtered = append(filtered, level)
		}
	}
	return filtered
}

var _ types.PriceAggregator = (*Aggregator)(nil)
