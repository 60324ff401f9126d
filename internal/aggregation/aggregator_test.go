package aggregation

import (
	"testing"

	"cryptoterm/internal/types"

	"github.com/shopspring/decimal"
)

func level(price, qty float64) types.PriceLevel {
	return types.PriceLevel{Price: decimal.NewFromFloat(price), Quantity: decimal.NewFromFloat(qty)}
}

func TestSetGetTickLevel(t *testing.T) {
	agg := New(types.Tick1)
	if agg.GetTickLevel() != types.Tick1 {
		t.Errorf("Expected tick level %g, got %g", float64(types.Tick1), float64(agg.GetTickLevel()))
	}

	agg.SetTickLevel(types.Tick10)
	if agg.GetTickLevel() != types.Tick10 {
		t.Errorf("Expected tick level %g, got %g", float64(types.Tick10), float64(agg.GetTickLevel()))
	}
}

func TestAggregateBids(t *testing.T) {
	tests := []struct {
		name     string
		tick     types.TickLevel
		levels   []types.PriceLevel
		expected int
	}{
		{
			name:     "No aggregation needed - tick 0.1",
			tick:     types.Tick01,
			levels:   []types.PriceLevel{level(50000.1, 1.0), level(50000.2, 1.5)},
			expected: 2,
		},
		{
			name:     "Aggregation needed - tick 1.0",
			tick:     types.Tick1,
			levels:   []types.PriceLevel{level(50000.1, 1.0), level(50000.9, 1.5)},
			expected: 1,
		},
		{
			name:     "Aggregation needed - tick 10.0",
			tick:     types.Tick10,
			levels:   []types.PriceLevel{level(50001, 1.0), level(50005, 1.5), level(50009, 2.0)},
			expected: 1,
		},
		{
			name:     "Empty levels",
			tick:     types.Tick1,
			levels:   []types.PriceLevel{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := New(tt.tick).AggregateBids(tt.levels)

			if len(result) != tt.expected {
				t.Fatalf("Expected %d aggregated levels, got %d", tt.expected, len(result))
			}

			if len(result) == 1 && len(tt.levels) > 1 {
				expectedQty := decimal.Zero
				for _, l := range tt.levels {
					expectedQty = expectedQty.Add(l.Quantity)
				}
				if !result[0].Quantity.Equal(expectedQty) {
					t.Errorf("Expected aggregated quantity %s, got %s", expectedQty, result[0].Quantity)
				}
			}
		})
	}
}

func TestBucketRounding(t *testing.T) {
	tests := []struct {
		name  string
		tick  types.TickLevel
		price float64
		bid   float64
		ask   float64
	}{
		{name: "tick 1.0", tick: types.Tick1, price: 50000.1, bid: 50000, ask: 50001},
		{name: "tick 10.0", tick: types.Tick10, price: 50005, bid: 50000, ask: 50010},
		{name: "already aligned", tick: types.Tick1, price: 50000, bid: 50000, ask: 50000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.tick)
			in := []types.PriceLevel{level(tt.price, 1)}

			bid := agg.AggregateBids(in)[0].Price
			if !bid.Equal(decimal.NewFromFloat(tt.bid)) {
				t.Errorf("Expected bid bucket %v, got %s", tt.bid, bid)
			}
			ask := agg.AggregateAsks(in)[0].Price
			if !ask.Equal(decimal.NewFromFloat(tt.ask)) {
				t.Errorf("Expected ask bucket %v, got %s", tt.ask, ask)
			}
		})
	}
}

func TestLadders(t *testing.T) {
	bids := []types.PriceLevel{level(99, 1), level(101, 2), level(100, 3)}
	asks := []types.PriceLevel{level(104, 1), level(102, 2), level(103, 3)}

	bidLadder := BidLadder(bids, 2)
	if len(bidLadder) != 2 {
		t.Fatalf("Expected 2 bid levels, got %d", len(bidLadder))
	}
	if bidLadder[0].Price != 101 || bidLadder[1].Price != 100 {
		t.Errorf("Bids not best-first: %+v", bidLadder)
	}

	askLadder := AskLadder(asks, 0)
	if len(askLadder) != 3 {
		t.Fatalf("Expected 3 ask levels, got %d", len(askLadder))
	}
	if askLadder[0].Price != 102 || askLadder[0].Quantity != 2 || askLadder[2].Price != 104 {
		t.Errorf("Asks not best-first: %+v", askLadder)
	}

	if !bids[0].Price.Equal(decimal.NewFromInt(99)) {
		t.Errorf("Input slice was reordered")
	}
}

func TestFilterLevels(t *testing.T) {
	bestAsk := decimal.NewFromFloat(50000)

	levels := []types.PriceLevel{
		level(49000, 1.0),  // Valid
		level(45000, 1.0),  // Valid
		level(5000, 1.0),   // Too low
		level(150000, 1.0), // Too high
	}

	if filtered := FilterLevels(levels, bestAsk, true); len(filtered) != 2 {
		t.Errorf("Expected 2 filtered levels, got %d", len(filtered))
	}
	if filtered := FilterLevels(levels, bestAsk, false); len(filtered) != 4 {
		t.Errorf("Expected asks untouched, got %d", len(filtered))
	}
}

// Benchmarks

func BenchmarkAggregateBids(b *testing.B) {
	agg := New(types.Tick1)

	levels := make([]types.PriceLevel, 1000)
	for i := 0; i < 1000; i++ {
		levels[i] = level(50000-float64(i)+0.5, 1.0)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.AggregateBids(levels)
	}
}

func BenchmarkBidLadder(b *testing.B) {
	levels := make([]types.PriceLevel, 1000)
	for i := 0; i < 1000; i++ {
		levels[i] = level(float64(50000+i%97*10+i), 1.0)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		BidLadder(levels, 100)
	}
}
