package types

// MetricsComputer computes an AggregationResult from best-first book sides
type MetricsComputer interface {
	// Compute summarizes the given bid and ask ladders
	Compute(bids, asks []OrderLevel) AggregationResult
}

// FrameDecoder normalizes a raw market data frame
type FrameDecoder interface {
	// Decode returns nil when the frame is not recognized
	Decode(frame []byte) *DecodedTrade
}

// LevelSource exposes best-first book sides
type LevelSource interface {
	// Sides returns up to depth levels per side, best price first
	Sides(depth int) (bids, asks []OrderLevel)

	// IsInitialized reports whether the source holds a consistent book
	IsInitialized() bool
}

// PriceAggregator buckets book levels into coarser price rungs
type PriceAggregator interface {
	SetTickLevel(tick TickLevel)
	GetTickLevel() TickLevel
	AggregateBids(levels []PriceLevel) []PriceLevel
	AggregateAsks(levels []PriceLevel) []PriceLevel
}
