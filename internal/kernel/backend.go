// Package kernel computes order-book microstructure metrics (mid, spread,
// imbalance, VWAP) over best-first bid and ask ladders.
//
// Two interchangeable backends implement the arithmetic: a WebAssembly module
// executed by wazero, and a plain Go fallback. Both produce the same nine raw
// fields in the same order, so either can serve Kernel.Compute.
package kernel

import (
	"math"

	"cryptoterm/internal/types"
)

// DefaultLevelCap bounds the number of levels aggregated per side
const DefaultLevelCap = 100

// Summary is the raw backend output, in the field order written by the
// WebAssembly module.
type Summary struct {
	TotalBidQty float64
	BidVWAP     float64
	TotalAskQty float64
	AskVWAP     float64
	MidPrice    float64
	Spread      float64
	Imbalance   float64
	BestBid     float64
	BestAsk     float64
}

// Result derives the public AggregationResult from a backend summary
func (s Summary) Result() types.AggregationResult {
	res := types.AggregationResult{
		MidPrice:    s.MidPrice,
		Spread:      s.Spread,
		Imbalance:   s.Imbalance,
		BidVWAP:     s.BidVWAP,
		AskVWAP:     s.AskVWAP,
		TotalBidQty: s.TotalBidQty,
		TotalAskQty: s.TotalAskQty,
		BestBid:     s.BestBid,
		BestAsk:     s.BestAsk,
	}
	if s.MidPrice > 0 {
		res.SpreadPct = s.Spread / s.MidPrice * 100
	}
	return res
}

// Backend aggregates the first n levels of each side.
// Best prices are always read from index 0 of a non-empty side, even when n is 0.
type Backend interface {
	Name() string
	Aggregate(bids, asks []types.OrderLevel, n int) Summary
}

// LevelCount returns how many levels per side are aggregated: the shorter
// side's length, bounded by levelCap.
func LevelCount(bidLen, askLen, levelCap int) int {
	n := min(bidLen, askLen)
	if levelCap > 0 && n > levelCap {
		n = levelCap
	}
	if n < 0 {
		return 0
	}
	return n
}

// FallbackBackend is the pure Go implementation. It is the reference the
// native backend is tested against.
type FallbackBackend struct{}

// Name returns the backend identifier
func (FallbackBackend) Name() string {
	return "fallback"
}

// Aggregate computes the summary over the first n levels of each side
func (FallbackBackend) Aggregate(bids, asks []types.OrderLevel, n int) Summary {
	n = LevelCount(len(bids), len(asks), n)

	var s Summary
	if len(bids) > 0 {
		s.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		s.BestAsk = asks[0].Price
	}

	// float64 conversions keep each product rounded on its own, matching the
	// module's f64.mul followed by f64.add.
	var bidNotional, askNotional float64
	for i := 0; i < n; i++ {
		s.TotalBidQty += bids[i].Quantity
		bidNotional += float64(bids[i].Price * bids[i].Quantity)
	}
	for i := 0; i < n; i++ {
		s.TotalAskQty += asks[i].Quantity
		askNotional += float64(asks[i].Price * asks[i].Quantity)
	}

	s.BidVWAP = s.BestBid
	if s.TotalBidQty > 0 {
		s.BidVWAP = bidNotional / s.TotalBidQty
	}
	s.AskVWAP = s.BestAsk
	if s.TotalAskQty > 0 {
		s.AskVWAP = askNotional / s.TotalAskQty
	}

	s.MidPrice = (s.BestBid + s.BestAsk) / 2
	s.Spread = s.BestAsk - s.BestBid

	total := s.TotalBidQty + s.TotalAskQty
	if total > 0 {
		s.Imbalance = math.Max(math.Min((s.TotalBidQty-s.TotalAskQty)/total, 1), -1)
	}
	return s
}
