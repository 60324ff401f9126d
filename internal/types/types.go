package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TickLevel represents available tick size options for ladder bucketing
type TickLevel float64

const (
	Tick01  TickLevel = 0.1
	Tick1   TickLevel = 1.0
	Tick10  TickLevel = 10.0
	Tick50  TickLevel = 50.0
	Tick100 TickLevel = 100.0
)

// AvailableTickLevels defines the available tick levels in order of precision
var AvailableTickLevels = []TickLevel{
	Tick01,
	Tick1,
	Tick10,
	Tick50,
	Tick100,
}

// PriceLevel is a resting book level held with exact decimal precision.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderLevel is one price rung of a book side as consumed by the metrics kernel.
type OrderLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// AggregationResult is the microstructure summary of a bid/ask snapshot.
type AggregationResult struct {
	MidPrice    float64 `json:"midPrice"`
	Spread      float64 `json:"spread"`
	SpreadPct   float64 `json:"spreadPct"`
	Imbalance   float64 `json:"imbalance"`
	BidVWAP     float64 `json:"bidVwap"`
	AskVWAP     float64 `json:"askVwap"`
	TotalBidQty float64 `json:"totalBidQty"`
	TotalAskQty float64 `json:"totalAskQty"`
	BestBid     float64 `json:"bestBid"`
	BestAsk     float64 `json:"bestAsk"`
}

// OneSided reports whether either best price is missing. MidPrice and Spread
// of a one-sided result are not meaningful market values.
func (r AggregationResult) OneSided() bool {
	return r.BestBid == 0 || r.BestAsk == 0
}

// Finite reports whether every field is a finite number. Levels whose
// notional overflows float64 produce Inf or NaN.
func (r AggregationResult) Finite() bool {
	for _, v := range [...]float64{
		r.MidPrice, r.Spread, r.SpreadPct, r.Imbalance, r.BidVWAP,
		r.AskVWAP, r.TotalBidQty, r.TotalAskQty, r.BestBid, r.BestAsk,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Event type names produced by the frame decoder
const (
	EventTrade       = "trade"
	EventAggTrade    = "aggTrade"
	EventTicker24h   = "24hrTicker"
	EventDepthUpdate = "depthUpdate"
	Unknown          = "unknown"
)

// DecodedTrade is a normalized real-time market message.
type DecodedTrade struct {
	EventType        string  `json:"eventType"`
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	Quantity         float64 `json:"quantity"`
	TimestampMs      int64   `json:"timestampMs"`
	IsBuyerInitiated bool    `json:"isBuyerInitiated"`
	RawPayload       []byte  `json:"-"`
}

// Stats holds bookkeeping information about a live order book
type Stats struct {
	EventsProcessed int64     // Diff events applied since start
	LastEventTime   time.Time // Venue event time of the last applied diff
	ConnectionTime  time.Time
	BufferedEvents  int // Diffs waiting for a snapshot or a gap to close
	BidLevels       int
	AskLevels       int
	BestBid         decimal.Decimal
	BestAsk         decimal.Decimal
	Spread          decimal.Decimal // Zero while either side is empty or crossed

	// Liquidity depth metrics (in base asset units)
	BidLiquidity05Pct decimal.Decimal // Bid size priced within 0.5% below mid
	AskLiquidity05Pct decimal.Decimal // Ask size priced within 0.5% above mid
	BidLiquidity2Pct  decimal.Decimal // Bid size priced within 2% below mid
	AskLiquidity2Pct  decimal.Decimal // Ask size priced within 2% above mid
}

// GetNextTickLevel returns the next tick level in the sequence
func GetNextTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			if i+1 < len(AvailableTickLevels) {
				return AvailableTickLevels[i+1]
			}
			return AvailableTickLevels[0]
		}
	}
	return AvailableTickLevels[0]
}

// GetPreviousTickLevel returns the finer tick level, wrapping to the coarsest
func GetPreviousTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			if i > 0 {
				return AvailableTickLevels[i-1]
			}
			return AvailableTickLevels[len(AvailableTickLevels)-1]
		}
	}
	// unknown ticks restart from the finest
	return AvailableTickLevels[0]
}

// ValidTickLevel reports whether tick is one of AvailableTickLevels
func ValidTickLevel(tick TickLevel) bool {
	for _, available := range AvailableTickLevels {
		if available == tick {
			return true
		}
	}
	return false
}
