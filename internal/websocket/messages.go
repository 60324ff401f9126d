package websocket

import (
	"cryptoterm/internal/aggregation"
	"cryptoterm/internal/types"

	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageTypeHello     MessageType = "hello"
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeMetrics   MessageType = "metrics"
	MessageTypeTrade     MessageType = "trade"
)

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type string  `json:"type"`
	Tick float64 `json:"tick,omitempty"`
}

// HelloMessage is the first frame every client receives
type HelloMessage struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
	Backend  string      `json:"backend"`
	Tick     float64     `json:"tick"`
}

type OrderbookMessage struct {
	Type      MessageType  `json:"type"`
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Tick      float64      `json:"tick"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// MetricsMessage carries the kernel summary next to the book's own
// liquidity bands
type MetricsMessage struct {
	Type              MessageType             `json:"type"`
	Exchange          string                  `json:"exchange"`
	Symbol            string                  `json:"symbol"`
	Result            types.AggregationResult `json:"result"`
	OneSided          bool                    `json:"oneSided"`
	Backend           string                  `json:"backend"`
	ComputeMicros     float64                 `json:"computeMicros"`
	BidLiquidity05Pct string                  `json:"bidLiquidity05Pct"`
	AskLiquidity05Pct string                  `json:"askLiquidity05Pct"`
	BidLiquidity2Pct  string                  `json:"bidLiquidity2Pct"`
	AskLiquidity2Pct  string                  `json:"askLiquidity2Pct"`
	Timestamp         int64                   `json:"timestamp"`
}

type TradeMessage struct {
	Type     MessageType         `json:"type"`
	Exchange string              `json:"exchange"`
	Trade    *types.DecodedTrade `json:"trade"`
}

type PriceLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Cumulative string `json:"cumulative"`
}

// ladder converts best-first levels to wire format with running totals
func ladder(levels []types.PriceLevel, depth int) []PriceLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]PriceLevel, 0, len(levels))
	cumulative := decimal.Zero
	for _, l := range levels {
		cumulative = cumulative.Add(l.Quantity)
		out = append(out, PriceLevel{
			Price:      l.Price.String(),
			Quantity:   l.Quantity.String(),
			Cumulative: cumulative.String(),
		})
	}
	return out
}

func (s *Server) buildOrderbookMessage(f *feed, timestamp int64) OrderbookMessage {
	rawBids, rawAsks := f.book.Levels()
	rawBids = aggregation.FilterLevels(rawBids, f.book.GetStats().BestAsk, true)

	s.tickMux.RLock()
	tick := s.aggregator.GetTickLevel()
	bids := s.aggregator.AggregateBids(rawBids)
	asks := s.aggregator.AggregateAsks(rawAsks)
	s.tickMux.RUnlock()

	sortBestFirst(bids, asks)

	return OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Exchange:  f.name,
		Symbol:    f.symbol,
		Tick:      float64(tick),
		Bids:      ladder(bids, s.cfg.Depth),
		Asks:      ladder(asks, s.cfg.Depth),
		Timestamp: timestamp,
	}
}

func (s *Server) buildMetricsMessage(f *feed, result types.AggregationResult, stats types.Stats, timestamp int64) MetricsMessage {
	return MetricsMessage{
		Type:              MessageTypeMetrics,
		Exchange:          f.name,
		Symbol:            f.symbol,
		Result:            result,
		OneSided:          result.OneSided(),
		Backend:           s.kernel.BackendName(),
		ComputeMicros:     float64(s.kernel.LastDuration().Nanoseconds()) / 1e3,
		BidLiquidity05Pct: stats.BidLiquidity05Pct.String(),
		AskLiquidity05Pct: stats.AskLiquidity05Pct.String(),
		BidLiquidity2Pct:  stats.BidLiquidity2Pct.String(),
		AskLiquidity2Pct:  stats.AskLiquidity2Pct.String(),
		Timestamp:         timestamp,
	}
}
