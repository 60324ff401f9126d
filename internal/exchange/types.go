// Package exchange defines the venue-neutral feed contract: a depth stream
// that keeps a book in sync, a REST snapshot to seed it, and a trade stream.
package exchange

import (
	"context"
	"time"

	"cryptoterm/internal/types"
)

// ExchangeName identifies a venue and product line
type ExchangeName string

const (
	Binancef ExchangeName = "binancef"
	Binance  ExchangeName = "binance"

	// Sim is the offline synthetic venue
	Sim ExchangeName = "sim"
)

// Exchange is a market data feed for one symbol
type Exchange interface {
	GetName() ExchangeName
	GetSymbol() string

	// Connect dials the stream. Updates and Trades are closed when the
	// stream ends or ctx is cancelled.
	Connect(ctx context.Context) error
	Close() error

	// GetSnapshot fetches a full book to seed or reseed the local copy
	GetSnapshot(ctx context.Context) (*Snapshot, error)

	Updates() <-chan *DepthUpdate
	Trades() <-chan *types.DecodedTrade

	IsConnected() bool
	Health() HealthStatus
}

// Snapshot is a full book as of LastUpdateID
type Snapshot struct {
	Exchange     ExchangeName
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
	Timestamp    time.Time
}

// DepthUpdate is one diff event covering ids FirstUpdateID..FinalUpdateID
type DepthUpdate struct {
	Exchange      ExchangeName
	Symbol        string
	EventTime     time.Time
	FirstUpdateID int64
	FinalUpdateID int64
	PrevUpdateID  int64 // zero on venues without continuity ids
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// PriceLevel keeps the venue's decimal strings untouched; a zero quantity
// removes the level.
type PriceLevel struct {
	Price    string
	Quantity string
}

// HealthStatus is a point-in-time view of a feed connection
type HealthStatus struct {
	Connected     bool
	LastPing      time.Time
	MessageCount  int64
	TradeCount    int64
	ErrorCount    int64
	ReconnectTime *time.Time
}
