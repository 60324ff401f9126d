package binance

import (
	"encoding/json"

	"cryptoterm/internal/types"

	"go.uber.org/zap"
)

// Config holds adapter settings
type Config struct {
	Symbol string

	// Decoder normalizes trade frames; nil drops them
	Decoder types.FrameDecoder
	Logger  *zap.Logger

	// BufferSize sizes the update and trade channels; <= 0 means 1000
	BufferSize int

	// WSURL and RestURL override the venue endpoints when set
	WSURL   string
	RestURL string
}

// SnapshotResponse represents the REST API response for Binance order book snapshot
type SnapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// StreamMessage is a combined-stream envelope. Data is kept raw until the
// stream name tells which payload it carries.
type StreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate represents a depth update event from Binance WebSocket
type DepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevUpdateID  int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}
